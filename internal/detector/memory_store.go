package detector

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory attack ledger for tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*AttackRecord
	byID    map[string]*AttackRecord
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*AttackRecord)}
}

func (s *MemoryStore) Append(ctx context.Context, rec *AttackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	s.records = append(s.records, &r)
	s.byID[r.ID] = &r
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*AttackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

func (s *MemoryStore) MarkMitigated(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Mitigated {
		return true, nil
	}
	rec.Mitigated = true
	return false, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*AttackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*AttackRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Attacker != "" && rec.Attacker != strings.ToLower(filter.Attacker) {
			continue
		}
		if filter.Mitigated != nil && rec.Mitigated != *filter.Mitigated {
			continue
		}
		r := *rec
		matched = append(matched, &r)
	}

	// Newest first, ID as tiebreaker, matching the Postgres ordering.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.After(matched[j].DetectedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if filter.Cursor != nil {
		cut := 0
		for cut < len(matched) {
			rec := matched[cut]
			if rec.DetectedAt.Before(filter.Cursor.CreatedAt) ||
				(rec.DetectedAt.Equal(filter.Cursor.CreatedAt) && rec.ID < filter.Cursor.ID) {
				break
			}
			cut++
		}
		matched = matched[cut:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
