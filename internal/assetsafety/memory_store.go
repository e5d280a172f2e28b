package assetsafety

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string]*Verdict
}

// NewMemoryStore creates an in-memory verdict store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{verdicts: make(map[string]*Verdict)}
}

func (s *MemoryStore) Put(_ context.Context, verdict *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *verdict
	cp.Asset = strings.ToLower(verdict.Asset)
	s.verdicts[cp.Asset] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, asset string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	verdict, ok := s.verdicts[strings.ToLower(asset)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *verdict
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Verdict, 0, len(s.verdicts))
	for _, v := range s.verdicts {
		cp := *v
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}
