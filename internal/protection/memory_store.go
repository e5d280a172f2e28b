package protection

import (
	"context"
	"sort"
	"sync"

	"github.com/execguard/execguard/internal/detector"
)

// MemoryStore is an in-memory rule store for tests and single-node
// deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (s *MemoryStore) Put(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rule
	r.ExemptAddresses = append([]string(nil), rule.ExemptAddresses...)
	s.rules[r.ID] = &r
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRule(rule), nil
}

func (s *MemoryStore) GetByAttackType(ctx context.Context, attackType detector.AttackType) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *Rule
	for _, rule := range s.rules {
		if rule.AttackType != attackType || !rule.Active {
			continue
		}
		if newest == nil || rule.UpdatedAt.After(newest.UpdatedAt) {
			newest = rule
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyRule(newest), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, copyRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyRule(rule *Rule) *Rule {
	r := *rule
	r.ExemptAddresses = append([]string(nil), rule.ExemptAddresses...)
	return &r
}
