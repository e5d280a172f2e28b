package permit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu         sync.RWMutex
	authorized map[string]bool
	nonces     map[string]uint64
	spent      map[string]time.Time
}

// NewMemoryStore creates an in-memory permit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		authorized: make(map[string]bool),
		nonces:     make(map[string]uint64),
		spent:      make(map[string]time.Time),
	}
}

func (s *MemoryStore) Authorize(_ context.Context, executor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized[strings.ToLower(executor)] = true
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, executor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.authorized, strings.ToLower(executor))
	return nil
}

func (s *MemoryStore) IsAuthorized(_ context.Context, executor string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized[strings.ToLower(executor)], nil
}

func (s *MemoryStore) ListAuthorized(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]string, 0, len(s.authorized))
	for addr := range s.authorized {
		result = append(result, addr)
	}
	sort.Strings(result)
	return result, nil
}

func (s *MemoryStore) NextNonce(_ context.Context, executor string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonces[strings.ToLower(executor)], nil
}

func (s *MemoryStore) IncrementNonce(_ context.Context, executor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[strings.ToLower(executor)]++
	return nil
}

func (s *MemoryStore) MarkSpent(_ context.Context, hash string, spentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.spent[hash]; exists {
		return fmt.Errorf("permit hash %s already spent", hash)
	}
	s.spent[hash] = spentAt
	return nil
}

func (s *MemoryStore) IsSpent(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spent[hash]
	return ok, nil
}
