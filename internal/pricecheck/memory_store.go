package pricecheck

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*ReferenceConfig
}

// NewMemoryStore creates an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*ReferenceConfig)}
}

func (s *MemoryStore) Put(ctx context.Context, cfg *ReferenceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	c.Asset = strings.ToLower(c.Asset)
	s.configs[c.Asset] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, asset string) (*ReferenceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[strings.ToLower(asset)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cfg
	return &c, nil
}

func (s *MemoryStore) Delete(ctx context.Context, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(asset)
	if _, ok := s.configs[key]; !ok {
		return ErrNotFound
	}
	delete(s.configs, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*ReferenceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ReferenceConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		c := *cfg
		out = append(out, &c)
	}
	return out, nil
}
