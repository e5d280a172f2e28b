package reputation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// sourceSet is one external source's address set. Replacement swaps the
// whole struct under the store lock, so readers never see a partial set.
type sourceSet struct {
	addresses map[string]struct{}
	enabled   bool
	updatedAt time.Time
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	internal map[string]*Entry
	sources  map[string]*sourceSet
}

// NewMemoryStore creates an in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		internal: make(map[string]*Entry),
		sources:  make(map[string]*sourceSet),
	}
}

func (s *MemoryStore) UpsertInternal(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Address = strings.ToLower(entry.Address)
	if existing, ok := s.internal[cp.Address]; ok {
		cp.Offenses = existing.Offenses
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.internal[cp.Address] = &cp
	return nil
}

func (s *MemoryStore) GetInternal(_ context.Context, address string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.internal[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) DeactivateInternal(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.internal[strings.ToLower(address)]
	if !ok {
		return ErrNotFound
	}
	entry.Active = false
	entry.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) IncrementOffenses(_ context.Context, address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := strings.ToLower(address)
	entry, ok := s.internal[addr]
	if !ok {
		entry = &Entry{Address: addr, Source: InternalSource, UpdatedAt: time.Now()}
		s.internal[addr] = entry
	}
	entry.Offenses++
	return entry.Offenses, nil
}

func (s *MemoryStore) ListInternal(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, 0, len(s.internal))
	for _, entry := range s.internal {
		cp := *entry
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func (s *MemoryStore) ReplaceSource(_ context.Context, source string, addresses []string) error {
	set := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		set[strings.ToLower(addr)] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := true
	if existing, ok := s.sources[source]; ok {
		enabled = existing.enabled
	}
	s.sources[source] = &sourceSet{
		addresses: set,
		enabled:   enabled,
		updatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) SetSourceEnabled(_ context.Context, source string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sources[source]
	if !ok {
		return ErrUnknownSource
	}
	set.enabled = enabled
	return nil
}

func (s *MemoryStore) Sources(_ context.Context) ([]*SourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*SourceInfo, 0, len(s.sources))
	for name, set := range s.sources {
		result = append(result, &SourceInfo{
			Name:      name,
			Enabled:   set.enabled,
			Addresses: len(set.addresses),
			UpdatedAt: set.updatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) SourceFlags(_ context.Context, address string) ([]Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr := strings.ToLower(address)
	var flags []Flag
	for name, set := range s.sources {
		if !set.enabled {
			continue
		}
		if _, ok := set.addresses[addr]; ok {
			flags = append(flags, Flag{Source: name, Reason: "listed by external source"})
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Source < flags[j].Source })
	return flags, nil
}
