package guard

import (
	"context"
	"sync"
)

// MemoryAuditStore is an in-memory audit log for tests and single-node
// deployments.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewMemoryAuditStore creates an empty in-memory audit log.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.entries = append(s.entries, &e)
	return nil
}

func (s *MemoryAuditStore) List(ctx context.Context, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		e := *s.entries[i]
		out = append(out, &e)
	}
	return out, nil
}
