// Package reputation aggregates address blacklist data for policy checks.
//
// Two kinds of data feed a lookup:
// - One internally managed list with full provenance (source, risk score,
//   reason, optional expiry). Entries past their expiry stop blocking but
//   are never deleted — the record is the audit trail.
// - N external source lists (threat feeds), each an address set that is
//   replaced wholesale on sync and can be toggled on and off.
//
// An address is flagged if the internal entry is active and unexpired, OR
// any enabled external source contains it.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// InternalSource is the provenance label for operator- and
// mitigation-managed entries.
const InternalSource = "internal"

// Errors
var (
	ErrNotFound      = errors.New("reputation: entry not found")
	ErrUnknownSource = errors.New("reputation: unknown external source")
)

// Entry is one internally managed reputation record.
type Entry struct {
	Address   string     `json:"address"`
	Source    string     `json:"source"`    // who flagged it ("operator", "mitigation", feed name)
	RiskScore int        `json:"riskScore"` // 0-100
	Reason    string     `json:"reason"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // advisory: expired entries stop blocking
	Offenses  int        `json:"offenses"`            // incremented by mitigation
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Expired reports whether the entry's advisory expiry has passed.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Blocking reports whether the entry currently contributes to a flag.
func (e *Entry) Blocking(now time.Time) bool {
	return e.Active && !e.Expired(now)
}

// Flag is one provenance item explaining why an address is flagged.
type Flag struct {
	Source    string `json:"source"`
	RiskScore int    `json:"riskScore,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Result is the outcome of a reputation lookup.
type Result struct {
	Address   string    `json:"address"`
	Flagged   bool      `json:"flagged"`
	Flags     []Flag    `json:"flags,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// SourceInfo describes one external source list.
type SourceInfo struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Addresses int       `json:"addresses"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists internal entries and external source sets.
//
// ReplaceSource must be atomic with respect to readers: a concurrent Check
// sees either the old set or the new set, never a partial mix.
type Store interface {
	UpsertInternal(ctx context.Context, entry *Entry) error
	GetInternal(ctx context.Context, address string) (*Entry, error)
	DeactivateInternal(ctx context.Context, address string) error
	IncrementOffenses(ctx context.Context, address string) (int, error)
	ListInternal(ctx context.Context) ([]*Entry, error)

	ReplaceSource(ctx context.Context, source string, addresses []string) error
	SetSourceEnabled(ctx context.Context, source string, enabled bool) error
	Sources(ctx context.Context) ([]*SourceInfo, error)
	// SourceFlags returns a flag per enabled source containing the address.
	SourceFlags(ctx context.Context, address string) ([]Flag, error)
}

// Service answers "is this address currently flagged, and why."
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a reputation lookup service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Check returns the flag state for an address with full provenance.
func (s *Service) Check(ctx context.Context, address string) (*Result, error) {
	now := s.now()
	result := &Result{Address: address, CheckedAt: now}

	entry, err := s.store.GetInternal(ctx, address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("reputation lookup: %w", err)
	}
	if entry != nil && entry.Blocking(now) {
		result.Flagged = true
		result.Flags = append(result.Flags, Flag{
			Source:    entry.Source,
			RiskScore: entry.RiskScore,
			Reason:    entry.Reason,
		})
	}

	external, err := s.store.SourceFlags(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("reputation lookup: %w", err)
	}
	if len(external) > 0 {
		result.Flagged = true
		result.Flags = append(result.Flags, external...)
	}

	return result, nil
}

// Denylist adds or refreshes an internal blocking entry for an address.
// Used by the mitigation selector for temporary containment.
func (s *Service) Denylist(ctx context.Context, address, source, reason string, riskScore int, ttl time.Duration) error {
	entry := &Entry{
		Address:   address,
		Source:    source,
		RiskScore: riskScore,
		Reason:    reason,
		Active:    true,
		UpdatedAt: s.now(),
	}
	if ttl > 0 {
		expires := s.now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	return s.store.UpsertInternal(ctx, entry)
}

// RecordOffense bumps the per-address offense counter.
func (s *Service) RecordOffense(ctx context.Context, address string) (int, error) {
	return s.store.IncrementOffenses(ctx, address)
}
