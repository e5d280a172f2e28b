package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/execguard/execguard/internal/idgen"
	"github.com/execguard/execguard/internal/metrics"
)

// Status is the process-wide protection mode. Every check reads it from
// one atomic, so a flip is observed immediately by in-flight requests.
type Status string

const (
	StatusDisabled   Status = "disabled"
	StatusMonitoring Status = "monitoring" // detect but never block
	StatusActive     Status = "active"
	StatusEmergency  Status = "emergency" // block with tightened thresholds
)

// AllStatuses lists every status, for gauges and validation.
func AllStatuses() []string {
	return []string{
		string(StatusDisabled), string(StatusMonitoring),
		string(StatusActive), string(StatusEmergency),
	}
}

// ValidStatus reports whether s is a recognized status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDisabled, StatusMonitoring, StatusActive, StatusEmergency:
		return true
	}
	return false
}

// Errors
var (
	ErrInvalidStatus = errors.New("guard: invalid protection status")
	// ErrEmergencyTransition marks transitions that must go through the
	// guardian-gated emergency calls.
	ErrEmergencyTransition = errors.New("guard: emergency transitions require the emergency endpoints")
	ErrNotInEmergency      = errors.New("guard: not in emergency")
)

// AuditEntry is one recorded status transition. Append-only.
type AuditEntry struct {
	ID     string    `json:"id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// AuditStore persists status transitions. Entries are never deleted.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// StatusBroadcaster receives status change notifications.
type StatusBroadcaster interface {
	BroadcastStatusChange(from, to, reason string)
}

// Controller holds the protection status and its audit trail.
type Controller struct {
	current atomic.Value // Status
	audit   AuditStore
	hub     StatusBroadcaster
	logger  *slog.Logger
	now     func() time.Time

	// Serializes transitions so audit order matches observed order.
	mu sync.Mutex
}

// NewController creates a status controller starting at initial.
func NewController(initial Status, audit AuditStore, logger *slog.Logger) *Controller {
	c := &Controller{audit: audit, logger: logger, now: time.Now}
	if !ValidStatus(initial) {
		initial = StatusActive
	}
	c.current.Store(initial)
	metrics.SetProtectionStatus(string(initial), AllStatuses())
	return c
}

// WithBroadcaster attaches a status change broadcaster.
func (c *Controller) WithBroadcaster(hub StatusBroadcaster) *Controller {
	c.hub = hub
	return c
}

// WithClock overrides the time source (tests).
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Current returns the status. Safe for concurrent use on every check.
func (c *Controller) Current() Status {
	return c.current.Load().(Status)
}

// Set transitions between the non-emergency statuses. Entering or
// leaving emergency must use SetEmergency / ClearEmergency, which the
// HTTP layer gates on the guardian role.
func (c *Controller) Set(ctx context.Context, to Status, actor, reason string) error {
	if !ValidStatus(to) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if to == StatusEmergency {
		return ErrEmergencyTransition
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.Current()
	if from == StatusEmergency {
		return ErrEmergencyTransition
	}
	return c.transition(ctx, from, to, actor, reason)
}

// SetEmergency flips the engine into emergency mode.
func (c *Controller) SetEmergency(ctx context.Context, actor, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.Current()
	if from == StatusEmergency {
		return nil
	}
	return c.transition(ctx, from, StatusEmergency, actor, reason)
}

// ClearEmergency leaves emergency mode for the given status.
func (c *Controller) ClearEmergency(ctx context.Context, to Status, actor, reason string) error {
	if !ValidStatus(to) || to == StatusEmergency {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.Current()
	if from != StatusEmergency {
		return ErrNotInEmergency
	}
	return c.transition(ctx, from, to, actor, reason)
}

// transition appends the audit entry before publishing the new status.
// Callers hold c.mu.
func (c *Controller) transition(ctx context.Context, from, to Status, actor, reason string) error {
	entry := &AuditEntry{
		ID:     idgen.WithPrefix("aud_"),
		From:   from,
		To:     to,
		Actor:  actor,
		Reason: reason,
		At:     c.now().UTC(),
	}
	if err := c.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("append status audit: %w", err)
	}

	c.current.Store(to)
	metrics.SetProtectionStatus(string(to), AllStatuses())
	if c.hub != nil {
		c.hub.BroadcastStatusChange(string(from), string(to), reason)
	}
	c.logger.Warn("protection status changed",
		"from", from, "to", to, "actor", actor, "reason", reason)
	return nil
}

// AuditLog returns the most recent transitions, newest first.
func (c *Controller) AuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	return c.audit.List(ctx, limit)
}
