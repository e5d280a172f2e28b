package permit

import (
	"context"
	"strings"
	"time"

	"github.com/execguard/execguard/internal/syncutil"
)

// Verifier checks signed permits against the authorization set, the
// executor's nonce sequence, and the spent-permit set.
//
// All mutations for a single executor are serialized through a sharded
// mutex, so two permits from the same executor can never race the nonce.
type Verifier struct {
	store   Store
	chainID int64
	now     func() time.Time

	locks syncutil.ShardedMutex
}

// NewVerifier creates a permit verifier for the given signing domain.
func NewVerifier(store Store, chainID int64) *Verifier {
	return &Verifier{
		store:   store,
		chainID: chainID,
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests).
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify validates a signed permit and, on success, consumes it: the
// executor's nonce is incremented and the permit hash is marked spent.
// On any failure no state changes and a typed *RejectionError is returned.
// The returned string is the permit hash (set on success and on replay).
func (v *Verifier) Verify(ctx context.Context, sp *SignedPermit) (string, error) {
	p := &sp.Permit
	executor := strings.ToLower(p.Executor)

	// 1-2. Recompute the domain-separated hash, recover and match the signer.
	message := CanonicalMessage(v.chainID, p)
	signer, err := RecoverSigner(message, sp.Signature)
	if err != nil {
		return "", ErrBadSignature
	}
	if signer != executor {
		return "", ErrBadSignature
	}

	// 3. Signer must hold the authorized-executor capability.
	authorized, err := v.store.IsAuthorized(ctx, executor)
	if err != nil {
		return "", err
	}
	if !authorized {
		return "", ErrUnauthorized
	}

	hash := Hash(v.chainID, p)

	// Serialize the check-and-consume sequence per executor. The spent set
	// and nonce must move together or not at all.
	unlock := v.locks.Lock(executor)
	defer unlock()

	// Replay first: an already-consumed permit reports replayed even though
	// its nonce is also stale by now.
	spent, err := v.store.IsSpent(ctx, hash)
	if err != nil {
		return "", err
	}
	if spent {
		return hash, ErrReplayed
	}

	// Nonce must equal the next expected value exactly.
	next, err := v.store.NextNonce(ctx, executor)
	if err != nil {
		return "", err
	}
	if p.Nonce != next {
		return "", ErrStaleNonce
	}

	// Deadline
	if v.now().Unix() > p.Deadline {
		return "", ErrExpired
	}

	// Consume: spent mark first so a crash between the two operations fails
	// closed (the permit can never validate twice; the executor re-signs
	// with the next nonce).
	if err := v.store.MarkSpent(ctx, hash, v.now()); err != nil {
		return "", err
	}
	if err := v.store.IncrementNonce(ctx, executor); err != nil {
		return "", err
	}

	return hash, nil
}
