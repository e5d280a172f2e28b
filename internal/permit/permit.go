// Package permit implements the single-use execution authorization protocol.
//
// An execution permit is a signed, nonce-and-deadline-bound authorization
// to perform exactly one trade execution:
// - Executor signs the permit fields with its ECDSA key
// - The verifier recovers the signer and checks it is an authorized executor
// - Nonces are strictly sequential per executor (replay and reordering fail)
// - Every consumed permit hash is recorded and can never be presented again
package permit

import (
	"context"
	"time"
)

// ExecutionPermit describes one authorized trade execution request.
// Immutable once constructed; consumed exactly once.
type ExecutionPermit struct {
	Executor     string `json:"executor"`     // Ethereum address of the signer
	AssetIn      string `json:"assetIn"`      // Input asset address
	AssetOut     string `json:"assetOut"`     // Output asset address
	AmountIn     string `json:"amountIn"`     // Decimal string for precision
	MinAmountOut string `json:"minAmountOut"` // Minimum acceptable output
	Deadline     int64  `json:"deadline"`     // Unix timestamp, absolute
	Nonce        uint64 `json:"nonce"`        // Strictly sequential per executor
	Strategy     string `json:"strategy,omitempty"`
}

// SignedPermit bundles a permit with its hex-encoded ECDSA signature.
type SignedPermit struct {
	Permit    ExecutionPermit `json:"permit"`
	Signature string          `json:"signature"` // 65 bytes, hex, r||s||v
}

// RejectionError is a typed protocol rejection. Protocol errors are always
// fatal to the single request; retrying requires a fresh, re-signed permit.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RejectionError) Error() string {
	return e.Message
}

// Protocol rejections
var (
	ErrBadSignature = &RejectionError{Code: "bad_signature", Message: "Signature is invalid or does not match the executor"}
	ErrUnauthorized = &RejectionError{Code: "unauthorized_signer", Message: "Signer is not an authorized executor"}
	ErrStaleNonce   = &RejectionError{Code: "stale_nonce", Message: "Nonce does not match the executor's next expected nonce"}
	ErrExpired      = &RejectionError{Code: "expired", Message: "Permit deadline has passed"}
	ErrReplayed     = &RejectionError{Code: "replayed", Message: "Permit has already been consumed"}
)

// Store persists executor authorization, per-executor nonces, and the
// spent-permit set. Implementations must make MarkSpent reject duplicates.
type Store interface {
	// Executor authorization set
	Authorize(ctx context.Context, executor string) error
	Revoke(ctx context.Context, executor string) error
	IsAuthorized(ctx context.Context, executor string) (bool, error)
	ListAuthorized(ctx context.Context) ([]string, error)

	// Nonce tracking. NextNonce returns 0 for unseen executors.
	NextNonce(ctx context.Context, executor string) (uint64, error)
	IncrementNonce(ctx context.Context, executor string) error

	// Spent-permit set. IsSpent never removes entries (audit trail).
	MarkSpent(ctx context.Context, hash string, spentAt time.Time) error
	IsSpent(ctx context.Context, hash string) (bool, error)
}
