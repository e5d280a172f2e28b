// Package protection holds operator-managed protection rules.
//
// A rule tunes how one attack type is handled: slippage tolerance,
// price-impact ceiling, minimum submission delay, fee multiplier, exempt
// addresses, and whether bundle submission is required. The detection
// pipeline reads rules; only operators (and the sandwich mitigation,
// which tightens slippage) write them.
package protection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/validation"
)

// Errors
var ErrNotFound = errors.New("protection: rule not found")

// Rule is one attack-type protection configuration.
type Rule struct {
	ID                   string              `json:"id"`
	AttackType           detector.AttackType `json:"attackType"`
	Active               bool                `json:"active"`
	SlippageToleranceBps int                 `json:"slippageToleranceBps"`
	MaxPriceImpactBps    int                 `json:"maxPriceImpactBps"`
	MinDelayMs           int                 `json:"minDelayMs"`
	FeeMultiplier        float64             `json:"feeMultiplier"`
	ExemptAddresses      []string            `json:"exemptAddresses,omitempty"`
	RequireBundle        bool                `json:"requireBundle"`
	UpdatedAt            time.Time           `json:"updatedAt"`
}

// Validate checks rule fields for operator input.
func (r *Rule) Validate() error {
	if !detector.ValidAttackType(r.AttackType) {
		return fmt.Errorf("unknown attack type %q", r.AttackType)
	}
	if r.SlippageToleranceBps < 0 || r.SlippageToleranceBps > 10000 {
		return errors.New("slippage tolerance must be 0-10000 bps")
	}
	if r.MaxPriceImpactBps < 0 || r.MaxPriceImpactBps > 10000 {
		return errors.New("price impact ceiling must be 0-10000 bps")
	}
	if r.MinDelayMs < 0 {
		return errors.New("minimum delay must not be negative")
	}
	if r.FeeMultiplier < 0 {
		return errors.New("fee multiplier must not be negative")
	}
	for _, addr := range r.ExemptAddresses {
		if !validation.IsValidEthAddress(addr) {
			return fmt.Errorf("invalid exempt address %q", addr)
		}
	}
	return nil
}

// Exempts reports whether the address is exempt from this rule.
func (r *Rule) Exempts(address string) bool {
	address = strings.ToLower(address)
	for _, exempt := range r.ExemptAddresses {
		if strings.ToLower(exempt) == address {
			return true
		}
	}
	return false
}

// Store persists protection rules.
type Store interface {
	Put(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	// GetByAttackType returns the active rule for the type, or ErrNotFound.
	GetByAttackType(ctx context.Context, attackType detector.AttackType) (*Rule, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Rule, error)
}

// HalveSlippage tightens the active rule for an attack type by halving
// its slippage tolerance. Returns the updated rule.
func HalveSlippage(ctx context.Context, store Store, attackType detector.AttackType) (*Rule, error) {
	rule, err := store.GetByAttackType(ctx, attackType)
	if err != nil {
		return nil, err
	}
	rule.SlippageToleranceBps /= 2
	if err := store.Put(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}
