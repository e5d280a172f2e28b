// Package pricecheck validates trade prices against independent references.
//
// A trade's implied price is compared to a time-averaged (TWAP-style)
// reference sourced independently of the executing venue. Deviation past
// the configured ceiling fails the check — the usual signature of oracle
// manipulation or a poisoned pool. An asset with no configured reference
// passes: there is nothing to validate against.
package pricecheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("pricecheck: no reference config for asset")
	ErrUnknownSource = errors.New("pricecheck: unknown reference source")
)

// ReferenceConfig ties an asset to a reference price source and ceiling.
type ReferenceConfig struct {
	Asset           string        `json:"asset"`
	Source          string        `json:"source"` // registered ReferenceSource name
	Window          time.Duration `json:"window"` // averaging window
	MaxDeviationBps int           `json:"maxDeviationBps"`
	Active          bool          `json:"active"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ReferenceSource supplies a time-averaged price for an asset,
// independent of the venue executing the trade. Prices are quoted as
// input units per output unit, the same orientation as the implied
// price derived from a permit's amounts.
type ReferenceSource interface {
	TWAP(ctx context.Context, asset string, window time.Duration) (float64, error)
}

// Store persists reference configurations.
type Store interface {
	Put(ctx context.Context, cfg *ReferenceConfig) error
	Get(ctx context.Context, asset string) (*ReferenceConfig, error)
	Delete(ctx context.Context, asset string) error
	List(ctx context.Context) ([]*ReferenceConfig, error)
}

// Result describes one price reference check.
type Result struct {
	Asset          string  `json:"asset"`
	Checked        bool    `json:"checked"` // false when no reference configured
	ImpliedPrice   float64 `json:"impliedPrice,omitempty"`
	ReferencePrice float64 `json:"referencePrice,omitempty"`
	DeviationBps   int     `json:"deviationBps,omitempty"`
	CeilingBps     int     `json:"ceilingBps,omitempty"`
	Passed         bool    `json:"passed"`
}

// Validator checks implied trade prices against configured references.
type Validator struct {
	store   Store
	sources map[string]ReferenceSource
}

// NewValidator creates a price reference validator.
func NewValidator(store Store) *Validator {
	return &Validator{
		store:   store,
		sources: make(map[string]ReferenceSource),
	}
}

// RegisterSource makes a named reference source available to configs.
func (v *Validator) RegisterSource(name string, source ReferenceSource) {
	v.sources[name] = source
}

// Check validates the implied price for an asset. ceilingScale tightens
// the configured ceiling (emergency mode passes 0.5 to halve it); pass 1
// for normal operation.
func (v *Validator) Check(ctx context.Context, asset string, impliedPrice float64, ceilingScale float64) (*Result, error) {
	asset = strings.ToLower(asset)

	cfg, err := v.store.Get(ctx, asset)
	if errors.Is(err, ErrNotFound) {
		// Cannot validate what has no reference: explicit pass-through.
		return &Result{Asset: asset, Checked: false, Passed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return &Result{Asset: asset, Checked: false, Passed: true}, nil
	}

	source, ok := v.sources[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, cfg.Source)
	}

	reference, err := source.TWAP(ctx, asset, cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", cfg.Source, err)
	}
	if reference <= 0 {
		return nil, fmt.Errorf("reference %s returned non-positive price %f", cfg.Source, reference)
	}

	deviationBps := int(math.Round(math.Abs(impliedPrice-reference) / reference * 10000))

	ceiling := cfg.MaxDeviationBps
	if ceilingScale > 0 && ceilingScale != 1 {
		ceiling = int(float64(ceiling) * ceilingScale)
	}

	return &Result{
		Asset:          asset,
		Checked:        true,
		ImpliedPrice:   impliedPrice,
		ReferencePrice: reference,
		DeviationBps:   deviationBps,
		CeilingBps:     ceiling,
		Passed:         deviationBps <= ceiling,
	}, nil
}
