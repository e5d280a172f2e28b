// Package guard is the policy engine and emergency controller.
//
// A verified permit is evaluated against a strictness tier: MEDIUM adds
// reputation lookups on the executor and both assets, HIGH adds asset
// safety verdicts, MAXIMUM adds the price reference check. The verdict
// itemizes every failed sub-check so callers get full diagnostics, and a
// process-wide protection status can disable checks, monitor without
// blocking, or escalate everything to emergency thresholds.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/execguard/execguard/internal/assetsafety"
	"github.com/execguard/execguard/internal/pricecheck"
	"github.com/execguard/execguard/internal/reputation"
)

// Tier is the requested strictness level, ordered.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierMaximum
)

// String returns the wire name of the tier.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "LOW"
	case TierMedium:
		return "MEDIUM"
	case TierHigh:
		return "HIGH"
	case TierMaximum:
		return "MAXIMUM"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// ParseTier converts a wire name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return TierLow, nil
	case "MEDIUM":
		return TierMedium, nil
	case "HIGH":
		return TierHigh, nil
	case "MAXIMUM":
		return TierMaximum, nil
	}
	return TierLow, fmt.Errorf("unknown tier %q", s)
}

// MarshalJSON encodes the tier as its wire name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON decodes a wire name into the tier.
func (t *Tier) UnmarshalJSON(data []byte) error {
	parsed, err := ParseTier(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CheckRequest is one policy evaluation input.
type CheckRequest struct {
	Executor     string  `json:"executor"`
	AssetIn      string  `json:"assetIn"`
	AssetOut     string  `json:"assetOut"`
	AmountIn     string  `json:"amountIn"`
	MinAmountOut string  `json:"minAmountOut"`
	ImpliedPrice float64 `json:"impliedPrice,omitempty"` // output per input; 0 skips the price stage
	Tier         Tier    `json:"tier"`
}

// CheckFailure names one failed sub-check.
type CheckFailure struct {
	Check  string `json:"check"`
	Reason string `json:"reason"`
}

// Verdict is the policy evaluation outcome. Policy failures are data,
// not errors: a rejected request returns Approved=false with the full
// failure list and a nil error.
type Verdict struct {
	Approved  bool           `json:"approved"`
	Tier      Tier           `json:"tier"` // tier actually used (emergency escalates)
	Failed    []CheckFailure `json:"failed,omitempty"`
	Monitored bool           `json:"monitored,omitempty"` // failures observed but not blocking
}

// ReputationChecker is the slice of the reputation service the engine needs.
type ReputationChecker interface {
	Check(ctx context.Context, address string) (*reputation.Result, error)
}

// AssetAnalyzer is the slice of the asset safety analyzer the engine needs.
type AssetAnalyzer interface {
	Verdict(ctx context.Context, asset string) (*assetsafety.Verdict, error)
}

// PriceChecker is the slice of the price validator the engine needs.
type PriceChecker interface {
	Check(ctx context.Context, asset string, impliedPrice float64, ceilingScale float64) (*pricecheck.Result, error)
}

// EngineConfig tunes evaluation behavior.
type EngineConfig struct {
	// ShortCircuit stops at the first failed stage instead of running
	// every sub-check for audit completeness.
	ShortCircuit bool
	// BlockOnUnknown fails the asset safety stage when no current verdict
	// exists, instead of the default allow.
	BlockOnUnknown bool
}

// Engine runs tiered policy checks.
type Engine struct {
	cfg        EngineConfig
	status     *Controller
	reputation ReputationChecker
	assets     AssetAnalyzer
	prices     PriceChecker
	now        func() time.Time
}

// NewEngine creates a policy engine. Any checker may be nil, in which
// case its stage passes vacuously.
func NewEngine(cfg EngineConfig, status *Controller, rep ReputationChecker, assets AssetAnalyzer, prices PriceChecker) *Engine {
	return &Engine{
		cfg:        cfg,
		status:     status,
		reputation: rep,
		assets:     assets,
		prices:     prices,
		now:        time.Now,
	}
}

// WithClock overrides the time source (tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs the sub-checks the tier requires and returns an itemized
// verdict. Infrastructure faults (store errors, probe errors) return an
// error; policy failures do not.
func (e *Engine) Evaluate(ctx context.Context, req *CheckRequest) (*Verdict, error) {
	status := e.status.Current()
	if status == StatusDisabled {
		return &Verdict{Approved: true, Tier: req.Tier}, nil
	}

	tier := req.Tier
	priceScale := 1.0
	if status == StatusEmergency {
		tier = TierMaximum
		priceScale = 0.5
	}

	var failed []CheckFailure

	if tier >= TierMedium && e.reputation != nil {
		checks := []struct {
			name    string
			address string
		}{
			{"blacklist: executor", req.Executor},
			{"blacklist: input asset", req.AssetIn},
			{"blacklist: output asset", req.AssetOut},
		}
		for _, check := range checks {
			if e.cfg.ShortCircuit && len(failed) > 0 {
				break
			}
			res, err := e.reputation.Check(ctx, check.address)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", check.name, err)
			}
			if res.Flagged {
				failed = append(failed, CheckFailure{
					Check:  check.name,
					Reason: flagReason(res),
				})
			}
		}
	}

	if tier >= TierHigh && e.assets != nil && !(e.cfg.ShortCircuit && len(failed) > 0) {
		checks := []struct {
			name  string
			asset string
		}{
			{"asset safety: input asset", req.AssetIn},
			{"asset safety: output asset", req.AssetOut},
		}
		for _, check := range checks {
			if e.cfg.ShortCircuit && len(failed) > 0 {
				break
			}
			failure, err := e.assetFailure(ctx, check.name, check.asset)
			if err != nil {
				return nil, err
			}
			if failure != nil {
				failed = append(failed, *failure)
			}
		}
	}

	if tier >= TierMaximum && e.prices != nil && req.ImpliedPrice > 0 &&
		!(e.cfg.ShortCircuit && len(failed) > 0) {
		res, err := e.prices.Check(ctx, req.AssetOut, req.ImpliedPrice, priceScale)
		if err != nil {
			return nil, fmt.Errorf("price deviation: %w", err)
		}
		if !res.Passed {
			failed = append(failed, CheckFailure{
				Check:  "price deviation",
				Reason: fmt.Sprintf("%d bps deviation exceeds %d bps ceiling", res.DeviationBps, res.CeilingBps),
			})
		}
	}

	verdict := &Verdict{Tier: tier, Failed: failed}
	switch {
	case len(failed) == 0:
		verdict.Approved = true
	case status == StatusMonitoring:
		// Detect but never block: failures itemized, request approved.
		verdict.Approved = true
		verdict.Monitored = true
	}
	return verdict, nil
}

func (e *Engine) assetFailure(ctx context.Context, name, asset string) (*CheckFailure, error) {
	verdict, err := e.assets.Verdict(ctx, asset)
	if errors.Is(err, assetsafety.ErrNotFound) || (verdict != nil && verdict.Stale(e.now())) {
		// No current verdict: the unknown-asset policy decides.
		if e.cfg.BlockOnUnknown {
			return &CheckFailure{Check: name, Reason: "no current safety verdict"}, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if verdict.Dangerous() {
		return &CheckFailure{
			Check:  name,
			Reason: fmt.Sprintf("risk tier %s", verdict.Tier),
		}, nil
	}
	return nil, nil
}

func flagReason(res *reputation.Result) string {
	if len(res.Flags) == 0 {
		return "flagged"
	}
	parts := make([]string, 0, len(res.Flags))
	for _, f := range res.Flags {
		if f.Reason != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Source, f.Reason))
		} else {
			parts = append(parts, f.Source)
		}
	}
	return "flagged by " + strings.Join(parts, ", ")
}
