// Package assetsafety produces time-bounded risk verdicts for traded assets.
//
// A verdict captures how an asset behaves on transfer: entry cost (buy-side
// tax), exit cost (sell-side tax), whether a full round trip succeeds at
// all, and per-transaction or per-holder caps. Assets engineered to trap
// holders show up here before the policy engine lets a trade through.
//
// Verdicts are valid for a configured window. A stale verdict is treated as
// "unknown": by default unknown allows (assets without fresh data do not
// halt trading), flip BlockOnUnknown to fail closed instead.
package assetsafety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RiskTier orders asset risk from safe to unsafe.
type RiskTier string

const (
	TierSafe   RiskTier = "safe"
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
	TierUnsafe RiskTier = "unsafe"
)

// ErrNotFound is returned when no verdict exists for an asset.
var ErrNotFound = errors.New("assetsafety: no verdict for asset")

// Verdict is the result of analyzing one asset's transfer behavior.
type Verdict struct {
	Asset        string        `json:"asset"`
	Tier         RiskTier      `json:"tier"`
	BuyCostPct   float64       `json:"buyCostPct"`  // observed entry cost
	SellCostPct  float64       `json:"sellCostPct"` // observed exit cost
	CanFullyExit bool          `json:"canFullyExit"`
	TransferCaps bool          `json:"transferCaps"` // per-tx or per-holder caps present
	EvaluatedAt  time.Time     `json:"evaluatedAt"`
	ValidFor     time.Duration `json:"validFor"`
}

// Stale reports whether the verdict's validity window has elapsed.
func (v *Verdict) Stale(now time.Time) bool {
	return now.After(v.EvaluatedAt.Add(v.ValidFor))
}

// Dangerous reports whether the verdict should fail a policy check.
func (v *Verdict) Dangerous() bool {
	return v.Tier == TierHigh || v.Tier == TierUnsafe
}

// ProbeResult is the raw observation from simulating transfers of an asset.
type ProbeResult struct {
	BuyCostPct   float64
	SellCostPct  float64
	CanFullyExit bool
	TransferCaps bool
}

// Prober simulates an asset's transfer round trip. Implementations talk to
// a fork or simulation backend; tests use stubs.
type Prober interface {
	Probe(ctx context.Context, asset string) (*ProbeResult, error)
}

// Store persists verdicts (probed and operator-published alike).
type Store interface {
	Put(ctx context.Context, verdict *Verdict) error
	Get(ctx context.Context, asset string) (*Verdict, error)
	List(ctx context.Context) ([]*Verdict, error)
}

// DefaultValidity is how long a probed verdict stays fresh.
const DefaultValidity = 30 * time.Minute

// Analyzer evaluates assets on demand, caching verdicts for their
// validity window.
type Analyzer struct {
	prober   Prober
	store    Store
	validity time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup // single-flight per asset
}

// NewAnalyzer creates an analyzer backed by the given prober and store.
func NewAnalyzer(prober Prober, store Store) *Analyzer {
	return &Analyzer{
		prober:   prober,
		store:    store,
		validity: DefaultValidity,
		now:      time.Now,
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// WithValidity overrides the verdict validity window.
func (a *Analyzer) WithValidity(d time.Duration) *Analyzer {
	a.validity = d
	return a
}

// WithClock overrides the time source (tests).
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Verdict returns a fresh verdict for the asset, probing if the stored one
// is missing or stale. A stale verdict with no working prober is returned
// as-is with its Stale flag observable via EvaluatedAt/ValidFor; callers
// apply their unknown-asset policy.
func (a *Analyzer) Verdict(ctx context.Context, asset string) (*Verdict, error) {
	asset = strings.ToLower(asset)

	stored, err := a.store.Get(ctx, asset)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if stored != nil && !stored.Stale(a.now()) {
		return stored, nil
	}

	if a.prober == nil {
		if stored != nil {
			return stored, nil // stale, caller decides
		}
		return nil, ErrNotFound
	}

	// Collapse concurrent probes of the same asset into one.
	a.mu.Lock()
	if wg, waiting := a.inflight[asset]; waiting {
		a.mu.Unlock()
		wg.Wait()
		return a.store.Get(ctx, asset)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	a.inflight[asset] = wg
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.inflight, asset)
		a.mu.Unlock()
		wg.Done()
	}()

	result, err := a.prober.Probe(ctx, asset)
	if err != nil {
		if stored != nil {
			return stored, nil // stale beats nothing when the probe fails
		}
		return nil, fmt.Errorf("probe %s: %w", asset, err)
	}

	verdict := &Verdict{
		Asset:        asset,
		Tier:         classify(result),
		BuyCostPct:   result.BuyCostPct,
		SellCostPct:  result.SellCostPct,
		CanFullyExit: result.CanFullyExit,
		TransferCaps: result.TransferCaps,
		EvaluatedAt:  a.now(),
		ValidFor:     a.validity,
	}
	if err := a.store.Put(ctx, verdict); err != nil {
		return nil, err
	}
	return verdict, nil
}

// classify derives the risk tier from raw probe observations.
// An asset you cannot fully exit is unsafe regardless of cost.
func classify(r *ProbeResult) RiskTier {
	worst := r.BuyCostPct
	if r.SellCostPct > worst {
		worst = r.SellCostPct
	}

	switch {
	case !r.CanFullyExit || worst >= 50:
		return TierUnsafe
	case worst >= 20 || r.TransferCaps:
		return TierHigh
	case worst >= 10:
		return TierMedium
	case worst >= 3:
		return TierLow
	default:
		return TierSafe
	}
}
