// Package detector classifies transaction observations into suspected
// adversarial-ordering attacks.
//
// Six independent heuristics inspect an observation's metadata (priority
// fee, sender reputation, payload shape, block-window correlation, value
// against known venues, arbitrage impact). Classifications of the same
// attack type merge into one AttackRecord carrying every reason that
// fired. Records form an append-only audit ledger: mitigation may set
// Mitigated=true, nothing else ever mutates or deletes them.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/execguard/execguard/internal/idgen"
	"github.com/execguard/execguard/internal/pagination"
	"github.com/execguard/execguard/internal/reputation"
)

// Attack types.
type AttackType string

const (
	AttackFrontRun           AttackType = "front_run"
	AttackSandwich           AttackType = "sandwich"
	AttackBackRun            AttackType = "back_run"
	AttackToxicArbitrage     AttackType = "toxic_arbitrage"
	AttackJITLiquidity       AttackType = "jit_liquidity"
	AttackOracleManipulation AttackType = "oracle_manipulation"
)

// ValidAttackType reports whether t is a recognized classification.
func ValidAttackType(t AttackType) bool {
	switch t {
	case AttackFrontRun, AttackSandwich, AttackBackRun,
		AttackToxicArbitrage, AttackJITLiquidity, AttackOracleManipulation:
		return true
	}
	return false
}

// Risk levels, ordered.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Errors
var ErrNotFound = errors.New("detector: attack record not found")

// Observation is the metadata of one candidate or observed transaction.
type Observation struct {
	TxHash          string  `json:"txHash"`
	Sender          string  `json:"sender"`
	Counterpart     string  `json:"counterpart,omitempty"`
	AssetIn         string  `json:"assetIn"`
	AssetOut        string  `json:"assetOut"`
	ValueUSD        float64 `json:"valueUsd"`
	PriorityFeeGwei float64 `json:"priorityFeeGwei"`
	PayloadBytes    int     `json:"payloadBytes"`
	Venue           string  `json:"venue,omitempty"`
	Block           uint64  `json:"block"`
	ArbShaped       bool    `json:"arbShaped"`
	PriceImpactBps  int     `json:"priceImpactBps"`
}

// AttackRecord is one classified suspected attack. Append-only.
type AttackRecord struct {
	ID                string     `json:"id"`
	Type              AttackType `json:"type"`
	Attacker          string     `json:"attacker"`
	Victim            string     `json:"victim,omitempty"`
	Asset             string     `json:"asset"`
	Block             uint64     `json:"block"`
	ValueExtractedUSD float64    `json:"valueExtractedUsd"`
	Risk              RiskLevel  `json:"risk"`
	Mitigated         bool       `json:"mitigated"`
	Description       string     `json:"description"`
	DetectedAt        time.Time  `json:"detectedAt"`
}

// ListFilter narrows and pages an attack record listing.
type ListFilter struct {
	Type      AttackType
	Attacker  string
	Mitigated *bool
	Cursor    *pagination.Cursor
	Limit     int
}

// Store is the append-only attack ledger. Append and MarkMitigated are
// the only writes; records are never deleted.
type Store interface {
	Append(ctx context.Context, rec *AttackRecord) error
	Get(ctx context.Context, id string) (*AttackRecord, error)
	// MarkMitigated flips the flag and reports whether it was already set.
	MarkMitigated(ctx context.Context, id string) (alreadyMitigated bool, err error)
	List(ctx context.Context, filter ListFilter) ([]*AttackRecord, error)
}

// ReputationChecker is the slice of the reputation service the detector
// needs.
type ReputationChecker interface {
	Check(ctx context.Context, address string) (*reputation.Result, error)
}

// Config holds heuristic thresholds.
type Config struct {
	FeeMultiplier    float64  // abnormal-fee multiple of the rolling average
	PayloadSizeLimit int      // bytes; larger payloads look bot-generated
	HighValueUSD     float64  // large-value threshold
	MaxImpactBps     int      // arbitrage price-impact ceiling
	FeeWindowSize    int      // rolling fee average sample count
	PairLookback     uint64   // sandwich correlation window, in blocks
	KnownVenues      []string // recognized liquidity venues
}

// DefaultConfig returns the default heuristic thresholds.
func DefaultConfig() Config {
	return Config{
		FeeMultiplier:    1.5,
		PayloadSizeLimit: 4096,
		HighValueUSD:     100_000,
		MaxImpactBps:     200,
		FeeWindowSize:    256,
		PairLookback:     5,
		KnownVenues:      nil,
	}
}

type classification struct {
	attackType AttackType
	reasons    []string
}

// pairSeen is one remembered transaction for sandwich correlation.
type pairSeen struct {
	sender      string
	counterpart string
	block       uint64
}

// Detector runs the heuristics and appends records.
type Detector struct {
	cfg        Config
	store      Store
	reputation ReputationChecker
	venues     map[string]bool
	now        func() time.Time

	mu       sync.Mutex
	fees     []float64 // bounded ring of recent priority fees
	feeSum   float64
	feeNext  int
	feeCount int
	pairs    map[string][]pairSeen // pairKey -> recent sightings within lookback
}

// New creates a detector over the given ledger and reputation source.
func New(cfg Config, store Store, rep ReputationChecker) *Detector {
	if cfg.FeeMultiplier <= 0 {
		cfg.FeeMultiplier = 1.5
	}
	if cfg.FeeWindowSize <= 0 {
		cfg.FeeWindowSize = 256
	}
	if cfg.PairLookback == 0 {
		cfg.PairLookback = 5
	}
	venues := make(map[string]bool, len(cfg.KnownVenues))
	for _, v := range cfg.KnownVenues {
		venues[strings.ToLower(v)] = true
	}
	return &Detector{
		cfg:        cfg,
		store:      store,
		reputation: rep,
		venues:     venues,
		now:        time.Now,
		fees:       make([]float64, cfg.FeeWindowSize),
		pairs:      make(map[string][]pairSeen),
	}
}

// WithClock overrides the time source (tests).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Inspect runs every heuristic against the observation, records one
// AttackRecord per fired attack type, and returns the records. A clean
// observation returns an empty slice.
func (d *Detector) Inspect(ctx context.Context, obs *Observation) ([]*AttackRecord, error) {
	sender := strings.ToLower(obs.Sender)
	counterpart := strings.ToLower(obs.Counterpart)

	var classifications []classification

	// Fee anomaly and sandwich correlation share the sliding windows.
	d.mu.Lock()
	avgFee, haveAvg := d.rollingFeeAvg()
	abnormalFee := haveAvg && obs.PriorityFeeGwei > avgFee*d.cfg.FeeMultiplier
	correlated := d.pairCorrelated(obs, sender, counterpart)
	d.recordWindowsLocked(obs, sender, counterpart)
	d.mu.Unlock()

	if abnormalFee {
		classifications = append(classifications, classification{
			attackType: AttackFrontRun,
			reasons:    []string{fmt.Sprintf("priority fee %.1f gwei exceeds %.1fx rolling average %.1f", obs.PriorityFeeGwei, d.cfg.FeeMultiplier, avgFee)},
		})
	}

	if d.reputation != nil && sender != "" {
		rep, err := d.reputation.Check(ctx, sender)
		if err != nil {
			return nil, fmt.Errorf("reputation lookup for %s: %w", sender, err)
		}
		if rep.Flagged {
			classifications = append(classifications, classification{
				attackType: AttackFrontRun,
				reasons:    []string{fmt.Sprintf("sender flagged by reputation (%d source(s))", len(rep.Flags))},
			})
		}
	}

	if d.cfg.PayloadSizeLimit > 0 && obs.PayloadBytes > d.cfg.PayloadSizeLimit {
		classifications = append(classifications, classification{
			attackType: AttackFrontRun,
			reasons:    []string{fmt.Sprintf("payload %d bytes exceeds %d byte limit", obs.PayloadBytes, d.cfg.PayloadSizeLimit)},
		})
	}

	if correlated {
		classifications = append(classifications, classification{
			attackType: AttackSandwich,
			reasons:    []string{fmt.Sprintf("same actor touched pair within %d-block window", d.cfg.PairLookback)},
		})
	}

	highValue := d.cfg.HighValueUSD > 0 && obs.ValueUSD > d.cfg.HighValueUSD
	if highValue && d.venues[strings.ToLower(obs.Venue)] {
		classifications = append(classifications, classification{
			attackType: AttackSandwich,
			reasons:    []string{fmt.Sprintf("value $%.0f against recognized venue %s", obs.ValueUSD, obs.Venue)},
		})
	}

	if obs.ArbShaped && d.cfg.MaxImpactBps > 0 && obs.PriceImpactBps > d.cfg.MaxImpactBps {
		classifications = append(classifications, classification{
			attackType: AttackToxicArbitrage,
			reasons:    []string{fmt.Sprintf("arbitrage-shaped payload with %d bps impact over %d bps ceiling", obs.PriceImpactBps, d.cfg.MaxImpactBps)},
		})
	}

	merged := mergeByType(classifications)
	records := make([]*AttackRecord, 0, len(merged))
	for _, cl := range merged {
		rec := &AttackRecord{
			ID:                idgen.WithPrefix("atk_"),
			Type:              cl.attackType,
			Attacker:          sender,
			Victim:            counterpart,
			Asset:             strings.ToLower(obs.AssetOut),
			Block:             obs.Block,
			ValueExtractedUSD: obs.ValueUSD,
			Risk:              scoreRisk(abnormalFee, highValue, cl.reasons),
			Description:       strings.Join(cl.reasons, "; "),
			DetectedAt:        d.now().UTC(),
		}
		if err := d.store.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("append attack record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// rollingFeeAvg returns the current rolling average. Callers hold d.mu.
func (d *Detector) rollingFeeAvg() (float64, bool) {
	if d.feeCount == 0 {
		return 0, false
	}
	return d.feeSum / float64(d.feeCount), true
}

func pairKey(assetIn, assetOut string) string {
	a, b := strings.ToLower(assetIn), strings.ToLower(assetOut)
	if a > b {
		a, b = b, a
	}
	return a + "/" + b
}

// pairCorrelated reports whether the same sender or counterpart touched
// this asset pair within the look-back window. Callers hold d.mu.
func (d *Detector) pairCorrelated(obs *Observation, sender, counterpart string) bool {
	for _, seen := range d.pairs[pairKey(obs.AssetIn, obs.AssetOut)] {
		if obs.Block < seen.block || obs.Block-seen.block > d.cfg.PairLookback {
			continue
		}
		if seen.sender == sender || (counterpart != "" && seen.counterpart == counterpart) {
			return true
		}
	}
	return false
}

// recordWindowsLocked folds the observation into the sliding windows.
// Callers hold d.mu.
func (d *Detector) recordWindowsLocked(obs *Observation, sender, counterpart string) {
	// Fee ring: evict the slot being overwritten from the running sum.
	if d.feeCount == len(d.fees) {
		d.feeSum -= d.fees[d.feeNext]
	} else {
		d.feeCount++
	}
	d.fees[d.feeNext] = obs.PriorityFeeGwei
	d.feeSum += obs.PriorityFeeGwei
	d.feeNext = (d.feeNext + 1) % len(d.fees)

	// Pair history: keep only sightings still within the look-back window.
	key := pairKey(obs.AssetIn, obs.AssetOut)
	kept := d.pairs[key][:0]
	for _, seen := range d.pairs[key] {
		if obs.Block >= seen.block && obs.Block-seen.block <= d.cfg.PairLookback {
			kept = append(kept, seen)
		}
	}
	d.pairs[key] = append(kept, pairSeen{sender: sender, counterpart: counterpart, block: obs.Block})
	if len(d.pairs[key]) > 64 {
		d.pairs[key] = d.pairs[key][len(d.pairs[key])-64:]
	}
}

func mergeByType(classifications []classification) []classification {
	var order []AttackType
	byType := make(map[AttackType][]string)
	for _, cl := range classifications {
		if _, ok := byType[cl.attackType]; !ok {
			order = append(order, cl.attackType)
		}
		byType[cl.attackType] = append(byType[cl.attackType], cl.reasons...)
	}
	merged := make([]classification, 0, len(order))
	for _, t := range order {
		merged = append(merged, classification{attackType: t, reasons: byType[t]})
	}
	return merged
}

// scoreRisk computes the point-based risk level: +2 for an abnormal fee
// signal, +1 for high value, +3 for a non-empty reason list.
func scoreRisk(abnormalFee, highValue bool, reasons []string) RiskLevel {
	points := 0
	if abnormalFee {
		points += 2
	}
	if highValue {
		points++
	}
	if len(reasons) > 0 {
		points += 3
	}
	switch {
	case points >= 5:
		return RiskCritical
	case points >= 3:
		return RiskHigh
	case points >= 1:
		return RiskMedium
	default:
		return RiskLow
	}
}
