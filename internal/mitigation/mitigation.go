// Package mitigation applies automatic countermeasures to attack records.
//
// Dispatch is by attack type: front-runners get a temporary deny-list
// entry plus an offense count, sandwich attacks tighten the slippage
// tolerance on the sandwich protection rule, toxic arbitrage is logged
// for operator review, and anything else falls back to the deny-list.
// Applying a mitigation twice is a no-op, not an error.
package mitigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/protection"
	"github.com/execguard/execguard/internal/reputation"
)

// Actions reported in an Outcome.
const (
	ActionDenylisted      = "denylisted"
	ActionSlippageHalved  = "slippage_halved"
	ActionLoggedForReview = "logged_for_review"
	ActionNone            = "none"
)

// DenylistTTL is how long an automatic deny-list entry blocks.
const DenylistTTL = 24 * time.Hour

// denylistRiskScore is the score assigned to automatic entries.
const denylistRiskScore = 90

// Outcome describes what a mitigation did.
type Outcome struct {
	RecordID         string              `json:"recordId"`
	AttackType       detector.AttackType `json:"attackType"`
	Action           string              `json:"action"`
	AlreadyMitigated bool                `json:"alreadyMitigated"`
	Detail           string              `json:"detail,omitempty"`
}

// Denylister is the slice of the reputation service the selector needs.
type Denylister interface {
	Denylist(ctx context.Context, address, source, reason string, riskScore int, ttl time.Duration) error
	RecordOffense(ctx context.Context, address string) (int, error)
}

// Selector dispatches countermeasures for attack records.
type Selector struct {
	attacks    detector.Store
	reputation Denylister
	rules      protection.Store
	logger     *slog.Logger
}

// NewSelector creates a mitigation selector.
func NewSelector(attacks detector.Store, rep Denylister, rules protection.Store, logger *slog.Logger) *Selector {
	return &Selector{attacks: attacks, reputation: rep, rules: rules, logger: logger}
}

// Apply runs the countermeasure for the record and marks it mitigated.
// Unknown IDs return detector.ErrNotFound; already-mitigated records
// return an Outcome with AlreadyMitigated set and no action taken.
func (s *Selector) Apply(ctx context.Context, recordID string) (*Outcome, error) {
	rec, err := s.attacks.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Mitigated {
		return &Outcome{
			RecordID:         rec.ID,
			AttackType:       rec.Type,
			Action:           ActionNone,
			AlreadyMitigated: true,
		}, nil
	}

	outcome := &Outcome{RecordID: rec.ID, AttackType: rec.Type}

	switch rec.Type {
	case detector.AttackFrontRun:
		if err := s.denylist(ctx, rec); err != nil {
			return nil, err
		}
		offenses, err := s.reputation.RecordOffense(ctx, rec.Attacker)
		if err != nil {
			return nil, fmt.Errorf("record offense for %s: %w", rec.Attacker, err)
		}
		outcome.Action = ActionDenylisted
		outcome.Detail = fmt.Sprintf("offense #%d", offenses)

	case detector.AttackSandwich:
		rule, err := protection.HalveSlippage(ctx, s.rules, detector.AttackSandwich)
		if errors.Is(err, protection.ErrNotFound) {
			// Nothing to tighten without an active sandwich rule.
			outcome.Action = ActionNone
			outcome.Detail = "no active sandwich rule"
			s.logger.Warn("sandwich mitigation skipped", "record", rec.ID, "reason", "no active rule")
		} else if err != nil {
			return nil, fmt.Errorf("tighten sandwich rule: %w", err)
		} else {
			outcome.Action = ActionSlippageHalved
			outcome.Detail = fmt.Sprintf("rule %s slippage now %d bps", rule.ID, rule.SlippageToleranceBps)
		}

	case detector.AttackToxicArbitrage:
		// Operator review required; no automatic containment.
		s.logger.Warn("toxic arbitrage flagged for review",
			"record", rec.ID, "attacker", rec.Attacker, "value_usd", rec.ValueExtractedUSD)
		outcome.Action = ActionLoggedForReview

	default:
		// Conservative default for every other classification.
		if err := s.denylist(ctx, rec); err != nil {
			return nil, err
		}
		outcome.Action = ActionDenylisted
	}

	if _, err := s.attacks.MarkMitigated(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("mark record mitigated: %w", err)
	}

	s.logger.Info("mitigation applied",
		"record", rec.ID, "attack_type", rec.Type, "action", outcome.Action)
	return outcome, nil
}

func (s *Selector) denylist(ctx context.Context, rec *detector.AttackRecord) error {
	reason := fmt.Sprintf("auto-mitigation for %s attack %s", rec.Type, rec.ID)
	if err := s.reputation.Denylist(ctx, rec.Attacker, reputation.InternalSource, reason, denylistRiskScore, DenylistTTL); err != nil {
		return fmt.Errorf("denylist %s: %w", rec.Attacker, err)
	}
	return nil
}
