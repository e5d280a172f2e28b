package guard

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/metrics"
	"github.com/execguard/execguard/internal/mitigation"
	"github.com/execguard/execguard/internal/permit"
	"github.com/execguard/execguard/internal/traces"
)

// Broadcaster receives detection activity for live subscribers.
type Broadcaster interface {
	BroadcastAttack(attack map[string]interface{})
	BroadcastMitigation(mitigation map[string]interface{})
}

// SubmitResult is the outcome of a successful permit submission. The
// permit is consumed (nonce advanced, hash spent) even when the policy
// verdict rejects; retrying needs a fresh permit.
type SubmitResult struct {
	PermitHash string   `json:"permitHash"`
	Verdict    *Verdict `json:"verdict"`
}

// ObserveResult bundles what one observation produced.
type ObserveResult struct {
	Attacks     []*detector.AttackRecord `json:"attacks"`
	Mitigations []*mitigation.Outcome    `json:"mitigations,omitempty"`
}

// Service ties permit verification, policy evaluation, detection, and
// mitigation together.
type Service struct {
	verifier *permit.Verifier
	engine   *Engine
	detector *detector.Detector
	selector *mitigation.Selector
	status   *Controller
	hub      Broadcaster
	logger   *slog.Logger
}

// NewService creates the guard service.
func NewService(verifier *permit.Verifier, engine *Engine, det *detector.Detector, selector *mitigation.Selector, status *Controller, logger *slog.Logger) *Service {
	return &Service{
		verifier: verifier,
		engine:   engine,
		detector: det,
		selector: selector,
		status:   status,
		logger:   logger,
	}
}

// WithBroadcaster attaches a live event broadcaster.
func (s *Service) WithBroadcaster(hub Broadcaster) *Service {
	s.hub = hub
	return s
}

// Submit verifies and consumes the permit, then evaluates policy at the
// requested tier. Protocol rejections come back as *permit.RejectionError;
// policy failures come back inside the verdict.
func (s *Service) Submit(ctx context.Context, sp *permit.SignedPermit, tier Tier) (*SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "guard.Submit",
		traces.Executor(sp.Permit.Executor), traces.Tier(tier.String()))
	defer span.End()

	hash, err := s.verifier.Verify(ctx, sp)
	if err != nil {
		var rejection *permit.RejectionError
		if errors.As(err, &rejection) {
			metrics.PermitVerificationsTotal.WithLabelValues(rejection.Code).Inc()
			s.logger.Info("permit rejected",
				"executor", sp.Permit.Executor, "nonce", sp.Permit.Nonce, "code", rejection.Code)
		}
		return nil, err
	}
	metrics.PermitVerificationsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(traces.PermitHash(hash))

	req := &CheckRequest{
		Executor:     sp.Permit.Executor,
		AssetIn:      sp.Permit.AssetIn,
		AssetOut:     sp.Permit.AssetOut,
		AmountIn:     sp.Permit.AmountIn,
		MinAmountOut: sp.Permit.MinAmountOut,
		ImpliedPrice: impliedPrice(sp.Permit.AmountIn, sp.Permit.MinAmountOut),
		Tier:         tier,
	}
	verdict, err := s.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	outcome := "approved"
	if !verdict.Approved {
		outcome = "rejected"
	} else if verdict.Monitored {
		outcome = "monitored"
	}
	metrics.PolicyChecksTotal.WithLabelValues(verdict.Tier.String(), outcome).Inc()
	s.logger.Info("permit evaluated",
		"executor", sp.Permit.Executor, "hash", hash, "tier", verdict.Tier,
		"outcome", outcome, "failed_checks", len(verdict.Failed))

	return &SubmitResult{PermitHash: hash, Verdict: verdict}, nil
}

// Observe runs the detector on a transaction observation. When the
// protection status blocks (active or emergency), every new record is
// auto-mitigated; under monitoring the records are only published.
func (s *Service) Observe(ctx context.Context, obs *detector.Observation) (*ObserveResult, error) {
	status := s.status.Current()
	if status == StatusDisabled {
		return &ObserveResult{}, nil
	}

	ctx, span := traces.StartSpan(ctx, "guard.Observe",
		attribute.String("tx.hash", obs.TxHash), attribute.Int64("tx.block", int64(obs.Block)))
	defer span.End()

	records, err := s.detector.Inspect(ctx, obs)
	if err != nil {
		return nil, err
	}

	result := &ObserveResult{Attacks: records}
	for _, rec := range records {
		span.SetAttributes(traces.AttackType(string(rec.Type)))
		metrics.AttacksDetectedTotal.WithLabelValues(string(rec.Type), string(rec.Risk)).Inc()
		s.logger.Warn("attack detected",
			"record", rec.ID, "attack_type", rec.Type, "risk", rec.Risk,
			"attacker", rec.Attacker, "block", rec.Block)
		if s.hub != nil {
			s.hub.BroadcastAttack(map[string]interface{}{
				"recordId":          rec.ID,
				"attackType":        string(rec.Type),
				"attacker":          rec.Attacker,
				"victim":            rec.Victim,
				"risk":              string(rec.Risk),
				"valueExtractedUsd": rec.ValueExtractedUSD,
			})
		}
	}

	if status == StatusActive || status == StatusEmergency {
		for _, rec := range records {
			outcome, err := s.Mitigate(ctx, rec.ID)
			if err != nil {
				// One failed countermeasure must not drop the others.
				s.logger.Error("auto-mitigation failed", "record", rec.ID, "error", err)
				continue
			}
			result.Mitigations = append(result.Mitigations, outcome)
		}
	}
	return result, nil
}

// Mitigate applies the countermeasure for one attack record.
func (s *Service) Mitigate(ctx context.Context, recordID string) (*mitigation.Outcome, error) {
	outcome, err := s.selector.Apply(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !outcome.AlreadyMitigated {
		metrics.MitigationsTotal.WithLabelValues(string(outcome.AttackType), outcome.Action).Inc()
		if s.hub != nil {
			s.hub.BroadcastMitigation(map[string]interface{}{
				"recordId":   outcome.RecordID,
				"attackType": string(outcome.AttackType),
				"action":     outcome.Action,
			})
		}
	}
	return outcome, nil
}

// impliedPrice derives the input-per-output price from the permit
// amounts, matching the orientation pricecheck.ReferenceSource uses.
// Returns 0 (price stage skipped) when the amounts cannot express one.
func impliedPrice(amountIn, minAmountOut string) float64 {
	in, err := strconv.ParseFloat(amountIn, 64)
	if err != nil || in <= 0 {
		return 0
	}
	out, err := strconv.ParseFloat(minAmountOut, 64)
	if err != nil || out <= 0 {
		return 0
	}
	return in / out
}
