package guard

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/execguard/execguard/internal/assetsafety"
	"github.com/execguard/execguard/internal/pricecheck"
	"github.com/execguard/execguard/internal/reputation"
)

const (
	executorAddr = "0x1111111111111111111111111111111111111111"
	usdcAddr     = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	wethAddr     = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func activeController(t *testing.T) *Controller {
	t.Helper()
	return NewController(StatusActive, NewMemoryAuditStore(), discardLogger())
}

// engineEnv builds an engine over in-memory everything.
type engineEnv struct {
	engine     *Engine
	controller *Controller
	repStore   *reputation.MemoryStore
	rep        *reputation.Service
	assetStore *assetsafety.MemoryStore
	priceStore *pricecheck.MemoryStore
	prices     *pricecheck.Validator
	priceFeed  *stubPriceSource
}

type stubPriceSource struct {
	price float64
}

func (s *stubPriceSource) TWAP(ctx context.Context, asset string, window time.Duration) (float64, error) {
	return s.price, nil
}

func newEngineEnv(t *testing.T, cfg EngineConfig) *engineEnv {
	t.Helper()
	controller := activeController(t)
	repStore := reputation.NewMemoryStore()
	rep := reputation.NewService(repStore)

	assetStore := assetsafety.NewMemoryStore()
	analyzer := assetsafety.NewAnalyzer(nil, assetStore)

	priceStore := pricecheck.NewMemoryStore()
	priceFeed := &stubPriceSource{price: 1}
	prices := pricecheck.NewValidator(priceStore)
	prices.RegisterSource("reference", priceFeed)

	return &engineEnv{
		engine:     NewEngine(cfg, controller, rep, analyzer, prices),
		controller: controller,
		repStore:   repStore,
		rep:        rep,
		assetStore: assetStore,
		priceStore: priceStore,
		prices:     prices,
		priceFeed:  priceFeed,
	}
}

func (e *engineEnv) flag(t *testing.T, address, reason string) {
	t.Helper()
	err := e.repStore.UpsertInternal(context.Background(), &reputation.Entry{
		Address:   address,
		Source:    reputation.InternalSource,
		RiskScore: 80,
		Reason:    reason,
		Active:    true,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("flag %s: %v", address, err)
	}
}

func baseRequest(tier Tier) *CheckRequest {
	return &CheckRequest{
		Executor: executorAddr,
		AssetIn:  usdcAddr,
		AssetOut: wethAddr,
		Tier:     tier,
	}
}

func TestParseTier(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Tier
	}{
		{"LOW", TierLow}, {"medium", TierMedium}, {"High", TierHigh}, {"MAXIMUM", TierMaximum},
	} {
		got, err := ParseTier(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseTier(%q) = %v, %v", tc.in, got, err)
		}
	}
	if _, err := ParseTier("EXTREME"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestEvaluateLowSkipsChecks(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.flag(t, executorAddr, "known attacker")

	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierLow))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved || len(verdict.Failed) != 0 {
		t.Fatalf("LOW must pass without reputation checks, got %+v", verdict)
	}
}

func TestEvaluateTierMonotonicity(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})

	// Empty reputation store: MEDIUM passes like LOW.
	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("MEDIUM with empty store must pass, got %+v", verdict)
	}

	// A matching entry flips MEDIUM to fail without touching LOW.
	e.flag(t, executorAddr, "known attacker")

	verdict, err = e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("MEDIUM with a flagged executor must fail")
	}
	if len(verdict.Failed) != 1 || verdict.Failed[0].Check != "blacklist: executor" {
		t.Fatalf("failed = %+v, want blacklist: executor", verdict.Failed)
	}

	verdict, err = e.engine.Evaluate(context.Background(), baseRequest(TierLow))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatal("LOW must still pass with the entry present")
	}
}

func TestEvaluateItemizesEveryFailure(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.flag(t, executorAddr, "attacker")
	e.flag(t, usdcAddr, "poisoned")
	e.flag(t, wethAddr, "poisoned")

	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(verdict.Failed) != 3 {
		t.Fatalf("failed count = %d, want all 3 itemized", len(verdict.Failed))
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{ShortCircuit: true})
	e.flag(t, executorAddr, "attacker")
	e.flag(t, wethAddr, "poisoned")

	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(verdict.Failed) != 1 {
		t.Fatalf("failed count = %d, want 1 with short circuit", len(verdict.Failed))
	}
}

func TestEvaluateHighChecksAssetSafety(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	err := e.assetStore.Put(context.Background(), &assetsafety.Verdict{
		Asset:        wethAddr,
		Tier:         assetsafety.TierUnsafe,
		CanFullyExit: false,
		EvaluatedAt:  time.Now(),
		ValidFor:     time.Hour,
	})
	if err != nil {
		t.Fatalf("put verdict: %v", err)
	}

	// MEDIUM ignores asset safety, HIGH fails on it.
	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatal("MEDIUM must not run asset safety")
	}

	verdict, err = e.engine.Evaluate(context.Background(), baseRequest(TierHigh))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("HIGH with an unsafe output asset must fail")
	}
	if verdict.Failed[0].Check != "asset safety: output asset" {
		t.Fatalf("failed = %+v, want asset safety: output asset", verdict.Failed)
	}
}

func TestEvaluateUnknownAssetPolicy(t *testing.T) {
	// Default: no verdict means allow.
	e := newEngineEnv(t, EngineConfig{})
	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierHigh))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("unknown assets must pass by default, got %+v", verdict)
	}

	// BlockOnUnknown flips the default.
	e = newEngineEnv(t, EngineConfig{BlockOnUnknown: true})
	verdict, err = e.engine.Evaluate(context.Background(), baseRequest(TierHigh))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("unknown assets must fail with BlockOnUnknown")
	}
	if len(verdict.Failed) != 2 {
		t.Fatalf("failed count = %d, want both assets", len(verdict.Failed))
	}
}

func TestEvaluateMaximumChecksPrice(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.priceFeed.price = 2000
	err := e.priceStore.Put(context.Background(), &pricecheck.ReferenceConfig{
		Asset:           wethAddr,
		Source:          "reference",
		Window:          5 * time.Minute,
		MaxDeviationBps: 300,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("put config: %v", err)
	}

	req := baseRequest(TierMaximum)
	req.ImpliedPrice = 2040 // 200 bps off reference
	verdict, err := e.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("200 bps under a 300 bps ceiling must pass, got %+v", verdict)
	}

	req.ImpliedPrice = 2200 // 1000 bps off reference
	verdict, err = e.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("1000 bps over a 300 bps ceiling must fail")
	}
	if verdict.Failed[0].Check != "price deviation" {
		t.Fatalf("failed = %+v, want price deviation", verdict.Failed)
	}
}

func TestEvaluateDisabledSkipsEverything(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.flag(t, executorAddr, "attacker")
	if err := e.controller.Set(context.Background(), StatusDisabled, "test", "maintenance"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMaximum))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved || len(verdict.Failed) != 0 {
		t.Fatalf("disabled must approve without checks, got %+v", verdict)
	}
}

func TestEvaluateMonitoringApprovesWithFailures(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.flag(t, executorAddr, "attacker")
	if err := e.controller.Set(context.Background(), StatusMonitoring, "test", "rollout"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	verdict, err := e.engine.Evaluate(context.Background(), baseRequest(TierMedium))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatal("monitoring must never block")
	}
	if !verdict.Monitored || len(verdict.Failed) != 1 {
		t.Fatalf("monitoring must itemize failures, got %+v", verdict)
	}
}

func TestEvaluateEmergencyPrecedence(t *testing.T) {
	e := newEngineEnv(t, EngineConfig{})
	e.priceFeed.price = 2000
	err := e.priceStore.Put(context.Background(), &pricecheck.ReferenceConfig{
		Asset:           wethAddr,
		Source:          "reference",
		Window:          5 * time.Minute,
		MaxDeviationBps: 300,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("put config: %v", err)
	}

	// 200 bps deviation passes a MEDIUM check under normal thresholds
	// (MEDIUM does not even reach the price stage).
	req := baseRequest(TierMedium)
	req.ImpliedPrice = 2040
	verdict, err := e.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("MEDIUM must pass normally, got %+v", verdict)
	}

	// Emergency escalates to MAXIMUM and halves the ceiling to 150 bps.
	if err := e.controller.SetEmergency(context.Background(), "guardian", "oracle incident"); err != nil {
		t.Fatalf("set emergency: %v", err)
	}
	verdict, err = e.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Approved {
		t.Fatal("emergency must fail the tightened price check")
	}
	if verdict.Tier != TierMaximum {
		t.Fatalf("tier = %s, want MAXIMUM under emergency", verdict.Tier)
	}

	// Clearing emergency restores the original behavior.
	if err := e.controller.ClearEmergency(context.Background(), StatusActive, "guardian", "resolved"); err != nil {
		t.Fatalf("clear emergency: %v", err)
	}
	verdict, err = e.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.Approved {
		t.Fatalf("clearing emergency must restore the pass, got %+v", verdict)
	}
}
