package guard

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/execguard/execguard/internal/detector"
	"github.com/execguard/execguard/internal/mitigation"
	"github.com/execguard/execguard/internal/permit"
	"github.com/execguard/execguard/internal/protection"
	"github.com/execguard/execguard/internal/reputation"
)

const testChainID = 8453

type serviceEnv struct {
	service     *Service
	controller  *Controller
	permitStore *permit.MemoryStore
	repStore    *reputation.MemoryStore
	rep         *reputation.Service
	attacks     *detector.MemoryStore
	detector    *detector.Detector
	key         *ecdsa.PrivateKey
	executor    string
	now         time.Time
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	executor := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	permitStore := permit.NewMemoryStore()
	if err := permitStore.Authorize(context.Background(), executor); err != nil {
		t.Fatalf("authorize executor: %v", err)
	}
	verifier := permit.NewVerifier(permitStore, testChainID).WithClock(func() time.Time { return now })

	controller := NewController(StatusActive, NewMemoryAuditStore(), discardLogger())
	repStore := reputation.NewMemoryStore()
	rep := reputation.NewService(repStore)
	engine := NewEngine(EngineConfig{}, controller, rep, nil, nil)

	attacks := detector.NewMemoryStore()
	det := detector.New(detector.DefaultConfig(), attacks, rep)
	selector := mitigation.NewSelector(attacks, rep, protection.NewMemoryStore(), discardLogger())

	return &serviceEnv{
		service:     NewService(verifier, engine, det, selector, controller, discardLogger()),
		controller:  controller,
		permitStore: permitStore,
		repStore:    repStore,
		rep:         rep,
		attacks:     attacks,
		detector:    det,
		key:         key,
		executor:    executor,
		now:         now,
	}
}

func (e *serviceEnv) signedPermit(t *testing.T, nonce uint64, deadline time.Time) *permit.SignedPermit {
	t.Helper()
	p := permit.ExecutionPermit{
		Executor:     e.executor,
		AssetIn:      usdcAddr,
		AssetOut:     wethAddr,
		AmountIn:     "1000",
		MinAmountOut: "500",
		Deadline:     deadline.Unix(),
		Nonce:        nonce,
		Strategy:     "twap",
	}
	message := permit.CanonicalMessage(testChainID, &p)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), e.key)
	if err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	sig[64] += 27
	return &permit.SignedPermit{Permit: p, Signature: "0x" + hex.EncodeToString(sig)}
}

func TestSubmitScenario(t *testing.T) {
	e := newServiceEnv(t)
	ctx := context.Background()

	// Nonce 0, deadline now+60s, tier MEDIUM, no reputation hits.
	sp := e.signedPermit(t, 0, e.now.Add(60*time.Second))
	result, err := e.service.Submit(ctx, sp, TierMedium)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Verdict.Approved {
		t.Fatalf("expected approval, got %+v", result.Verdict)
	}
	next, err := e.permitStore.NextNonce(ctx, e.executor)
	if err != nil {
		t.Fatalf("next nonce: %v", err)
	}
	if next != 1 {
		t.Fatalf("nonce = %d, want 1", next)
	}

	// Identical resubmission fails with Replayed.
	_, err = e.service.Submit(ctx, sp, TierMedium)
	var rejection *permit.RejectionError
	if !errors.As(err, &rejection) || rejection.Code != "replayed" {
		t.Fatalf("err = %v, want replayed rejection", err)
	}

	// Nonce 1 with a lapsed deadline fails with Expired.
	expired := e.signedPermit(t, 1, e.now.Add(-time.Second))
	_, err = e.service.Submit(ctx, expired, TierMedium)
	if !errors.As(err, &rejection) || rejection.Code != "expired" {
		t.Fatalf("err = %v, want expired rejection", err)
	}

	// Nonce 1 valid, but the output asset is in an enabled external source.
	if err := e.repStore.ReplaceSource(ctx, "chainabuse", []string{wethAddr}); err != nil {
		t.Fatalf("replace source: %v", err)
	}
	valid := e.signedPermit(t, 1, e.now.Add(60*time.Second))
	result, err = e.service.Submit(ctx, valid, TierMedium)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Verdict.Approved {
		t.Fatal("expected rejection with flagged output asset")
	}
	if len(result.Verdict.Failed) != 1 || result.Verdict.Failed[0].Check != "blacklist: output asset" {
		t.Fatalf("failed = %+v, want [blacklist: output asset]", result.Verdict.Failed)
	}
}

func TestSubmitUnauthorizedExecutor(t *testing.T) {
	e := newServiceEnv(t)
	if err := e.permitStore.Revoke(context.Background(), e.executor); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	sp := e.signedPermit(t, 0, e.now.Add(time.Minute))
	_, err := e.service.Submit(context.Background(), sp, TierLow)
	var rejection *permit.RejectionError
	if !errors.As(err, &rejection) || rejection.Code != "unauthorized_signer" {
		t.Fatalf("err = %v, want unauthorized_signer rejection", err)
	}
}

type recordingHub struct {
	attacks     []map[string]interface{}
	mitigations []map[string]interface{}
}

func (h *recordingHub) BroadcastAttack(a map[string]interface{})     { h.attacks = append(h.attacks, a) }
func (h *recordingHub) BroadcastMitigation(m map[string]interface{}) { h.mitigations = append(h.mitigations, m) }

// flaggedObservation builds an observation that trips the fee anomaly
// and the reputation heuristic at once.
func (e *serviceEnv) flaggedObservation(t *testing.T, attacker string) *detector.Observation {
	t.Helper()
	err := e.repStore.UpsertInternal(context.Background(), &reputation.Entry{
		Address: attacker, Source: reputation.InternalSource,
		RiskScore: 80, Reason: "serial front-runner", Active: true, UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("flag attacker: %v", err)
	}

	// Establish a rolling average around 2 gwei.
	for i := 0; i < 8; i++ {
		_, err := e.detector.Inspect(context.Background(), &detector.Observation{
			TxHash: "0xseed", Sender: executorAddr,
			AssetIn: usdcAddr, AssetOut: wethAddr,
			PriorityFeeGwei: 2, Block: uint64(10 + i*10),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	return &detector.Observation{
		TxHash:          "0xattack",
		Sender:          attacker,
		AssetIn:         usdcAddr,
		AssetOut:        wethAddr,
		PriorityFeeGwei: 6, // 3x the rolling average
		Block:           900,
	}
}

func TestObserveAutoMitigatesWhenBlocking(t *testing.T) {
	e := newServiceEnv(t)
	hub := &recordingHub{}
	e.service.WithBroadcaster(hub)

	attacker := "0x4444444444444444444444444444444444444444"
	obs := e.flaggedObservation(t, attacker)

	result, err := e.service.Observe(context.Background(), obs)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(result.Attacks) != 1 {
		t.Fatalf("attacks = %d, want 1", len(result.Attacks))
	}
	rec := result.Attacks[0]
	if rec.Type != detector.AttackFrontRun || rec.Risk != detector.RiskCritical {
		t.Fatalf("record = %s/%s, want front_run/critical", rec.Type, rec.Risk)
	}

	// Active status blocks, so the record is auto-mitigated.
	if len(result.Mitigations) != 1 {
		t.Fatalf("mitigations = %d, want 1", len(result.Mitigations))
	}
	if result.Mitigations[0].Action != mitigation.ActionDenylisted {
		t.Fatalf("action = %s, want denylisted", result.Mitigations[0].Action)
	}

	stored, err := e.attacks.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !stored.Mitigated {
		t.Fatal("record must be marked mitigated")
	}

	if len(hub.attacks) != 1 || len(hub.mitigations) != 1 {
		t.Fatalf("broadcasts = %d/%d, want 1/1", len(hub.attacks), len(hub.mitigations))
	}
}

func TestObserveMonitoringOnlyRecords(t *testing.T) {
	e := newServiceEnv(t)
	if err := e.controller.Set(context.Background(), StatusMonitoring, "ops", "rollout"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	attacker := "0x4444444444444444444444444444444444444444"
	result, err := e.service.Observe(context.Background(), e.flaggedObservation(t, attacker))
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(result.Attacks) != 1 {
		t.Fatalf("attacks = %d, want 1", len(result.Attacks))
	}
	if len(result.Mitigations) != 0 {
		t.Fatal("monitoring must not auto-mitigate")
	}

	stored, err := e.attacks.Get(context.Background(), result.Attacks[0].ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.Mitigated {
		t.Fatal("record must stay unmitigated under monitoring")
	}
}

func TestObserveDisabledSkipsDetection(t *testing.T) {
	e := newServiceEnv(t)
	if err := e.controller.Set(context.Background(), StatusDisabled, "ops", "maintenance"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	result, err := e.service.Observe(context.Background(), &detector.Observation{
		TxHash: "0xany", Sender: executorAddr,
		AssetIn: usdcAddr, AssetOut: wethAddr,
		PriorityFeeGwei: 100, Block: 1,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(result.Attacks) != 0 {
		t.Fatal("disabled must not detect")
	}
}

func TestImpliedPrice(t *testing.T) {
	if got := impliedPrice("1000", "500"); got != 2 {
		t.Fatalf("impliedPrice = %f, want 2", got)
	}
	if got := impliedPrice("x", "500"); got != 0 {
		t.Fatalf("impliedPrice on junk = %f, want 0", got)
	}
	if got := impliedPrice("1000", "0"); got != 0 {
		t.Fatalf("impliedPrice with zero out = %f, want 0", got)
	}
}
