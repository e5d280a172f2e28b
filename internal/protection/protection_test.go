package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/execguard/execguard/internal/detector"
)

func validRule(id string, attackType detector.AttackType) *Rule {
	return &Rule{
		ID:                   id,
		AttackType:           attackType,
		Active:               true,
		SlippageToleranceBps: 100,
		MaxPriceImpactBps:    300,
		MinDelayMs:           250,
		FeeMultiplier:        1.5,
		UpdatedAt:            time.Now(),
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Rule)
		wantErr bool
	}{
		{"valid", func(r *Rule) {}, false},
		{"unknown attack type", func(r *Rule) { r.AttackType = "phishing" }, true},
		{"slippage over range", func(r *Rule) { r.SlippageToleranceBps = 20000 }, true},
		{"negative impact", func(r *Rule) { r.MaxPriceImpactBps = -1 }, true},
		{"negative delay", func(r *Rule) { r.MinDelayMs = -5 }, true},
		{"negative multiplier", func(r *Rule) { r.FeeMultiplier = -1 }, true},
		{"bad exempt address", func(r *Rule) { r.ExemptAddresses = []string{"nonsense"} }, true},
		{"good exempt address", func(r *Rule) {
			r.ExemptAddresses = []string{"0x1111111111111111111111111111111111111111"}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := validRule("rule_x", detector.AttackSandwich)
			tc.mutate(rule)
			err := rule.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExempts(t *testing.T) {
	rule := validRule("rule_x", detector.AttackFrontRun)
	rule.ExemptAddresses = []string{"0xAbCd111111111111111111111111111111111111"}

	if !rule.Exempts("0xabcd111111111111111111111111111111111111") {
		t.Fatal("expected case-insensitive exemption match")
	}
	if rule.Exempts("0x2222222222222222222222222222222222222222") {
		t.Fatal("unexpected exemption")
	}
}

func TestGetByAttackTypePrefersActiveNewest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := validRule("rule_old", detector.AttackSandwich)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	inactive := validRule("rule_off", detector.AttackSandwich)
	inactive.Active = false
	inactive.UpdatedAt = time.Now().Add(time.Hour)
	newest := validRule("rule_new", detector.AttackSandwich)

	for _, r := range []*Rule{old, inactive, newest} {
		if err := store.Put(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.GetByAttackType(ctx, detector.AttackSandwich)
	if err != nil {
		t.Fatalf("get by type: %v", err)
	}
	if got.ID != "rule_new" {
		t.Fatalf("got rule %s, want rule_new", got.ID)
	}

	if _, err := store.GetByAttackType(ctx, detector.AttackBackRun); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHalveSlippage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rule := validRule("rule_sw", detector.AttackSandwich)
	rule.SlippageToleranceBps = 100
	if err := store.Put(ctx, rule); err != nil {
		t.Fatalf("put: %v", err)
	}

	updated, err := HalveSlippage(ctx, store, detector.AttackSandwich)
	if err != nil {
		t.Fatalf("halve: %v", err)
	}
	if updated.SlippageToleranceBps != 50 {
		t.Fatalf("slippage = %d, want 50", updated.SlippageToleranceBps)
	}

	stored, err := store.Get(ctx, "rule_sw")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.SlippageToleranceBps != 50 {
		t.Fatalf("stored slippage = %d, want 50", stored.SlippageToleranceBps)
	}

	if _, err := HalveSlippage(ctx, store, detector.AttackBackRun); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Delete(context.Background(), "rule_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
