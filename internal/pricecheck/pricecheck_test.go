package pricecheck

import (
	"context"
	"errors"
	"testing"
	"time"
)

const wethAddr = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

type stubSource struct {
	price float64
	err   error
}

func (s *stubSource) TWAP(ctx context.Context, asset string, window time.Duration) (float64, error) {
	return s.price, s.err
}

func newValidator(t *testing.T, price float64, ceilingBps int) (*Validator, *stubSource) {
	t.Helper()
	store := NewMemoryStore()
	src := &stubSource{price: price}

	v := NewValidator(store)
	v.RegisterSource("chainlink", src)

	err := store.Put(context.Background(), &ReferenceConfig{
		Asset:           wethAddr,
		Source:          "chainlink",
		Window:          5 * time.Minute,
		MaxDeviationBps: ceilingBps,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("put config: %v", err)
	}
	return v, src
}

func TestCheckWithinCeiling(t *testing.T) {
	v, _ := newValidator(t, 2000, 300)

	// 2040 vs 2000 reference is a 200 bps deviation.
	res, err := v.Check(context.Background(), wethAddr, 2040, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Checked {
		t.Fatal("expected a checked result")
	}
	if !res.Passed {
		t.Fatalf("expected pass, got deviation %d bps against ceiling %d", res.DeviationBps, res.CeilingBps)
	}
	if res.DeviationBps != 200 {
		t.Fatalf("deviation = %d bps, want 200", res.DeviationBps)
	}
}

func TestCheckOverCeiling(t *testing.T) {
	v, _ := newValidator(t, 2000, 300)

	// 2100 vs 2000 is 500 bps, over the 300 ceiling.
	res, err := v.Check(context.Background(), wethAddr, 2100, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Passed {
		t.Fatalf("expected fail at %d bps against ceiling %d", res.DeviationBps, res.CeilingBps)
	}
}

func TestCheckEmergencyHalvesCeiling(t *testing.T) {
	v, _ := newValidator(t, 2000, 300)

	// 200 bps passes normally but fails once the ceiling drops to 150.
	res, err := v.Check(context.Background(), wethAddr, 2040, 0.5)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.CeilingBps != 150 {
		t.Fatalf("ceiling = %d bps, want 150", res.CeilingBps)
	}
	if res.Passed {
		t.Fatal("expected fail under tightened ceiling")
	}
}

func TestCheckNoConfigPasses(t *testing.T) {
	v := NewValidator(NewMemoryStore())

	res, err := v.Check(context.Background(), wethAddr, 123456, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Checked {
		t.Fatal("expected unchecked result for unconfigured asset")
	}
	if !res.Passed {
		t.Fatal("unconfigured asset must pass")
	}
}

func TestCheckInactiveConfigPasses(t *testing.T) {
	v, _ := newValidator(t, 2000, 300)

	store := v.store
	cfg, err := store.Get(context.Background(), wethAddr)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	cfg.Active = false
	if err := store.Put(context.Background(), cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}

	res, err := v.Check(context.Background(), wethAddr, 9999999, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Checked || !res.Passed {
		t.Fatal("inactive config must pass unchecked")
	}
}

func TestCheckSourceFailure(t *testing.T) {
	v, src := newValidator(t, 2000, 300)
	src.err = errors.New("feed unreachable")

	if _, err := v.Check(context.Background(), wethAddr, 2000, 1); err == nil {
		t.Fatal("expected error when reference source fails")
	}
}

func TestCheckUnknownSource(t *testing.T) {
	store := NewMemoryStore()
	v := NewValidator(store)

	err := store.Put(context.Background(), &ReferenceConfig{
		Asset:           wethAddr,
		Source:          "nonexistent",
		Window:          time.Minute,
		MaxDeviationBps: 100,
		Active:          true,
	})
	if err != nil {
		t.Fatalf("put config: %v", err)
	}

	if _, err := v.Check(context.Background(), wethAddr, 2000, 1); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestCheckCaseInsensitiveAsset(t *testing.T) {
	v, _ := newValidator(t, 2000, 300)

	res, err := v.Check(context.Background(), "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", 2000, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Checked {
		t.Fatal("expected mixed-case lookup to find the config")
	}
}
