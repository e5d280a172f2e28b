package reputation

import (
	"context"
	"testing"
	"time"
)

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestCheckUnknownAddress(t *testing.T) {
	svc := NewService(NewMemoryStore())

	result, err := svc.Check(context.Background(), addrA)
	if err != nil {
		t.Fatal(err)
	}
	if result.Flagged {
		t.Error("unknown address must not be flagged")
	}
}

func TestCheckInternalEntry(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_ = store.UpsertInternal(ctx, &Entry{
		Address:   addrA,
		Source:    "operator",
		RiskScore: 90,
		Reason:    "confirmed sandwich bot",
		Active:    true,
	})

	result, err := svc.Check(ctx, addrA)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Flagged {
		t.Fatal("active internal entry must flag")
	}
	if len(result.Flags) != 1 || result.Flags[0].Source != "operator" {
		t.Errorf("unexpected flags: %+v", result.Flags)
	}

	// Case-insensitive lookup
	upper, _ := svc.Check(ctx, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if !upper.Flagged {
		t.Error("lookup must be case-insensitive")
	}
}

func TestExpiredEntryStopsBlockingButStays(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	expires := time.Now().Add(-time.Hour)
	_ = store.UpsertInternal(ctx, &Entry{
		Address:   addrA,
		Source:    "operator",
		RiskScore: 50,
		Active:    true,
		ExpiresAt: &expires,
	})

	result, _ := svc.Check(ctx, addrA)
	if result.Flagged {
		t.Error("expired entry must not block")
	}

	// The record itself survives for the audit trail.
	entry, err := store.GetInternal(ctx, addrA)
	if err != nil {
		t.Fatalf("expired entry was deleted: %v", err)
	}
	if !entry.Active {
		t.Error("expiry is advisory, active flag untouched")
	}
}

func TestExternalSourceFlagging(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_ = store.ReplaceSource(ctx, "chainintel", []string{addrA, addrB})

	result, _ := svc.Check(ctx, addrB)
	if !result.Flagged {
		t.Fatal("address in enabled source must flag")
	}
	if result.Flags[0].Source != "chainintel" {
		t.Errorf("flag source = %q", result.Flags[0].Source)
	}

	// Disabling the source clears the flag.
	_ = store.SetSourceEnabled(ctx, "chainintel", false)
	result, _ = svc.Check(ctx, addrB)
	if result.Flagged {
		t.Error("disabled source must not flag")
	}
}

func TestReplaceSourceIsWholesale(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_ = store.ReplaceSource(ctx, "chainintel", []string{addrA})
	_ = store.ReplaceSource(ctx, "chainintel", []string{addrB})

	a, _ := svc.Check(ctx, addrA)
	b, _ := svc.Check(ctx, addrB)
	if a.Flagged {
		t.Error("address dropped by replacement must not flag")
	}
	if !b.Flagged {
		t.Error("address in new set must flag")
	}
}

func TestMultipleFlagsAggregate(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_ = store.UpsertInternal(ctx, &Entry{Address: addrA, Source: "operator", Active: true})
	_ = store.ReplaceSource(ctx, "feed1", []string{addrA})
	_ = store.ReplaceSource(ctx, "feed2", []string{addrA})

	result, _ := svc.Check(ctx, addrA)
	if len(result.Flags) != 3 {
		t.Errorf("expected 3 provenance flags, got %d: %+v", len(result.Flags), result.Flags)
	}
}

func TestDenylistWithTTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	svc := NewService(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := svc.Denylist(ctx, addrA, "mitigation", "front-run containment", 80, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	result, _ := svc.Check(ctx, addrA)
	if !result.Flagged {
		t.Fatal("denylisted address must flag")
	}

	// Past the TTL the entry goes advisory.
	now = now.Add(25 * time.Hour)
	result, _ = svc.Check(ctx, addrA)
	if result.Flagged {
		t.Error("denylist entry must stop blocking after its TTL")
	}
}

func TestOffenseCounter(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := svc.RecordOffense(ctx, addrA)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("offense count = %d, want %d", n, i)
		}
	}

	// Upsert keeps the counter.
	_ = store.UpsertInternal(ctx, &Entry{Address: addrA, Source: "operator", Active: true})
	entry, _ := store.GetInternal(ctx, addrA)
	if entry.Offenses != 3 {
		t.Errorf("upsert reset offense counter: %d", entry.Offenses)
	}
}
