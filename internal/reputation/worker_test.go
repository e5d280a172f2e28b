package reputation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stubFeed is a scripted Feed for sync tests.
type stubFeed struct {
	mu        sync.Mutex
	source    string
	addresses []string
	err       error
	fetches   int
}

func (f *stubFeed) Source() string { return f.source }

func (f *stubFeed) Fetch(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.addresses, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestWorkerSyncsFeeds(t *testing.T) {
	store := NewMemoryStore()
	feed := &stubFeed{source: "chainintel", addresses: []string{addrA}}
	w := NewWorker(store, []Feed{feed}, time.Hour, discardLogger())

	w.SyncOnce(context.Background())

	flags, _ := store.SourceFlags(context.Background(), addrA)
	if len(flags) != 1 {
		t.Fatalf("expected address synced into source, got %+v", flags)
	}

	sources, _ := store.Sources(context.Background())
	if len(sources) != 1 || sources[0].Addresses != 1 {
		t.Errorf("unexpected source state: %+v", sources)
	}
}

func TestWorkerKeepsLastSetOnFailure(t *testing.T) {
	store := NewMemoryStore()
	feed := &stubFeed{source: "chainintel", addresses: []string{addrA}}
	w := NewWorker(store, []Feed{feed}, time.Hour, discardLogger())
	ctx := context.Background()

	w.SyncOnce(ctx)

	feed.mu.Lock()
	feed.err = errors.New("upstream 503")
	feed.mu.Unlock()
	w.SyncOnce(ctx)

	// The previous set is still served.
	flags, _ := store.SourceFlags(ctx, addrA)
	if len(flags) != 1 {
		t.Error("failed sync must not clear the last good set")
	}
}

func TestWorkerBreakerSkipsDeadFeed(t *testing.T) {
	store := NewMemoryStore()
	feed := &stubFeed{source: "chainintel", err: errors.New("down")}
	w := NewWorker(store, []Feed{feed}, time.Hour, discardLogger())
	ctx := context.Background()

	// Three failed passes (each with retries) trip the breaker.
	w.SyncOnce(ctx)
	w.SyncOnce(ctx)
	w.SyncOnce(ctx)

	feed.mu.Lock()
	before := feed.fetches
	feed.mu.Unlock()

	w.SyncOnce(ctx)

	feed.mu.Lock()
	after := feed.fetches
	feed.mu.Unlock()
	if after != before {
		t.Errorf("open breaker should skip fetches: %d -> %d", before, after)
	}
}
