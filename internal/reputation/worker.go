package reputation

import (
	"context"
	"log/slog"
	"time"

	"github.com/execguard/execguard/internal/circuitbreaker"
	"github.com/execguard/execguard/internal/retry"
)

// Feed supplies the current address set for one external source.
type Feed interface {
	Source() string
	Fetch(ctx context.Context) ([]string, error)
}

// Worker periodically syncs external threat feeds into the store.
//
// Each fetch is retried with backoff; a source that keeps failing trips a
// circuit breaker and is skipped until its cooldown elapses. A tripped
// source keeps serving its last successfully replaced set.
type Worker struct {
	store    Store
	feeds    []Feed
	interval time.Duration
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a feed-sync worker.
// interval is typically 15 minutes in production, seconds in tests.
func NewWorker(store Store, feeds []Feed, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		feeds:    feeds,
		interval: interval,
		breaker:  circuitbreaker.New(3, 5*time.Minute),
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sync loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.syncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.syncAll(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

// SyncOnce runs a single sync pass over all feeds. Exposed for tests and
// for the admin resync endpoint.
func (w *Worker) SyncOnce(ctx context.Context) {
	w.syncAll(ctx)
}

func (w *Worker) syncAll(ctx context.Context) {
	for _, feed := range w.feeds {
		source := feed.Source()
		if !w.breaker.Allow(source) {
			w.logger.Warn("feed sync skipped, circuit open", "source", source)
			continue
		}

		var addresses []string
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			var fetchErr error
			addresses, fetchErr = feed.Fetch(ctx)
			return fetchErr
		})
		if err != nil {
			w.breaker.RecordFailure(source)
			w.logger.Warn("feed sync failed", "source", source, "error", err)
			continue
		}

		if err := w.store.ReplaceSource(ctx, source, addresses); err != nil {
			w.breaker.RecordFailure(source)
			w.logger.Warn("feed sync replace failed", "source", source, "error", err)
			continue
		}

		w.breaker.RecordSuccess(source)
		w.logger.Info("feed synced", "source", source, "addresses", len(addresses))
	}
}
