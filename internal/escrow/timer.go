package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskmarket/internal/metrics"
	"github.com/mbd888/taskmarket/internal/syncutil"
)

// Sweep defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
	sweepLeaseName       = "escrow-auto-release"
)

// Timer periodically auto-releases delivered escrows whose grace period has
// elapsed. It keeps no per-record state: every tick re-reads the store, so a
// restart loses nothing and a late tick only releases late.
type Timer struct {
	coord    *Coordinator
	store    Store
	lease    syncutil.Lease
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-release timer. A nil lease sweeps on every tick.
func NewTimer(coord *Coordinator, store Store, lease syncutil.Lease, interval time.Duration, batch int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	if lease == nil {
		lease = syncutil.LocalLease{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		coord:    coord,
		store:    store,
		lease:    lease,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()

	// only one instance sweeps per tick; the others skip
	release, ok, err := t.lease.TryAcquire(ctx, sweepLeaseName, t.interval)
	if err != nil {
		t.logger.Warn("failed to acquire sweep lease", "error", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	if _, err := t.Sweep(ctx); err != nil {
		t.logger.Warn("auto-release sweep failed", "error", err)
	}
}

// Sweep runs one pass and returns the number of escrows released. Each
// candidate goes through the Coordinator, which re-checks the guard under the
// record lock, so a dispute or confirmation filed since the listing wins.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := t.coord.Now().Add(-t.coord.Policy().GracePeriod)
	due, err := t.store.ListDueForRelease(ctx, cutoff, t.batch)
	if err != nil {
		return 0, fmt.Errorf("list escrows due for release: %w", err)
	}

	released := 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			break
		}
		e, err := t.coord.AutoRelease(ctx, candidate.ID)
		switch {
		case err == nil:
			released++
			metrics.SweepReleasedTotal.Inc()
			t.logger.Info("auto-released escrow",
				"escrowId", e.ID, "payee", e.PayeeID, "payout", e.PayoutAmount)
		case errors.Is(err, ErrStateConflict):
			t.logger.Debug("skipped escrow, state changed since listing",
				"escrowId", candidate.ID, "error", err)
		default:
			t.logger.Warn("failed to auto-release escrow",
				"escrowId", candidate.ID, "error", err)
		}
	}
	return released, nil
}
