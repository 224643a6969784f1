package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskmarket/internal/circuitbreaker"
	"github.com/mbd888/taskmarket/internal/metrics"
	"github.com/mbd888/taskmarket/internal/retry"
	"github.com/mbd888/taskmarket/internal/syncutil"
)

// Dispatcher defaults.
const (
	DefaultDispatchInterval = 15 * time.Second
	DefaultDispatchBatch    = 100
	DefaultMaxAttempts      = 12
	defaultBaseBackoff      = 5 * time.Second
	defaultMaxBackoff       = 30 * time.Minute
	dispatchLeaseName       = "escrow-effect-dispatch"
)

// Breaker keys.
const (
	breakerLedger   = "ledger"
	breakerNotifier = "notifier"
)

// Dispatcher delivers outbox effects to the ledger and notifiers. Failed
// effects are rescheduled with exponential backoff. Notifications are parked
// as dead after MaxAttempts; ledger credits keep retrying at MaxBackoff and
// only go dead on a permanent error. Dead effects come back through Requeue.
type Dispatcher struct {
	store    EffectStore
	ledger   Ledger
	notifier Notifier
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	lease    syncutil.Lease
	now      func() time.Time

	interval    time.Duration
	batch       int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	stop    chan struct{}
	running atomic.Bool
}

// DispatcherConfig tunes a Dispatcher. Zero values take defaults.
type DispatcherConfig struct {
	Interval    time.Duration
	Batch       int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease lets one instance run each periodic pass. Nil runs every tick.
	Lease syncutil.Lease
	Now   func() time.Time
}

// NewDispatcher creates a dispatcher. A nil notifier drops notifications.
func NewDispatcher(store EffectStore, ledger Ledger, notifier Notifier, breaker *circuitbreaker.Breaker, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:       store,
		ledger:      ledger,
		notifier:    notifier,
		breaker:     breaker,
		logger:      logger,
		lease:       syncutil.LocalLease{},
		now:         time.Now,
		interval:    DefaultDispatchInterval,
		batch:       DefaultDispatchBatch,
		maxAttempts: DefaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		stop:        make(chan struct{}, 1),
	}
	if cfg.Interval > 0 {
		d.interval = cfg.Interval
	}
	if cfg.Batch > 0 {
		d.batch = cfg.Batch
	}
	if cfg.MaxAttempts > 0 {
		d.maxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseBackoff > 0 {
		d.baseBackoff = cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 {
		d.maxBackoff = cfg.MaxBackoff
	}
	if cfg.Lease != nil {
		d.lease = cfg.Lease
	}
	if cfg.Now != nil {
		d.now = cfg.Now
	}
	return d
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the retry loop until ctx is done or Stop is called. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeRunOnce(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in effect dispatcher", "panic", fmt.Sprint(r))
		}
	}()

	release, ok, err := d.lease.TryAcquire(ctx, dispatchLeaseName, d.interval)
	if err != nil {
		d.logger.Warn("failed to acquire dispatch lease", "error", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	if _, err := d.RunOnce(ctx); err != nil {
		d.logger.Warn("effect dispatch pass failed", "error", err)
	}
}

// RunOnce delivers one batch of due effects and returns how many succeeded.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.store.PendingEffects(ctx, d.now(), d.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending effects: %w", err)
	}
	metrics.EffectBacklog.Set(float64(len(due)))

	delivered := 0
	for _, f := range due {
		if ctx.Err() != nil {
			break
		}
		if err := d.Deliver(ctx, f); err == nil {
			delivered++
		}
	}
	return delivered, nil
}

// DeliverAll attempts every effect once. Failures are logged and left for
// the retry loop.
func (d *Dispatcher) DeliverAll(ctx context.Context, effects []Effect) {
	for _, f := range effects {
		if err := d.Deliver(ctx, f); err != nil {
			d.logger.Warn("side effect deferred to retry",
				"effectId", f.ID, "escrowId", f.EscrowID, "kind", f.Kind, "error", err)
		}
	}
}

// Deliver performs one attempt for f and records the outcome in the store.
// A failure is returned as *SideEffectFailure.
func (d *Dispatcher) Deliver(ctx context.Context, f Effect) error {
	err := d.send(ctx, f)
	now := d.now()
	if err == nil {
		metrics.EffectDeliveriesTotal.WithLabelValues(string(f.Kind), "delivered").Inc()
		if markErr := d.store.MarkEffectDelivered(ctx, f.ID, now); markErr != nil {
			// the ledger is idempotent, so a redelivery is harmless
			d.logger.Warn("failed to mark effect delivered", "effectId", f.ID, "error", markErr)
		}
		return nil
	}

	attempts := f.Attempts + 1
	dead := retry.IsPermanent(err) || (attempts >= d.maxAttempts && f.Kind != EffectLedgerCredit)
	next := now.Add(retry.Backoff(attempts, d.baseBackoff, d.maxBackoff))
	if errors.Is(err, circuitbreaker.ErrOpen) {
		// an open circuit is not the effect's fault
		attempts = f.Attempts
		dead = false
	}
	if markErr := d.store.MarkEffectFailed(ctx, f.ID, attempts, next, err.Error(), dead); markErr != nil {
		d.logger.Warn("failed to record effect failure", "effectId", f.ID, "error", markErr)
	}

	result := "retry"
	if dead {
		result = "dead"
		if f.Kind == EffectLedgerCredit {
			d.logger.Error("CRITICAL: ledger credit rejected permanently; requeue once the cause is fixed",
				"effectId", f.ID, "escrowId", f.EscrowID, "userId", f.UserID,
				"amount", f.Amount, "reason", f.Reason, "attempts", attempts, "error", err)
		} else {
			d.logger.Warn("notification abandoned",
				"effectId", f.ID, "escrowId", f.EscrowID, "template", f.Template, "error", err)
		}
	}
	if !dead && f.Kind == EffectLedgerCredit && attempts == d.maxAttempts {
		d.logger.Error("CRITICAL: ledger credit still failing; retrying at max backoff",
			"effectId", f.ID, "escrowId", f.EscrowID, "userId", f.UserID,
			"amount", f.Amount, "attempts", attempts, "error", err)
	}
	metrics.EffectDeliveriesTotal.WithLabelValues(string(f.Kind), result).Inc()
	return &SideEffectFailure{EffectID: f.ID, Kind: f.Kind, Err: err}
}

// Requeue returns a dead effect to pending, due now, with a fresh attempt
// budget.
func (d *Dispatcher) Requeue(ctx context.Context, effectID string) error {
	if err := d.store.RequeueEffect(ctx, effectID, d.now()); err != nil {
		return fmt.Errorf("requeue effect %s: %w", effectID, err)
	}
	d.logger.Info("effect requeued", "effectId", effectID)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, f Effect) error {
	switch f.Kind {
	case EffectLedgerCredit:
		return d.breaker.Call(breakerLedger, func() error {
			return d.ledger.Credit(ctx, f.UserID, f.Amount, f.Reason, f.CorrelationID())
		})
	case EffectNotification:
		return d.breaker.Call(breakerNotifier, func() error {
			return d.notifier.Notify(ctx, f.UserID, f.Template, f.Payload)
		})
	default:
		return retry.Permanent(fmt.Errorf("unknown effect kind %q", f.Kind))
	}
}
