package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/taskmarket/internal/idgen"
	"github.com/mbd888/taskmarket/internal/logging"
	"github.com/mbd888/taskmarket/internal/metrics"
	"github.com/mbd888/taskmarket/internal/pagination"
	"github.com/mbd888/taskmarket/internal/syncutil"
	"github.com/mbd888/taskmarket/internal/traces"
)

// SystemActor is the actor recorded for scheduler-driven transitions.
const SystemActor = "system"

// Defaults for the coordinator.
const (
	DefaultListLimit    = 50
	MaxListLimit        = 200
	defaultRetryAfter   = 30 * time.Second
	defaultInlineBudget = 5 * time.Second
)

// FundRequest describes a payment the gateway reports as captured.
type FundRequest struct {
	JobID            string `json:"jobId"`
	ApplicationID    string `json:"applicationId"`
	PayerID          string `json:"payerId"`
	PayeeID          string `json:"payeeId"`
	Amount           int64  `json:"amount"`
	GatewayReference string `json:"gatewayReference"`
}

// Validate checks request shape. It does not touch storage.
func (r FundRequest) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"jobId", r.JobID},
		{"applicationId", r.ApplicationID},
		{"payerId", r.PayerID},
		{"payeeId", r.PayeeID},
		{"gatewayReference", r.GatewayReference},
	} {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.name, Message: "is required"}
		}
	}
	if r.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if r.PayerID == r.PayeeID {
		return &ValidationError{Field: "payeeId", Message: "payer and payee must differ"}
	}
	return nil
}

// Coordinator is the only entry point for escrow transitions. Each transition
// takes the record's lock, applies the state machine to the stored state,
// commits record and effects in one write, and dispatches effects after the
// lock is released.
type Coordinator struct {
	store    Store
	gateway  PaymentGateway
	subs     SubscriptionDirectory
	guard    AccountGuard
	arbiters ArbiterRegistry

	dispatcher *Dispatcher
	locks      *syncutil.KeyedMutex
	policy     Policy
	now        func() time.Time
	logger     *slog.Logger

	retryAfter   time.Duration
	inlineBudget time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets fees and grace period.
func WithPolicy(p Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger used for background paths.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithDispatcher makes the coordinator deliver effects right after commit.
// Without one, effects wait in the outbox for a background Dispatcher.
func WithDispatcher(d *Dispatcher) Option {
	return func(c *Coordinator) { c.dispatcher = d }
}

// WithArbiters sets who may arbitrate.
func WithArbiters(r ArbiterRegistry) Option {
	return func(c *Coordinator) { c.arbiters = r }
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store Store, gateway PaymentGateway, subs SubscriptionDirectory, guard AccountGuard, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		gateway:      gateway,
		subs:         subs,
		guard:        guard,
		locks:        syncutil.NewKeyedMutex(),
		policy:       DefaultPolicy(),
		now:          time.Now,
		logger:       slog.Default(),
		retryAfter:   defaultRetryAfter,
		inlineBudget: defaultInlineBudget,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the active policy.
func (c *Coordinator) Policy() Policy { return c.policy }

// Now returns the coordinator's clock reading.
func (c *Coordinator) Now() time.Time { return c.now() }

// Fund records a captured payment as a held escrow. Repeating the call with
// the same gateway reference returns the existing record.
func (c *Coordinator) Fund(ctx context.Context, req FundRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.JobID(req.JobID), traces.ActorID(req.PayerID),
		traces.Amount(req.Amount), traces.Reference(req.GatewayReference))
	defer func() { traces.RecordError(span, err); span.End() }()
	defer func() { observe(EventFund, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, ok, err := c.existingFunding(ctx, req); err != nil || ok {
		return existing, err
	}

	if err := c.checkNotFrozen(ctx, req.PayerID, req.PayeeID); err != nil {
		return nil, err
	}

	if err := c.gateway.Confirm(ctx, req.GatewayReference, req.Amount); err != nil {
		return nil, err
	}

	tier, err := c.subs.ActiveTier(ctx, req.PayerID)
	if err != nil {
		return nil, fmt.Errorf("resolve commission tier: %w", err)
	}
	split, err := c.policy.Commission.Split(req.Amount, tier)
	if err != nil {
		return nil, &ValidationError{Field: "amount", Message: err.Error()}
	}

	unlock, err := c.locks.LockContext(ctx, "fund:"+appKey(req.JobID, req.ApplicationID))
	if err != nil {
		return nil, err
	}
	if existing, ok, err := c.existingFunding(ctx, req); err != nil || ok {
		unlock()
		return existing, err
	}

	now := c.now()
	e, effects := newFunded(idgen.WithPrefix("esc_"), req, split, now)
	stamp(effects, now, c.retryAfter)
	err = c.store.Create(ctx, e, effects)
	unlock()
	if errors.Is(err, ErrDuplicateEscrow) {
		// another instance won the insert
		if existing, ok, lookupErr := c.existingFunding(ctx, req); lookupErr != nil || ok {
			return existing, lookupErr
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowFundedTotal.WithLabelValues(string(split.Tier)).Inc()
	metrics.EscrowFundedAmount.Add(float64(req.Amount))
	ctx = logging.WithEscrowID(ctx, e.ID)
	logging.L(ctx).Info("escrow funded",
		"jobId", e.JobID, "amount", e.Amount,
		"tier", e.CommissionTier, "commission", e.PlatformCommission)

	c.dispatch(ctx, effects)
	return e, nil
}

// existingFunding reports a record that already answers req. A record for
// the same reference is returned as-is; a different payment for an already
// funded application is a conflict.
func (c *Coordinator) existingFunding(ctx context.Context, req FundRequest) (*Escrow, bool, error) {
	e, err := c.store.GetByGatewayReference(ctx, req.GatewayReference)
	switch {
	case err == nil:
		if e.JobID != req.JobID || e.ApplicationID != req.ApplicationID ||
			e.PayerID != req.PayerID || e.Amount != req.Amount {
			return nil, true, &ValidationError{Field: "gatewayReference", Message: "already used for a different payment"}
		}
		return e, true, nil
	case !errors.Is(err, ErrEscrowNotFound):
		return nil, true, err
	}

	e, err = c.store.GetByApplication(ctx, req.JobID, req.ApplicationID)
	switch {
	case err == nil:
		return nil, true, conflict(e, EventFund, "application already funded")
	case !errors.Is(err, ErrEscrowNotFound):
		return nil, true, err
	}
	return nil, false, nil
}

// MarkDelivered records delivery by the payee. Repeating it returns the
// original delivery time.
func (c *Coordinator) MarkDelivered(ctx context.Context, escrowID, actorID string) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventMarkDelivered, ActorID: actorID})
}

// Confirm releases the payee's earnings at the payer's request.
func (c *Coordinator) Confirm(ctx context.Context, escrowID, actorID string) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventConfirm, ActorID: actorID})
}

// Dispute freezes a delivered escrow pending arbitration.
func (c *Coordinator) Dispute(ctx context.Context, escrowID, actorID, reason string, evidence []string) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventDispute, ActorID: actorID, Reason: reason, Evidence: evidence})
}

// Cancel refunds an undelivered escrow, minus the cancellation fee when the
// provider had already arrived.
func (c *Coordinator) Cancel(ctx context.Context, escrowID, actorID string, providerArrived bool) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventCancel, ActorID: actorID, ProviderArrived: providerArrived})
}

// Arbitrate resolves a disputed escrow.
func (c *Coordinator) Arbitrate(ctx context.Context, escrowID, arbiterID string, req ArbitrationRequest) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventArbitrate, ActorID: arbiterID, Arbitration: req})
}

// AutoRelease releases a delivered escrow whose grace period has elapsed.
// Called by the Timer; a record that was confirmed, disputed or cancelled in
// the meantime yields a StateConflictError.
func (c *Coordinator) AutoRelease(ctx context.Context, escrowID string) (*Escrow, error) {
	return c.transition(ctx, escrowID, Command{Event: EventAutoRelease, ActorID: SystemActor})
}

func (c *Coordinator) transition(ctx context.Context, escrowID string, cmd Command) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(cmd.Event),
		traces.EscrowID(escrowID), traces.ActorID(cmd.ActorID), traces.Event(string(cmd.Event)))
	defer func() { traces.RecordError(span, err); span.End() }()
	defer func() { observe(cmd.Event, err) }()
	ctx = logging.WithEscrowID(ctx, escrowID)

	if err := precheck(cmd); err != nil {
		return nil, err
	}

	// parties are immutable, so the frozen check can use an unlocked read
	snapshot, err := c.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	// resolved records report their state ahead of any party restriction
	if snapshot.IsTerminal() {
		return nil, conflict(snapshot, cmd.Event, "escrow already resolved")
	}
	switch cmd.Event {
	case EventConfirm, EventCancel:
		if err := c.checkNotFrozen(ctx, snapshot.PayerID, snapshot.PayeeID); err != nil {
			return nil, err
		}
	case EventArbitrate:
		if c.arbiters != nil {
			ok, err := c.arbiters.IsArbiter(ctx, cmd.ActorID)
			if err != nil {
				return nil, fmt.Errorf("check arbiter role: %w", err)
			}
			cmd.IsArbiter = ok
		}
	}

	unlock, err := c.locks.LockContext(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	cur, err := c.store.Get(ctx, escrowID)
	if err != nil {
		unlock()
		return nil, err
	}

	now := c.now()
	tr, err := Apply(cur, cmd, c.policy, now)
	if err != nil {
		unlock()
		return nil, err
	}
	if !tr.Changed {
		unlock()
		return tr.Escrow, nil
	}

	stamp(tr.Effects, now, c.retryAfter)
	err = c.store.Update(ctx, tr.Escrow, cur.Version, tr.Effects)
	unlock()
	if errors.Is(err, ErrVersionConflict) {
		return nil, c.lostRace(ctx, escrowID, cmd.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", cmd.Event, err)
	}

	next := tr.Escrow
	span.SetAttributes(traces.State(string(next.State)))
	if next.IsTerminal() {
		metrics.EscrowResolvedTotal.WithLabelValues(string(next.Resolution)).Inc()
		metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("escrow transition",
		"event", cmd.Event, "actor", cmd.ActorID,
		"state", next.State, "version", next.Version)

	c.dispatch(ctx, tr.Effects)
	return next, nil
}

// lostRace reports a write that another process committed first.
func (c *Coordinator) lostRace(ctx context.Context, escrowID string, ev Event) error {
	fresh, err := c.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	c.logger.Warn("escrow version conflict", "escrowId", escrowID, "event", ev, "state", fresh.State)
	return conflict(fresh, ev, "concurrent update; reload and retry")
}

func precheck(cmd Command) error {
	if strings.TrimSpace(cmd.ActorID) == "" {
		return &ValidationError{Field: "actorId", Message: "is required"}
	}
	if cmd.Event == EventDispute && strings.TrimSpace(cmd.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "is required"}
	}
	return nil
}

func (c *Coordinator) checkNotFrozen(ctx context.Context, userIDs ...string) error {
	if c.guard == nil {
		return nil
	}
	for _, id := range userIDs {
		frozen, err := c.guard.IsFrozen(ctx, id)
		if err != nil {
			return fmt.Errorf("check account %s: %w", id, err)
		}
		if frozen {
			return &AccountRestrictedError{UserID: id}
		}
	}
	return nil
}

// dispatch hands freshly committed effects to the dispatcher. It runs after
// the commit, detached from the caller's cancellation; failures stay in the
// outbox for the background pass.
func (c *Coordinator) dispatch(ctx context.Context, effects []Effect) {
	if c.dispatcher == nil || len(effects) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.inlineBudget)
	defer cancel()
	c.dispatcher.DeliverAll(dctx, effects)
}

// Get returns an escrow by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Escrow, error) {
	return c.store.Get(ctx, id)
}

// GetByJob returns the most recent escrow for a job.
func (c *Coordinator) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return c.store.GetByJob(ctx, jobID)
}

// Page is one slice of a cursor-paginated listing.
type Page struct {
	Escrows    []*Escrow
	NextCursor string
	HasMore    bool
}

// ListByParty returns escrows where userID is payer or payee, newest first,
// resuming after cursor when it is non-empty.
func (c *Coordinator) ListByParty(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: err.Error()}
	}
	limit = clampLimit(limit)
	escrows, err := c.store.ListByParty(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	escrows, next, more := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Escrows: escrows, NextCursor: next, HasMore: more}, nil
}

// ListDisputes returns escrows awaiting arbitration.
func (c *Coordinator) ListDisputes(ctx context.Context, limit int) ([]*Escrow, error) {
	return c.store.ListByState(ctx, StateDisputed, clampLimit(limit))
}

// Effects returns the outbox rows of an escrow.
func (c *Coordinator) Effects(ctx context.Context, escrowID string) ([]Effect, error) {
	return c.store.ListEffects(ctx, escrowID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func observe(ev Event, err error) {
	metrics.EscrowTransitionsTotal.WithLabelValues(string(ev), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStateConflict):
		return "conflict"
	case errors.Is(err, ErrPermission):
		return "forbidden"
	case errors.Is(err, ErrAccountRestricted):
		return "restricted"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrEscrowNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, ErrGatewayRetryable):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
