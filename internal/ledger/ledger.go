// Package ledger keeps user balances credited by escrow settlement.
//
// The ledger only ever credits. Every credit carries a correlation id and a
// second credit with the same id is a no-op, so the effect dispatcher may
// redeliver freely.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/taskmarket/internal/idgen"
	"github.com/mbd888/taskmarket/internal/metrics"
	"github.com/mbd888/taskmarket/internal/retry"
	"github.com/mbd888/taskmarket/internal/traces"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidUser         = errors.New("invalid user")
	ErrMissingCorrelation  = errors.New("missing correlation id")
	ErrCorrelationConflict = errors.New("correlation id already used for a different credit")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 50

// Entry is one applied credit.
type Entry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Balance is a user's running total in minor units.
type Balance struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Store persists ledger data.
type Store interface {
	// Credit records e and bumps the user's balance atomically. It returns
	// false without changing anything when e.CorrelationID is already recorded.
	Credit(ctx context.Context, e *Entry) (bool, error)
	GetByCorrelation(ctx context.Context, correlationID string) (*Entry, error)
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Ledger applies idempotent credits.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// New creates a new ledger.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credit adds amount to userID's balance unless correlationID was already
// applied. Reusing a correlation id for a different user or amount is a
// permanent error.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reason, correlationID string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Credit",
		traces.ActorID(userID), traces.Amount(amount), traces.Reference(correlationID))
	defer span.End()

	switch {
	case userID == "":
		return retry.Permanent(ErrInvalidUser)
	case amount <= 0:
		return retry.Permanent(fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	case correlationID == "":
		return retry.Permanent(ErrMissingCorrelation)
	}

	entry := &Entry{
		ID:            idgen.WithPrefix("le_"),
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		CorrelationID: correlationID,
		CreatedAt:     l.now().UTC(),
	}
	applied, err := l.store.Credit(ctx, entry)
	if err != nil {
		traces.RecordError(span, err)
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	if applied {
		metrics.LedgerCreditsTotal.WithLabelValues(reason).Inc()
		l.logger.Info("ledger credited",
			"userId", userID, "amount", amount, "reason", reason, "correlationId", correlationID)
		return nil
	}

	prior, err := l.store.GetByCorrelation(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("load prior credit %s: %w", correlationID, err)
	}
	if prior.UserID != userID || prior.Amount != amount {
		err := fmt.Errorf("%w: %s", ErrCorrelationConflict, correlationID)
		traces.RecordError(span, err)
		return retry.Permanent(err)
	}
	l.logger.Debug("duplicate ledger credit ignored", "correlationId", correlationID)
	return nil
}

// Balance returns a user's balance. Unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	return l.store.GetBalance(ctx, userID)
}

// History returns a user's credits, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return l.store.GetHistory(ctx, userID, limit)
}
