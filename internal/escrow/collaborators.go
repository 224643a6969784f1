package escrow

import (
	"context"
	"errors"

	"github.com/mbd888/taskmarket/internal/fees"
)

// SubscriptionDirectory resolves the payer's commission tier at funding time.
type SubscriptionDirectory interface {
	ActiveTier(ctx context.Context, userID string) (fees.Tier, error)
}

// PaymentGateway confirms that a payment reference captured amount.
// It returns nil on success and a *GatewayError otherwise.
type PaymentGateway interface {
	Confirm(ctx context.Context, reference string, amount int64) error
}

// Ledger credits user balances. Repeating a call with the same
// correlationID must not credit twice.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount int64, reason, correlationID string) error
}

// Notifier delivers a templated message to a user. Best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, template string, payload map[string]string) error
}

// AccountGuard reports accounts frozen by risk review.
type AccountGuard interface {
	IsFrozen(ctx context.Context, userID string) (bool, error)
}

// ArbiterRegistry reports whether a user may resolve disputes.
type ArbiterRegistry interface {
	IsArbiter(ctx context.Context, userID string) (bool, error)
}

// MultiNotifier fans a notification out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, userID, template string, payload map[string]string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, template, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, map[string]string) error { return nil }
