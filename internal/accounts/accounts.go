// Package accounts holds the per-user standing that escrow consults: risk
// freezes and the payer's subscription tier.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

var (
	ErrAccountNotFound = errors.New("accounts: not found")
	ErrInvalidTier     = errors.New("accounts: unknown tier")
	ErrInvalidUser     = errors.New("accounts: invalid user")
)

// Account is one user's standing.
type Account struct {
	UserID                string     `json:"userId"`
	Frozen                bool       `json:"frozen"`
	FrozenReason          string     `json:"frozenReason,omitempty"`
	Tier                  fees.Tier  `json:"tier"`
	SubscriptionExpiresAt *time.Time `json:"subscriptionExpiresAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ActiveTier returns the tier in force at now. An expired subscription
// falls back to standard.
func (a *Account) ActiveTier(now time.Time) fees.Tier {
	if a.Tier != fees.TierSubscribed {
		return fees.TierStandard
	}
	if a.SubscriptionExpiresAt != nil && !now.Before(*a.SubscriptionExpiresAt) {
		return fees.TierStandard
	}
	return fees.TierSubscribed
}

// Store persists accounts. The setters upsert only their own columns, so a
// freeze and a subscription change for the same user never overwrite each
// other. Both return the account as stored.
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)
	SetFrozen(ctx context.Context, userID string, frozen bool, reason string, at time.Time) (*Account, error)
	SetSubscription(ctx context.Context, userID string, tier fees.Tier, expiresAt *time.Time, at time.Time) (*Account, error)
}

// Directory answers escrow's questions about accounts and applies admin
// changes. Users without a record are unfrozen and on the standard tier.
type Directory struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewDirectory creates a directory over store.
func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, logger: logger, now: time.Now}
}

// IsFrozen reports whether userID is frozen by risk review.
func (d *Directory) IsFrozen(ctx context.Context, userID string) (bool, error) {
	a, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load account %s: %w", userID, err)
	}
	return a.Frozen, nil
}

// ActiveTier returns the subscription tier in force for userID right now.
func (d *Directory) ActiveTier(ctx context.Context, userID string) (fees.Tier, error) {
	a, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return fees.TierStandard, nil
	}
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", userID, err)
	}
	return a.ActiveTier(d.now()), nil
}

// Get returns the stored account, or a default one for unknown users.
func (d *Directory) Get(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	a, err := d.store.Get(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{UserID: userID, Tier: fees.TierStandard}, nil
	}
	return a, err
}

// Freeze blocks userID from escrow operations.
func (d *Directory) Freeze(ctx context.Context, userID, reason string) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	a, err := d.store.SetFrozen(ctx, userID, true, reason, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("freeze account %s: %w", userID, err)
	}
	d.logger.Warn("account frozen", "userId", userID, "reason", reason)
	return a, nil
}

// Unfreeze lifts a freeze.
func (d *Directory) Unfreeze(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	a, err := d.store.SetFrozen(ctx, userID, false, "", d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("unfreeze account %s: %w", userID, err)
	}
	d.logger.Info("account unfrozen", "userId", userID)
	return a, nil
}

// SetSubscription records userID's tier. A nil expiry never lapses.
func (d *Directory) SetSubscription(ctx context.Context, userID string, tier fees.Tier, expiresAt *time.Time) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	if tier == fees.TierStandard {
		expiresAt = nil
	}
	a, err := d.store.SetSubscription(ctx, userID, tier, expiresAt, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("set subscription %s: %w", userID, err)
	}
	return a, nil
}
