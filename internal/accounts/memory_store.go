package accounts

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) SetFrozen(_ context.Context, userID string, frozen bool, reason string, at time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.upsert(userID, at)
	a.Frozen = frozen
	a.FrozenReason = reason
	a.UpdatedAt = at
	return clone(a), nil
}

func (m *MemoryStore) SetSubscription(_ context.Context, userID string, tier fees.Tier, expiresAt *time.Time, at time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.upsert(userID, at)
	a.Tier = tier
	a.SubscriptionExpiresAt = nil
	if expiresAt != nil {
		t := *expiresAt
		a.SubscriptionExpiresAt = &t
	}
	a.UpdatedAt = at
	return clone(a), nil
}

// caller holds m.mu
func (m *MemoryStore) upsert(userID string, at time.Time) *Account {
	a, ok := m.accounts[userID]
	if !ok {
		a = &Account{UserID: userID, Tier: fees.TierStandard, CreatedAt: at}
		m.accounts[userID] = a
	}
	return a
}

func clone(a *Account) *Account {
	cp := *a
	if a.SubscriptionExpiresAt != nil {
		t := *a.SubscriptionExpiresAt
		cp.SubscriptionExpiresAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
