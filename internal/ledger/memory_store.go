package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	balances      map[string]*Balance
	entries       []*Entry
	byCorrelation map[string]*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:      make(map[string]*Balance),
		byCorrelation: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Credit(_ context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCorrelation[e.CorrelationID]; ok {
		return false, nil
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byCorrelation[e.CorrelationID] = &cp

	bal, ok := m.balances[e.UserID]
	if !ok {
		bal = &Balance{UserID: e.UserID}
		m.balances[e.UserID] = bal
	}
	bal.Balance += e.Amount
	bal.UpdatedAt = e.CreatedAt
	return true, nil
}

func (m *MemoryStore) GetByCorrelation(_ context.Context, correlationID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byCorrelation[correlationID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID}, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].UserID != userID {
			continue
		}
		cp := *m.entries[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
