package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/taskmarket/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	byRef   map[string]string // gateway reference -> id
	byApp   map[string]string // job + application -> id
	effects map[string]*Effect
	order   []string // effect ids in insertion order
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byRef:   make(map[string]string),
		byApp:   make(map[string]string),
		effects: make(map[string]*Effect),
	}
}

func appKey(jobID, applicationID string) string {
	return jobID + "\x1f" + applicationID
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow, effects []Effect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return ErrDuplicateEscrow
	}
	if _, ok := m.byRef[e.GatewayReference]; ok {
		return ErrDuplicateEscrow
	}
	key := appKey(e.JobID, e.ApplicationID)
	if _, ok := m.byApp[key]; ok {
		return ErrDuplicateEscrow
	}

	m.escrows[e.ID] = e.Clone()
	m.byRef[e.GatewayReference] = e.ID
	m.byApp[key] = e.ID
	m.appendEffects(effects)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetByGatewayReference(ctx context.Context, ref string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByApplication(ctx context.Context, jobID, applicationID string) (*Escrow, error) {
	m.mu.RLock()
	id, ok := m.byApp[appKey(jobID, applicationID)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetByJob(_ context.Context, jobID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Escrow
	for _, e := range m.escrows {
		if e.JobID != jobID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) ||
			(e.CreatedAt.Equal(latest.CreatedAt) && e.ID > latest.ID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrEscrowNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow, expectedVersion int64, effects []Effect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	m.escrows[e.ID] = e.Clone()
	m.appendEffects(effects)
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	return m.list(limit, byCreatedDesc, func(e *Escrow) bool {
		return e.IsParty(userID) && (after == nil || olderThan(e, after))
	}), nil
}

func olderThan(e *Escrow, c *pagination.Cursor) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID < c.ID
	}
	return e.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]*Escrow, error) {
	return m.list(limit, byCreatedDesc, func(e *Escrow) bool { return e.State == state }), nil
}

func (m *MemoryStore) ListDueForRelease(_ context.Context, deliveredBefore time.Time, limit int) ([]*Escrow, error) {
	return m.list(limit, byDeliveredAsc, func(e *Escrow) bool {
		return e.State == StateHeld && e.DeliveredAt != nil && !e.DeliveredAt.After(deliveredBefore)
	}), nil
}

func (m *MemoryStore) list(limit int, less func(a, b *Escrow) bool, keep func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if keep(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func byCreatedDesc(a, b *Escrow) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func byDeliveredAsc(a, b *Escrow) bool { return a.DeliveredAt.Before(*b.DeliveredAt) }

// caller holds m.mu
func (m *MemoryStore) appendEffects(effects []Effect) {
	for _, f := range effects {
		if _, ok := m.effects[f.ID]; ok {
			continue
		}
		cp := cloneEffect(f)
		m.effects[f.ID] = &cp
		m.order = append(m.order, f.ID)
	}
}

func (m *MemoryStore) PendingEffects(_ context.Context, now time.Time, limit int) ([]Effect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Effect
	for _, id := range m.order {
		f := m.effects[id]
		if f.Status != EffectPending || f.NextAttemptAt.After(now) {
			continue
		}
		result = append(result, cloneEffect(*f))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEffects(_ context.Context, escrowID string) ([]Effect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Effect
	for _, id := range m.order {
		if f := m.effects[id]; f.EscrowID == escrowID {
			result = append(result, cloneEffect(*f))
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkEffectDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.effects[id]
	if !ok {
		return ErrEscrowNotFound
	}
	t := at
	f.Status = EffectDelivered
	f.DeliveredAt = &t
	f.Attempts++
	f.LastError = ""
	return nil
}

func (m *MemoryStore) MarkEffectFailed(_ context.Context, id string, attempts int, nextAttempt time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.effects[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if f.Status != EffectPending {
		return nil
	}
	f.Attempts = attempts
	f.NextAttemptAt = nextAttempt
	f.LastError = lastErr
	if dead {
		f.Status = EffectDead
	}
	return nil
}

func (m *MemoryStore) RequeueEffect(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.effects[id]
	if !ok {
		return ErrEffectNotFound
	}
	if f.Status != EffectDead {
		return ErrEffectNotDead
	}
	f.Status = EffectPending
	f.Attempts = 0
	f.NextAttemptAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
