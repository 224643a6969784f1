package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock shared by the coordinator and dispatcher.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockLedger credits balances once per correlation id.
type mockLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	seen     map[string]bool
	calls    int
	failN    int   // fail the next failN calls
	err      error // returned while failing
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[string]int64), seen: make(map[string]bool)}
}

func (m *mockLedger) Credit(_ context.Context, userID string, amount int64, _, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failN > 0 {
		m.failN--
		if m.err != nil {
			return m.err
		}
		return errors.New("ledger unavailable")
	}
	if m.seen[correlationID] {
		return nil
	}
	m.seen[correlationID] = true
	m.balances[userID] += amount
	return nil
}

func (m *mockLedger) Balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockLedger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type sentNotification struct {
	userID, template string
	payload          map[string]string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (m *mockNotifier) Notify(_ context.Context, userID, template string, payload map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentNotification{userID, template, payload})
	return nil
}

func (m *mockNotifier) Templates(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.userID == userID {
			out = append(out, s.template)
		}
	}
	return out
}

// mockGateway confirms every reference unless told otherwise.
type mockGateway struct {
	mu        sync.Mutex
	confirmed []string
	err       error
}

func (g *mockGateway) Confirm(_ context.Context, reference string, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.confirmed = append(g.confirmed, reference)
	return nil
}

func (g *mockGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.confirmed)
}

type mockSubs struct {
	tiers map[string]fees.Tier
	err   error
}

func (s *mockSubs) ActiveTier(_ context.Context, userID string) (fees.Tier, error) {
	if s.err != nil {
		return "", s.err
	}
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	return fees.TierStandard, nil
}

type mockGuard struct {
	mu     sync.Mutex
	frozen map[string]bool
}

func (g *mockGuard) IsFrozen(_ context.Context, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen[userID], nil
}

func (g *mockGuard) Freeze(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen == nil {
		g.frozen = make(map[string]bool)
	}
	g.frozen[userID] = true
}

type mockArbiters map[string]bool

func (m mockArbiters) IsArbiter(_ context.Context, userID string) (bool, error) {
	return m[userID], nil
}

// harness wires a coordinator with inline dispatch over fakes.
type harness struct {
	store    *MemoryStore
	ledger   *mockLedger
	notifier *mockNotifier
	gateway  *mockGateway
	subs     *mockSubs
	guard    *mockGuard
	clock    *fakeClock
	disp     *Dispatcher
	coord    *Coordinator
}

const (
	payer   = "user_payer"
	payee   = "user_payee"
	arbiter = "user_arbiter"
)

func newHarness() *harness {
	h := &harness{
		store:    NewMemoryStore(),
		ledger:   newMockLedger(),
		notifier: &mockNotifier{},
		gateway:  &mockGateway{},
		subs:     &mockSubs{tiers: map[string]fees.Tier{}},
		guard:    &mockGuard{},
		clock:    newFakeClock(t0),
	}
	h.disp = NewDispatcher(h.store, h.ledger, h.notifier, nil, discardLogger(), DispatcherConfig{Now: h.clock.Now})
	h.coord = NewCoordinator(h.store, h.gateway, h.subs, h.guard,
		WithClock(h.clock.Now),
		WithLogger(discardLogger()),
		WithDispatcher(h.disp),
		WithArbiters(mockArbiters{arbiter: true}),
	)
	return h
}

func fundReq(amount int64) FundRequest {
	return FundRequest{
		JobID:            "job_1",
		ApplicationID:    "app_1",
		PayerID:          payer,
		PayeeID:          payee,
		Amount:           amount,
		GatewayReference: "pi_1",
	}
}

// heldAt builds a held escrow directly, for machine tests.
func heldAt(amount int64, deliveredAt *time.Time) *Escrow {
	split, _ := fees.DefaultSchedule().Split(amount, fees.TierStandard)
	e, _ := newFunded("esc_test", fundReq(amount), split, t0)
	e.DeliveredAt = deliveredAt
	return e
}

func ptr(t time.Time) *time.Time { return &t }
