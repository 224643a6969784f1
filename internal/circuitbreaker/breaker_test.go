package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step past the cool-down without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("ledger") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("ledger"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure("webhook")
	b.RecordFailure("webhook")
	if b.Allow("webhook") {
		t.Fatal("should be open")
	}

	clock.Advance(time.Minute)
	if !b.Allow("webhook") {
		t.Fatal("should allow one probe after cool-down")
	}
	if b.State("webhook") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("webhook"))
	}
	if b.Allow("webhook") {
		t.Fatal("second call while probing must be rejected")
	}

	b.RecordSuccess("webhook")
	if b.State("webhook") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("webhook"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	clock.Advance(2 * time.Minute)
	b.Allow("ledger")

	b.RecordFailure("ledger")
	if b.State("ledger") != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", b.State("ledger"))
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("ledger")
	b.RecordFailure("ledger")
	b.RecordSuccess("ledger")
	b.RecordFailure("ledger")
	if !b.Allow("ledger") {
		t.Fatal("count should have been reset by success")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure("ledger")
	if b.Allow("ledger") {
		t.Fatal("ledger should be open")
	}
	if !b.Allow("webhook") {
		t.Fatal("webhook should be unaffected")
	}
}

func TestBreaker_Call(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	boom := errors.New("boom")

	if err := b.Call("ledger", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	called := false
	err := b.Call("ledger", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
