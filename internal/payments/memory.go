package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/taskmarket/internal/escrow"
)

// MemoryGateway is an in-process gateway for development and tests. Payments
// are registered with Capture; with AcceptAll every reference is treated as
// captured for the requested amount.
type MemoryGateway struct {
	mu          sync.Mutex
	captured    map[string]int64
	declined    map[string]bool
	acceptAll   bool
	unavailable bool
}

// NewMemoryGateway creates an in-memory gateway.
func NewMemoryGateway(acceptAll bool) *MemoryGateway {
	return &MemoryGateway{
		captured:  make(map[string]int64),
		declined:  make(map[string]bool),
		acceptAll: acceptAll,
	}
}

// Capture records that reference captured amount.
func (g *MemoryGateway) Capture(reference string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured[reference] = amount
	delete(g.declined, reference)
}

// Decline marks reference as failed.
func (g *MemoryGateway) Decline(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declined[reference] = true
	delete(g.captured, reference)
}

// SetUnavailable simulates a gateway outage.
func (g *MemoryGateway) SetUnavailable(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unavailable = down
}

func (g *MemoryGateway) Confirm(_ context.Context, reference string, amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.unavailable {
		return &escrow.GatewayError{Reference: reference, Retryable: true, Err: errOutage}
	}
	if g.declined[reference] {
		return &escrow.GatewayError{Reference: reference, Err: errNotCaptured}
	}
	got, ok := g.captured[reference]
	switch {
	case !ok && g.acceptAll:
		return nil
	case !ok:
		return &escrow.GatewayError{Reference: reference, Err: errNotCaptured}
	case got != amount:
		return &escrow.GatewayError{Reference: reference,
			Err: fmt.Errorf("%w: received %d, expected %d", errAmountMismatch, got, amount)}
	}
	return nil
}

var _ escrow.PaymentGateway = (*MemoryGateway)(nil)
