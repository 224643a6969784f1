package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskmarket/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, NewPostgresStore(db))
}

// TestPostgresStore_CASAcrossInstances simulates two processes that share the
// database but not the in-process lock.
func TestPostgresStore_CASAcrossInstances(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	clock := newFakeClock(time.Now().UTC().Truncate(time.Millisecond))

	mk := func() *Coordinator {
		return NewCoordinator(store, &mockGateway{}, &mockSubs{}, &mockGuard{},
			WithClock(clock.Now), WithLogger(discardLogger()))
	}
	a, b := mk(), mk()

	e, err := a.Fund(ctx, fundReq(10000))
	require.NoError(t, err)
	_, err = a.MarkDelivered(ctx, e.ID, payee)
	require.NoError(t, err)
	clock.Advance(DefaultGracePeriod)

	var wg sync.WaitGroup
	var disputeErr, releaseErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, disputeErr = a.Dispute(ctx, e.ID, payer, "late", nil) }()
	go func() { defer wg.Done(); _, releaseErr = b.AutoRelease(ctx, e.ID) }()
	wg.Wait()

	assert.True(t, (disputeErr == nil) != (releaseErr == nil),
		"exactly one must win: dispute=%v release=%v", disputeErr, releaseErr)

	effects, err := store.ListEffects(ctx, e.ID)
	require.NoError(t, err)
	credits := 0
	for _, f := range effects {
		if f.Kind == EffectLedgerCredit {
			credits++
		}
	}
	if disputeErr == nil {
		assert.Zero(t, credits)
	} else {
		assert.Equal(t, 2, credits) // payout + commission
	}
}
