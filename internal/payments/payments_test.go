package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskmarket/internal/circuitbreaker"
	"github.com/mbd888/taskmarket/internal/escrow"
)

type fakeIntents struct {
	intent    *stripe.PaymentIntent
	err       error
	failFirst int // transient failures before answering
	calls     int
	gotCtx    context.Context
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.calls++
	f.gotCtx = params.Context
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("read: connection reset by peer")
	}
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.intent
	cp.ID = id
	return &cp, nil
}

func newTestGateway(f *fakeIntents, breaker *circuitbreaker.Breaker) *StripeGateway {
	g := newStripeGateway(f, "ngn", breaker, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.lookupDelay = time.Millisecond
	return g
}

func succeeded(amount int64) *stripe.PaymentIntent {
	return &stripe.PaymentIntent{
		Status:         stripe.PaymentIntentStatusSucceeded,
		Amount:         amount,
		AmountReceived: amount,
		Currency:       stripe.Currency("ngn"),
	}
}

func TestStripeGateway_Succeeded(t *testing.T) {
	f := &fakeIntents{intent: succeeded(10000)}
	g := newTestGateway(f, nil)

	require.NoError(t, g.Confirm(context.Background(), "pi_1", 10000))
	assert.Equal(t, 1, f.calls)
	assert.NotNil(t, f.gotCtx)
}

func TestStripeGateway_Declines(t *testing.T) {
	tests := []struct {
		name   string
		intent *stripe.PaymentIntent
		amount int64
	}{
		{"amount mismatch", succeeded(9000), 10000},
		{"requires payment method", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, 10000},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, 10000},
		{"wrong currency", &stripe.PaymentIntent{
			Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 10000, Currency: stripe.Currency("usd"),
		}, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(&fakeIntents{intent: tt.intent}, nil)
			err := g.Confirm(context.Background(), "pi_1", tt.amount)
			require.Error(t, err)
			assert.ErrorIs(t, err, escrow.ErrPaymentDeclined)
			assert.NotErrorIs(t, err, escrow.ErrGatewayRetryable)
		})
	}
}

func TestStripeGateway_ProcessingIsRetryable(t *testing.T) {
	g := newTestGateway(&fakeIntents{intent: &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}}, nil)

	err := g.Confirm(context.Background(), "pi_1", 10000)
	assert.ErrorIs(t, err, escrow.ErrGatewayRetryable)
}

func TestStripeGateway_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"network", errors.New("dial tcp: connection refused"), true},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Type: stripe.ErrorTypeAPI}, true},
		{"missing intent", &stripe.Error{HTTPStatusCode: http.StatusNotFound, Type: stripe.ErrorTypeInvalidRequest}, false},
		{"card error", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Type: stripe.ErrorTypeCard}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(&fakeIntents{err: tt.err}, nil)
			err := g.Confirm(context.Background(), "pi_1", 10000)
			require.Error(t, err)
			var ge *escrow.GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.retryable, ge.Retryable)
			assert.Equal(t, "pi_1", ge.Reference)
		})
	}
}

func TestStripeGateway_OpenCircuit(t *testing.T) {
	breaker := circuitbreaker.New(2, time.Hour)
	f := &fakeIntents{err: errors.New("timeout")}
	g := newTestGateway(f, breaker)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = g.Confirm(ctx, "pi_1", 10000)
	}
	err := g.Confirm(ctx, "pi_1", 10000)
	assert.ErrorIs(t, err, escrow.ErrGatewayRetryable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 4, f.calls, "open circuit must not reach Stripe")
}

func TestStripeGateway_RetriesTransientLookup(t *testing.T) {
	breaker := circuitbreaker.New(1, time.Hour)
	f := &fakeIntents{intent: succeeded(10000), failFirst: 1}
	g := newTestGateway(f, breaker)

	require.NoError(t, g.Confirm(context.Background(), "pi_1", 10000))
	assert.Equal(t, 2, f.calls)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(breakerKey))
}

func TestStripeGateway_DeclinesDoNotTripBreaker(t *testing.T) {
	breaker := circuitbreaker.New(2, time.Hour)
	f := &fakeIntents{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Type: stripe.ErrorTypeInvalidRequest}}
	g := newTestGateway(f, breaker)

	for i := 0; i < 5; i++ {
		_ = g.Confirm(context.Background(), "pi_missing", 100)
	}
	assert.Equal(t, 5, f.calls)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(breakerKey))
}

func TestMemoryGateway(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGateway(false)
	g.Capture("pi_ok", 5000)
	g.Decline("pi_bad")

	assert.NoError(t, g.Confirm(ctx, "pi_ok", 5000))
	assert.ErrorIs(t, g.Confirm(ctx, "pi_ok", 4000), escrow.ErrPaymentDeclined)
	assert.ErrorIs(t, g.Confirm(ctx, "pi_bad", 5000), escrow.ErrPaymentDeclined)
	assert.ErrorIs(t, g.Confirm(ctx, "pi_unknown", 5000), escrow.ErrPaymentDeclined)

	g.SetUnavailable(true)
	assert.ErrorIs(t, g.Confirm(ctx, "pi_ok", 5000), escrow.ErrGatewayRetryable)
}

func TestMemoryGateway_AcceptAll(t *testing.T) {
	g := NewMemoryGateway(true)
	assert.NoError(t, g.Confirm(context.Background(), "pi_anything", 123))
}
