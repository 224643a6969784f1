// Package payments confirms that a payer's payment was captured before an
// escrow is funded.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/taskmarket/internal/circuitbreaker"
	"github.com/mbd888/taskmarket/internal/escrow"
	"github.com/mbd888/taskmarket/internal/retry"
	"github.com/mbd888/taskmarket/internal/traces"
)

const breakerKey = "stripe"

// Transient lookup failures are retried inline before the breaker sees them.
const (
	defaultLookupAttempts = 2
	defaultLookupDelay    = 200 * time.Millisecond
)

var (
	errNotCaptured    = errors.New("payment not captured")
	errAmountMismatch = errors.New("captured amount does not match")
	errCurrency       = errors.New("currency mismatch")
	errProcessing     = errors.New("payment still processing")
	errOutage         = errors.New("gateway unavailable")
)

// intentGetter is the slice of the Stripe client the gateway needs.
type intentGetter interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGateway verifies PaymentIntents through the Stripe API.
type StripeGateway struct {
	intents  intentGetter
	currency string
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger

	lookupAttempts int
	lookupDelay    time.Duration
}

// NewStripeGateway creates a gateway authenticated with secretKey. An empty
// currency skips the currency check.
func NewStripeGateway(secretKey, currency string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *StripeGateway {
	sc := client.New(secretKey, nil)
	return newStripeGateway(sc.PaymentIntents, currency, breaker, logger)
}

func newStripeGateway(intents intentGetter, currency string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *StripeGateway {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeGateway{
		intents:  intents,
		currency: strings.ToLower(currency),
		breaker:  breaker,
		logger:   logger,

		lookupAttempts: defaultLookupAttempts,
		lookupDelay:    defaultLookupDelay,
	}
}

// Confirm succeeds only when reference is a succeeded PaymentIntent that
// received exactly amount.
func (g *StripeGateway) Confirm(ctx context.Context, reference string, amount int64) error {
	ctx, span := traces.StartSpan(ctx, "payments.Confirm",
		traces.Reference(reference), traces.Amount(amount))
	defer span.End()

	var (
		pi       *stripe.PaymentIntent
		declined error
	)
	err := g.breaker.Call(breakerKey, func() error {
		return retry.Do(ctx, g.lookupAttempts, g.lookupDelay, func() error {
			params := &stripe.PaymentIntentParams{}
			params.Context = ctx
			var err error
			pi, err = g.intents.Get(reference, params)
			if err != nil && !retryable(err) {
				// rejected lookups do not trip the breaker
				declined = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		traces.RecordError(span, err)
		g.logger.Warn("stripe lookup failed", "reference", reference, "error", err)
		return &escrow.GatewayError{Reference: reference, Retryable: true, Err: err}
	}
	if declined != nil {
		traces.RecordError(span, declined)
		return &escrow.GatewayError{Reference: reference, Err: declined}
	}

	if err := g.check(pi, amount); err != nil {
		traces.RecordError(span, err)
		return &escrow.GatewayError{Reference: reference, Retryable: errors.Is(err, errProcessing), Err: err}
	}
	return nil
}

func (g *StripeGateway) check(pi *stripe.PaymentIntent, amount int64) error {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
	case stripe.PaymentIntentStatusProcessing:
		return errProcessing
	default:
		return fmt.Errorf("%w: status %s", errNotCaptured, pi.Status)
	}
	if pi.AmountReceived != amount {
		return fmt.Errorf("%w: received %d, expected %d", errAmountMismatch, pi.AmountReceived, amount)
	}
	if g.currency != "" && !strings.EqualFold(string(pi.Currency), g.currency) {
		return fmt.Errorf("%w: %s", errCurrency, pi.Currency)
	}
	return nil
}

// retryable reports whether a Stripe error is worth retrying: transport
// failures, rate limits and server-side errors.
func retryable(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return true
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return true
	}
	return se.Type == stripe.ErrorTypeAPI
}

var _ escrow.PaymentGateway = (*StripeGateway)(nil)
