// Package fees computes the platform's cut of a funded job and the fee charged
// when a funded job is cancelled.
//
// All amounts are integer minor units (kobo, cents). Rates are basis points
// (1/100 of a percent) so that every computation is exact and reproducible.
package fees

import (
	"errors"
	"fmt"
)

// BasisPoints is the denominator for all rates: 10000 bps = 100%.
const BasisPoints = 10000

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidRate    = errors.New("rate must be between 0 and 10000 basis points")
)

// Tier is the payer's subscription tier, resolved once when a job is funded.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierSubscribed Tier = "subscribed"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierStandard || t == TierSubscribed
}

// Default rates.
const (
	DefaultStandardBps   int64 = 2000 // 20%
	DefaultSubscribedBps int64 = 500  // 5%
	DefaultCancelFeeBps  int64 = 1500 // 15%
	DefaultCancelMinFee  int64 = 2000
)

// Schedule maps tiers to commission rates.
type Schedule struct {
	StandardBps   int64
	SubscribedBps int64
}

// DefaultSchedule returns the standard 20% / subscribed 5% schedule.
func DefaultSchedule() Schedule {
	return Schedule{StandardBps: DefaultStandardBps, SubscribedBps: DefaultSubscribedBps}
}

// Validate checks that both rates are within [0, 10000].
func (s Schedule) Validate() error {
	if !validRate(s.StandardBps) || !validRate(s.SubscribedBps) {
		return ErrInvalidRate
	}
	return nil
}

// Rate returns the commission rate for a tier. Unknown tiers pay the standard rate.
func (s Schedule) Rate(t Tier) int64 {
	if t == TierSubscribed {
		return s.SubscribedBps
	}
	return s.StandardBps
}

// Split is the commission breakdown frozen on an escrow at funding time.
type Split struct {
	Tier       Tier  `json:"tier"`
	RateBps    int64 `json:"rateBps"`
	Commission int64 `json:"commission"`
	Earnings   int64 `json:"earnings"`
}

// Split divides amount between the platform and the payee. Earnings are
// floored; the remainder always goes to the platform, so
// Commission + Earnings == amount for every input.
func (s Schedule) Split(amount int64, t Tier) (Split, error) {
	if amount < 0 {
		return Split{}, ErrNegativeAmount
	}
	if !t.Valid() {
		t = TierStandard
	}
	rate := s.Rate(t)
	if !validRate(rate) {
		return Split{}, ErrInvalidRate
	}
	earnings := MulBps(amount, BasisPoints-rate)
	return Split{
		Tier:       t,
		RateBps:    rate,
		Commission: amount - earnings,
		Earnings:   earnings,
	}, nil
}

// CancellationPolicy prices a cancellation after the provider has arrived.
type CancellationPolicy struct {
	FeeBps     int64
	MinimumFee int64
}

// DefaultCancellationPolicy returns the 15% / minimum 2000 policy.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{FeeBps: DefaultCancelFeeBps, MinimumFee: DefaultCancelMinFee}
}

// Validate checks the policy bounds.
func (p CancellationPolicy) Validate() error {
	if !validRate(p.FeeBps) {
		return ErrInvalidRate
	}
	if p.MinimumFee < 0 {
		return fmt.Errorf("minimum cancellation fee: %w", ErrNegativeAmount)
	}
	return nil
}

// Cancellation is the outcome of cancelling a funded job.
type Cancellation struct {
	Fee    int64 `json:"fee"`
	Refund int64 `json:"refund"`
}

// Compute returns the fee kept for the payee and the refund owed to the payer.
// Before the provider arrives the fee is zero. Afterwards it is
// max(floor(amount*FeeBps), MinimumFee), capped at amount.
// Fee + Refund == amount for every input.
func (p CancellationPolicy) Compute(amount int64, providerArrived bool) (Cancellation, error) {
	if amount < 0 {
		return Cancellation{}, ErrNegativeAmount
	}
	if err := p.Validate(); err != nil {
		return Cancellation{}, err
	}
	if !providerArrived {
		return Cancellation{Fee: 0, Refund: amount}, nil
	}
	fee := MulBps(amount, p.FeeBps)
	if fee < p.MinimumFee {
		fee = p.MinimumFee
	}
	if fee > amount {
		fee = amount
	}
	return Cancellation{Fee: fee, Refund: amount - fee}, nil
}

// MulBps returns floor(amount * bps / 10000) without overflowing for any
// non-negative int64 amount and bps in [0, 10000].
func MulBps(amount, bps int64) int64 {
	q, r := amount/BasisPoints, amount%BasisPoints
	return q*bps + r*bps/BasisPoints
}

func validRate(bps int64) bool {
	return bps >= 0 && bps <= BasisPoints
}
