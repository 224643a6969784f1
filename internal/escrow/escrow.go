// Package escrow holds a job giver's payment in custody until the provider's
// work is accepted.
//
// Flow:
//  1. Gateway confirms the payment → Fund creates the record in held
//  2. Provider marks delivered → the grace window starts
//  3. Payer confirms, or the window elapses → earnings credited to the payee
//  4. Payer disputes → funds stay locked until an arbiter resolves them
//  5. Either party cancels before delivery → refund minus cancellation fee
//
// Every transition goes through the Coordinator, which serializes work per
// record, commits the new state together with its side effects, and only then
// hands the effects to the Dispatcher.
package escrow

import (
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

// State is the custody state of an escrow.
type State string

const (
	StatePending   State = "pending"   // awaiting gateway confirmation
	StateHeld      State = "held"      // funds in custody
	StateDisputed  State = "disputed"  // payer disputed; awaiting arbitration
	StateReleased  State = "released"  // paid out to the payee
	StateCancelled State = "cancelled" // refunded to the payer
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateHeld, StateDisputed, StateReleased, StateCancelled:
		return true
	}
	return false
}

// Resolution records how a terminal escrow got there.
type Resolution string

const (
	ResolutionConfirmed         Resolution = "confirmed"
	ResolutionAutoReleased      Resolution = "auto_released"
	ResolutionCancelled         Resolution = "cancelled"
	ResolutionArbitratedRelease Resolution = "arbitrated_release"
	ResolutionArbitratedRefund  Resolution = "arbitrated_refund"
	ResolutionArbitratedPartial Resolution = "arbitrated_partial"
)

// DefaultGracePeriod is how long a payer has to confirm or dispute after delivery.
const DefaultGracePeriod = 48 * time.Hour

// PlatformAccountID is the ledger account that receives commission.
const PlatformAccountID = "platform"

// Escrow is the custody record for one funded (job, application) pair.
//
// Amount, the parties and the commission split are fixed at funding.
// Amount = PlatformCommission + PayeeEarnings always holds. On a terminal
// record RefundAmount + PayoutAmount + commission taken equals Amount.
type Escrow struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	ApplicationID string `json:"applicationId"`
	PayerID       string `json:"payerId"`
	PayeeID       string `json:"payeeId"`
	Amount        int64  `json:"amount"`

	CommissionTier     fees.Tier `json:"commissionTier"`
	CommissionRateBps  int64     `json:"commissionRateBps"`
	PlatformCommission int64     `json:"platformCommission"`
	PayeeEarnings      int64     `json:"payeeEarnings"`

	State       State      `json:"state"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`

	DisputeReason   string     `json:"disputeReason,omitempty"`
	DisputeEvidence []string   `json:"disputeEvidence,omitempty"`
	DisputedAt      *time.Time `json:"disputedAt,omitempty"`

	ProviderArrived bool  `json:"providerArrived,omitempty"`
	CancellationFee int64 `json:"cancellationFee"`
	RefundAmount    int64 `json:"refundAmount"`
	PayoutAmount    int64 `json:"payoutAmount"`

	Resolution Resolution `json:"resolution,omitempty"`
	ArbiterID  string     `json:"arbiterId,omitempty"`

	GatewayReference string `json:"gatewayReference"`
	Version          int64  `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow can never transition again.
func (e *Escrow) IsTerminal() bool {
	return e.State == StateReleased || e.State == StateCancelled
}

// IsDelivered reports whether the payee has marked the work delivered.
func (e *Escrow) IsDelivered() bool {
	return e.DeliveredAt != nil
}

// AutoReleaseAt returns when the grace window closes, or nil if undelivered.
func (e *Escrow) AutoReleaseAt(grace time.Duration) *time.Time {
	if e.DeliveredAt == nil {
		return nil
	}
	t := e.DeliveredAt.Add(grace)
	return &t
}

// IsParty reports whether userID is the payer or the payee.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.PayerID || userID == e.PayeeID)
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		cp.DeliveredAt = &t
	}
	if e.DisputedAt != nil {
		t := *e.DisputedAt
		cp.DisputedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	if e.DisputeEvidence != nil {
		cp.DisputeEvidence = append([]string(nil), e.DisputeEvidence...)
	}
	return &cp
}
