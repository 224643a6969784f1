package escrow

import (
	"time"

	"github.com/mbd888/taskmarket/internal/idgen"
)

// EffectKind identifies what a queued side effect does.
type EffectKind string

const (
	EffectLedgerCredit EffectKind = "ledger_credit"
	EffectNotification EffectKind = "notification"
)

// EffectStatus tracks an outbox row.
type EffectStatus string

const (
	EffectPending   EffectStatus = "pending"
	EffectDelivered EffectStatus = "delivered"
	EffectDead      EffectStatus = "dead" // gave up until requeued
)

// Credit reasons.
const (
	ReasonPayout          = "escrow_payout"
	ReasonCommission      = "escrow_commission"
	ReasonRefund          = "escrow_refund"
	ReasonCancellationFee = "escrow_cancellation_fee"
)

// Notification templates.
const (
	NotifyFunded          = "escrow_funded"
	NotifyDelivered       = "escrow_delivered"
	NotifyReleased        = "escrow_released"
	NotifyDisputed        = "escrow_disputed"
	NotifyCancelled       = "escrow_cancelled"
	NotifyArbitrated      = "escrow_arbitrated"
	NotifyAutoReleaseSoon = "escrow_auto_release_scheduled"
)

// Effect is a side-effect request written in the same commit as the
// transition that produced it. Ledger credits use ID as their correlation
// id, so redelivery never double-credits.
type Effect struct {
	ID       string     `json:"id"`
	EscrowID string     `json:"escrowId"`
	Kind     EffectKind `json:"kind"`
	UserID   string     `json:"userId"`

	// ledger_credit
	Amount int64  `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`

	// notification
	Template string            `json:"template,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`

	Status        EffectStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	LastError     string       `json:"lastError,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	DeliveredAt   *time.Time   `json:"deliveredAt,omitempty"`
}

// CorrelationID is the idempotency key handed to the ledger.
func (f Effect) CorrelationID() string { return f.ID }

func creditEffect(e *Escrow, userID string, amount int64, reason string) Effect {
	return Effect{
		ID:       idgen.Correlation(e.ID, string(EffectLedgerCredit), reason, userID),
		EscrowID: e.ID,
		Kind:     EffectLedgerCredit,
		UserID:   userID,
		Amount:   amount,
		Reason:   reason,
		Status:   EffectPending,
	}
}

func notifyEffect(e *Escrow, userID, template string, payload map[string]string) Effect {
	if payload == nil {
		payload = map[string]string{}
	}
	payload["escrowId"] = e.ID
	payload["jobId"] = e.JobID
	payload["state"] = string(e.State)
	return Effect{
		ID:       idgen.Correlation(e.ID, string(EffectNotification), template, userID),
		EscrowID: e.ID,
		Kind:     EffectNotification,
		UserID:   userID,
		Template: template,
		Payload:  payload,
		Status:   EffectPending,
	}
}

// stamp fills bookkeeping fields right before the effects are persisted.
// The first attempt is left to the inline dispatch, so background retries
// start after retryAfter.
func stamp(effects []Effect, now time.Time, retryAfter time.Duration) {
	for i := range effects {
		effects[i].CreatedAt = now
		effects[i].NextAttemptAt = now.Add(retryAfter)
		effects[i].Status = EffectPending
	}
}

func cloneEffect(f Effect) Effect {
	cp := f
	if f.Payload != nil {
		cp.Payload = make(map[string]string, len(f.Payload))
		for k, v := range f.Payload {
			cp.Payload[k] = v
		}
	}
	if f.DeliveredAt != nil {
		t := *f.DeliveredAt
		cp.DeliveredAt = &t
	}
	return cp
}
