package escrow

import (
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

// Event is a requested transition.
type Event string

const (
	EventFund          Event = "fund"
	EventMarkDelivered Event = "mark_delivered"
	EventConfirm       Event = "confirm"
	EventAutoRelease   Event = "auto_release"
	EventDispute       Event = "dispute"
	EventCancel        Event = "cancel"
	EventArbitrate     Event = "arbitrate"
)

// Outcome values accepted by Arbitrate.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
	OutcomePartial = "partial"
)

// Limits on dispute input.
const (
	MaxDisputeReasonLength = 2000
	MaxEvidenceRefs        = 20
)

// ArbitrationRequest is an arbiter's ruling on a disputed escrow.
// RefundAmount is only read for the partial outcome.
type ArbitrationRequest struct {
	Outcome      string `json:"outcome"`
	RefundAmount int64  `json:"refundAmount,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Policy is the configuration the machine applies.
type Policy struct {
	Commission   fees.Schedule
	Cancellation fees.CancellationPolicy
	GracePeriod  time.Duration
}

// DefaultPolicy returns the 20%/5% schedule, 15%/2000 cancellation and 48h grace.
func DefaultPolicy() Policy {
	return Policy{
		Commission:   fees.DefaultSchedule(),
		Cancellation: fees.DefaultCancellationPolicy(),
		GracePeriod:  DefaultGracePeriod,
	}
}

// Command is one transition request against an existing record.
type Command struct {
	Event   Event
	ActorID string

	// IsArbiter is resolved by the Coordinator before the command is applied.
	IsArbiter bool

	Reason          string
	Evidence        []string
	ProviderArrived bool
	Arbitration     ArbitrationRequest
}

// Transition is the result of applying a command. When Changed is false the
// command was an accepted no-op and nothing needs to be written.
type Transition struct {
	Escrow  *Escrow
	Effects []Effect
	Changed bool
}

// Apply validates cmd against cur and returns the next record plus the side
// effects it requires. cur is never modified. Apply does no I/O, so the same
// inputs always produce the same result.
func Apply(cur *Escrow, cmd Command, p Policy, now time.Time) (Transition, error) {
	if cur.IsTerminal() {
		return Transition{}, conflict(cur, cmd.Event, "escrow already resolved")
	}
	if cur.State == StatePending {
		return Transition{}, conflict(cur, cmd.Event, "awaiting payment confirmation")
	}

	switch cmd.Event {
	case EventMarkDelivered:
		return markDelivered(cur, cmd, p, now)
	case EventConfirm:
		if cmd.ActorID != cur.PayerID {
			return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
		}
		return release(cur, cmd.Event, now, ResolutionConfirmed)
	case EventAutoRelease:
		return autoRelease(cur, cmd, p, now)
	case EventDispute:
		return dispute(cur, cmd, now)
	case EventCancel:
		return cancel(cur, cmd, p, now)
	case EventArbitrate:
		return arbitrate(cur, cmd, now)
	default:
		return Transition{}, &ValidationError{Field: "event", Message: "unknown event " + strconv.Quote(string(cmd.Event))}
	}
}

func markDelivered(cur *Escrow, cmd Command, p Policy, now time.Time) (Transition, error) {
	if cmd.ActorID != cur.PayeeID {
		return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
	}
	if cur.State != StateHeld {
		return Transition{}, conflict(cur, cmd.Event, "funds are not held")
	}
	if cur.IsDelivered() {
		return Transition{Escrow: cur.Clone()}, nil
	}

	next := cur.Clone()
	t := now
	next.DeliveredAt = &t
	next.UpdatedAt = now

	releaseAt := next.AutoReleaseAt(p.GracePeriod)
	effects := []Effect{
		notifyEffect(next, next.PayerID, NotifyDelivered, map[string]string{
			"autoReleaseAt": releaseAt.UTC().Format(time.RFC3339),
		}),
	}
	return Transition{Escrow: next, Effects: effects, Changed: true}, nil
}

func autoRelease(cur *Escrow, cmd Command, p Policy, now time.Time) (Transition, error) {
	if cur.State != StateHeld {
		return Transition{}, conflict(cur, cmd.Event, "funds are not held")
	}
	if !cur.IsDelivered() {
		return Transition{}, conflict(cur, cmd.Event, "not delivered")
	}
	if now.Sub(*cur.DeliveredAt) < p.GracePeriod {
		return Transition{}, conflict(cur, cmd.Event, "grace period has not elapsed")
	}
	return release(cur, cmd.Event, now, ResolutionAutoReleased)
}

// release pays the frozen earnings to the payee and the commission to the
// platform. Shared by Confirm and auto-release.
func release(cur *Escrow, ev Event, now time.Time, res Resolution) (Transition, error) {
	if cur.State != StateHeld {
		return Transition{}, conflict(cur, ev, "funds are not held")
	}
	if !cur.IsDelivered() {
		return Transition{}, conflict(cur, ev, "not delivered")
	}

	next := cur.Clone()
	next.State = StateReleased
	next.Resolution = res
	next.PayoutAmount = next.PayeeEarnings
	next.RefundAmount = 0
	resolve(next, now)

	effects := payoutEffects(next, next.PayeeEarnings, next.PlatformCommission)
	effects = append(effects, notifyEffect(next, next.PayeeID, NotifyReleased, map[string]string{
		"amount":     strconv.FormatInt(next.PayoutAmount, 10),
		"resolution": string(res),
	}))
	return Transition{Escrow: next, Effects: effects, Changed: true}, nil
}

func dispute(cur *Escrow, cmd Command, now time.Time) (Transition, error) {
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return Transition{}, &ValidationError{Field: "reason", Message: "is required"}
	}
	if len(reason) > MaxDisputeReasonLength {
		return Transition{}, &ValidationError{Field: "reason", Message: "too long"}
	}
	if len(cmd.Evidence) > MaxEvidenceRefs {
		return Transition{}, &ValidationError{Field: "evidence", Message: "too many references"}
	}
	if cmd.ActorID != cur.PayerID {
		return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
	}
	if cur.State != StateHeld {
		return Transition{}, conflict(cur, cmd.Event, "funds are not held")
	}
	if !cur.IsDelivered() {
		return Transition{}, conflict(cur, cmd.Event, "not delivered; cancel instead")
	}

	next := cur.Clone()
	next.State = StateDisputed
	next.DisputeReason = reason
	next.DisputeEvidence = compactRefs(cmd.Evidence)
	t := now
	next.DisputedAt = &t
	next.UpdatedAt = now

	effects := []Effect{
		notifyEffect(next, next.PayeeID, NotifyDisputed, map[string]string{"reason": reason}),
	}
	return Transition{Escrow: next, Effects: effects, Changed: true}, nil
}

func cancel(cur *Escrow, cmd Command, p Policy, now time.Time) (Transition, error) {
	if !cur.IsParty(cmd.ActorID) {
		return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
	}
	if cur.State != StateHeld {
		return Transition{}, conflict(cur, cmd.Event, "funds are not held")
	}
	if cur.IsDelivered() {
		return Transition{}, conflict(cur, cmd.Event, "already delivered; confirm or dispute instead")
	}

	c, err := p.Cancellation.Compute(cur.Amount, cmd.ProviderArrived)
	if err != nil {
		return Transition{}, err
	}

	next := cur.Clone()
	next.State = StateCancelled
	next.Resolution = ResolutionCancelled
	next.ProviderArrived = cmd.ProviderArrived
	next.CancellationFee = c.Fee
	next.RefundAmount = c.Refund
	next.PayoutAmount = c.Fee
	resolve(next, now)

	var effects []Effect
	if c.Refund > 0 {
		effects = append(effects, creditEffect(next, next.PayerID, c.Refund, ReasonRefund))
	}
	if c.Fee > 0 {
		effects = append(effects, creditEffect(next, next.PayeeID, c.Fee, ReasonCancellationFee))
	}
	payload := map[string]string{
		"cancelledBy":     cmd.ActorID,
		"cancellationFee": strconv.FormatInt(c.Fee, 10),
		"refundAmount":    strconv.FormatInt(c.Refund, 10),
	}
	other := next.PayeeID
	if cmd.ActorID == next.PayeeID {
		other = next.PayerID
	}
	effects = append(effects, notifyEffect(next, other, NotifyCancelled, payload))
	return Transition{Escrow: next, Effects: effects, Changed: true}, nil
}

func arbitrate(cur *Escrow, cmd Command, now time.Time) (Transition, error) {
	if !cmd.IsArbiter {
		return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
	}
	if cur.IsParty(cmd.ActorID) {
		// parties never rule on their own dispute
		return Transition{}, &PermissionError{ActorID: cmd.ActorID, Event: cmd.Event}
	}
	if cur.State != StateDisputed {
		return Transition{}, conflict(cur, cmd.Event, "escrow is not disputed")
	}

	next := cur.Clone()
	next.ArbiterID = cmd.ActorID
	var effects []Effect

	switch cmd.Arbitration.Outcome {
	case OutcomeRelease:
		next.State = StateReleased
		next.Resolution = ResolutionArbitratedRelease
		next.PayoutAmount = next.PayeeEarnings
		effects = payoutEffects(next, next.PayeeEarnings, next.PlatformCommission)

	case OutcomeRefund:
		next.State = StateCancelled
		next.Resolution = ResolutionArbitratedRefund
		next.CancellationFee = 0
		next.RefundAmount = next.Amount
		effects = append(effects, creditEffect(next, next.PayerID, next.Amount, ReasonRefund))

	case OutcomePartial:
		refund := cmd.Arbitration.RefundAmount
		if refund <= 0 || refund >= next.Amount {
			return Transition{}, &ValidationError{
				Field:   "refundAmount",
				Message: "must be between 1 and " + strconv.FormatInt(next.Amount-1, 10),
			}
		}
		// the released remainder pays commission at the rate frozen at funding
		remainder := next.Amount - refund
		earnings := fees.MulBps(remainder, fees.BasisPoints-next.CommissionRateBps)
		next.State = StateReleased
		next.Resolution = ResolutionArbitratedPartial
		next.RefundAmount = refund
		next.PayoutAmount = earnings
		effects = append(effects, creditEffect(next, next.PayerID, refund, ReasonRefund))
		effects = append(effects, payoutEffects(next, earnings, remainder-earnings)...)

	default:
		return Transition{}, &ValidationError{Field: "outcome", Message: "must be release, refund, or partial"}
	}
	resolve(next, now)

	payload := map[string]string{
		"outcome":      cmd.Arbitration.Outcome,
		"payoutAmount": strconv.FormatInt(next.PayoutAmount, 10),
		"refundAmount": strconv.FormatInt(next.RefundAmount, 10),
	}
	effects = append(effects,
		notifyEffect(next, next.PayerID, NotifyArbitrated, copyPayload(payload)),
		notifyEffect(next, next.PayeeID, NotifyArbitrated, copyPayload(payload)),
	)
	return Transition{Escrow: next, Effects: effects, Changed: true}, nil
}

// newFunded builds the held record for a confirmed payment.
func newFunded(id string, req FundRequest, split fees.Split, now time.Time) (*Escrow, []Effect) {
	e := &Escrow{
		ID:                 id,
		JobID:              req.JobID,
		ApplicationID:      req.ApplicationID,
		PayerID:            req.PayerID,
		PayeeID:            req.PayeeID,
		Amount:             req.Amount,
		CommissionTier:     split.Tier,
		CommissionRateBps:  split.RateBps,
		PlatformCommission: split.Commission,
		PayeeEarnings:      split.Earnings,
		State:              StateHeld,
		GatewayReference:   req.GatewayReference,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	amount := strconv.FormatInt(e.Amount, 10)
	effects := []Effect{
		notifyEffect(e, e.PayerID, NotifyFunded, map[string]string{"amount": amount}),
		notifyEffect(e, e.PayeeID, NotifyFunded, map[string]string{
			"amount":   amount,
			"earnings": strconv.FormatInt(e.PayeeEarnings, 10),
		}),
	}
	return e, effects
}

func payoutEffects(e *Escrow, earnings, commission int64) []Effect {
	var effects []Effect
	if earnings > 0 {
		effects = append(effects, creditEffect(e, e.PayeeID, earnings, ReasonPayout))
	}
	if commission > 0 {
		effects = append(effects, creditEffect(e, PlatformAccountID, commission, ReasonCommission))
	}
	return effects
}

func resolve(e *Escrow, now time.Time) {
	t := now
	e.ResolvedAt = &t
	e.UpdatedAt = now
}

func compactRefs(refs []string) []string {
	var out []string
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func copyPayload(p map[string]string) map[string]string {
	cp := make(map[string]string, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
