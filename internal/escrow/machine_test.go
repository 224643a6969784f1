package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

func creditsByUser(effects []Effect) map[string]int64 {
	out := make(map[string]int64)
	for _, f := range effects {
		if f.Kind == EffectLedgerCredit {
			out[f.UserID] += f.Amount
		}
	}
	return out
}

func totalCredited(effects []Effect) int64 {
	var sum int64
	for _, f := range effects {
		if f.Kind == EffectLedgerCredit {
			sum += f.Amount
		}
	}
	return sum
}

func TestApply_ConfirmReleasesEarnings(t *testing.T) {
	cur := heldAt(10000, ptr(t0.Add(time.Hour)))
	tr, err := Apply(cur, Command{Event: EventConfirm, ActorID: payer}, DefaultPolicy(), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if tr.Escrow.State != StateReleased || tr.Escrow.Resolution != ResolutionConfirmed {
		t.Fatalf("Expected released/confirmed, got %s/%s", tr.Escrow.State, tr.Escrow.Resolution)
	}
	if tr.Escrow.PlatformCommission != 2000 || tr.Escrow.PayeeEarnings != 8000 {
		t.Errorf("Expected 2000/8000 split, got %d/%d", tr.Escrow.PlatformCommission, tr.Escrow.PayeeEarnings)
	}
	credits := creditsByUser(tr.Effects)
	if credits[payee] != 8000 || credits[PlatformAccountID] != 2000 {
		t.Errorf("Unexpected credits: %v", credits)
	}
	if cur.State != StateHeld {
		t.Error("Apply must not modify its input")
	}
	if tr.Escrow.ResolvedAt == nil {
		t.Error("Expected ResolvedAt to be set")
	}
}

func TestApply_SubscribedTierSplit(t *testing.T) {
	split, err := fees.DefaultSchedule().Split(10000, fees.TierSubscribed)
	if err != nil {
		t.Fatal(err)
	}
	e, effects := newFunded("esc_sub", fundReq(10000), split, t0)
	if e.PlatformCommission != 500 || e.PayeeEarnings != 9500 {
		t.Errorf("Expected 500/9500, got %d/%d", e.PlatformCommission, e.PayeeEarnings)
	}
	if e.State != StateHeld || e.Version != 1 {
		t.Errorf("Expected held v1, got %s v%d", e.State, e.Version)
	}
	if totalCredited(effects) != 0 {
		t.Error("Funding must not credit anyone")
	}
}

func TestApply_MarkDeliveredIsIdempotent(t *testing.T) {
	cur := heldAt(10000, nil)
	first, err := Apply(cur, Command{Event: EventMarkDelivered, ActorID: payee}, DefaultPolicy(), t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if !first.Changed || first.Escrow.DeliveredAt == nil || !first.Escrow.DeliveredAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("Expected delivery recorded at T0+1h, got %+v", first.Escrow.DeliveredAt)
	}

	again, err := Apply(first.Escrow, Command{Event: EventMarkDelivered, ActorID: payee}, DefaultPolicy(), t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Second MarkDelivered failed: %v", err)
	}
	if again.Changed || len(again.Effects) != 0 {
		t.Error("Second MarkDelivered should be a no-op")
	}
	if !again.Escrow.DeliveredAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("DeliveredAt moved to %v", again.Escrow.DeliveredAt)
	}
}

func TestApply_AutoReleaseGuard(t *testing.T) {
	delivered := t0
	cur := heldAt(10000, &delivered)
	cmd := Command{Event: EventAutoRelease, ActorID: SystemActor}

	_, err := Apply(cur, cmd, DefaultPolicy(), t0.Add(DefaultGracePeriod-time.Second))
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Expected conflict before grace elapsed, got %v", err)
	}

	tr, err := Apply(cur, cmd, DefaultPolicy(), t0.Add(DefaultGracePeriod))
	if err != nil {
		t.Fatalf("Expected release at exactly T0+48h, got %v", err)
	}
	if tr.Escrow.Resolution != ResolutionAutoReleased || tr.Escrow.PayoutAmount != 8000 {
		t.Errorf("Unexpected result: %s payout=%d", tr.Escrow.Resolution, tr.Escrow.PayoutAmount)
	}
}

func TestApply_CancelFees(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		arrived bool
		fee     int64
		refund  int64
	}{
		{"before arrival", 5000, false, 0, 5000},
		{"after arrival hits minimum", 5000, true, 2000, 3000},
		{"after arrival percentage", 100000, true, 15000, 85000},
		{"fee capped at amount", 1500, true, 1500, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cur := heldAt(tc.amount, nil)
			tr, err := Apply(cur, Command{Event: EventCancel, ActorID: payer, ProviderArrived: tc.arrived}, DefaultPolicy(), t0)
			if err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}
			e := tr.Escrow
			if e.State != StateCancelled || e.CancellationFee != tc.fee || e.RefundAmount != tc.refund {
				t.Errorf("Got state=%s fee=%d refund=%d, want fee=%d refund=%d",
					e.State, e.CancellationFee, e.RefundAmount, tc.fee, tc.refund)
			}
			credits := creditsByUser(tr.Effects)
			if credits[payer] != tc.refund || credits[payee] != tc.fee {
				t.Errorf("Unexpected credits: %v", credits)
			}
			if credits[PlatformAccountID] != 0 {
				t.Error("Cancellation must not charge commission")
			}
		})
	}
}

func TestApply_CancelByPayeeNotifiesPayer(t *testing.T) {
	tr, err := Apply(heldAt(5000, nil), Command{Event: EventCancel, ActorID: payee}, DefaultPolicy(), t0)
	if err != nil {
		t.Fatal(err)
	}
	var notified string
	for _, f := range tr.Effects {
		if f.Kind == EffectNotification {
			notified = f.UserID
		}
	}
	if notified != payer {
		t.Errorf("Expected payer to be notified, got %q", notified)
	}
}

func TestApply_Arbitrate(t *testing.T) {
	disputed := heldAt(10000, ptr(t0))
	disputed.State = StateDisputed

	tests := []struct {
		name       string
		req        ArbitrationRequest
		state      State
		payer      int64
		payee      int64
		commission int64
	}{
		{"release", ArbitrationRequest{Outcome: OutcomeRelease}, StateReleased, 0, 8000, 2000},
		{"refund", ArbitrationRequest{Outcome: OutcomeRefund}, StateCancelled, 10000, 0, 0},
		{"partial", ArbitrationRequest{Outcome: OutcomePartial, RefundAmount: 4000}, StateReleased, 4000, 4800, 1200},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: tc.req}
			tr, err := Apply(disputed, cmd, DefaultPolicy(), t0.Add(time.Hour))
			if err != nil {
				t.Fatalf("Arbitrate failed: %v", err)
			}
			if tr.Escrow.State != tc.state {
				t.Errorf("Expected %s, got %s", tc.state, tr.Escrow.State)
			}
			credits := creditsByUser(tr.Effects)
			if credits[payer] != tc.payer || credits[payee] != tc.payee || credits[PlatformAccountID] != tc.commission {
				t.Errorf("Unexpected credits: %v", credits)
			}
			if tr.Escrow.ArbiterID != arbiter {
				t.Errorf("Expected arbiter recorded, got %q", tr.Escrow.ArbiterID)
			}
		})
	}
}

func TestApply_ArbitrateRejects(t *testing.T) {
	disputed := heldAt(10000, ptr(t0))
	disputed.State = StateDisputed

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"not an arbiter", Command{Event: EventArbitrate, ActorID: "user_x", Arbitration: ArbitrationRequest{Outcome: OutcomeRelease}}, ErrPermission},
		{"party as arbiter", Command{Event: EventArbitrate, ActorID: payer, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomeRefund}}, ErrPermission},
		{"unknown outcome", Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: "split"}}, ErrValidation},
		{"partial refund zero", Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomePartial}}, ErrValidation},
		{"partial refund whole", Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomePartial, RefundAmount: 10000}}, ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(disputed, tc.cmd, DefaultPolicy(), t0)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestApply_DisputeValidation(t *testing.T) {
	cur := heldAt(10000, ptr(t0))
	long := make([]byte, MaxDisputeReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"blank reason", Command{Event: EventDispute, ActorID: payer, Reason: "   "}, ErrValidation},
		{"reason too long", Command{Event: EventDispute, ActorID: payer, Reason: string(long)}, ErrValidation},
		{"too much evidence", Command{Event: EventDispute, ActorID: payer, Reason: "bad", Evidence: make([]string, MaxEvidenceRefs+1)}, ErrValidation},
		{"payee cannot dispute", Command{Event: EventDispute, ActorID: payee, Reason: "bad"}, ErrPermission},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(cur, tc.cmd, DefaultPolicy(), t0)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	tr, err := Apply(cur, Command{Event: EventDispute, ActorID: payer, Reason: " no show ", Evidence: []string{"img_1", " ", "img_2"}}, DefaultPolicy(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Escrow.DisputeReason != "no show" || len(tr.Escrow.DisputeEvidence) != 2 {
		t.Errorf("Unexpected dispute fields: %q %v", tr.Escrow.DisputeReason, tr.Escrow.DisputeEvidence)
	}
	if totalCredited(tr.Effects) != 0 {
		t.Error("Dispute must not move money")
	}
}

// TestApply_TransitionTable checks every (state, event) pair with an
// authorized actor.
func TestApply_TransitionTable(t *testing.T) {
	policy := DefaultPolicy()
	now := t0.Add(DefaultGracePeriod + time.Hour)

	undelivered := func() *Escrow { return heldAt(10000, nil) }
	delivered := func() *Escrow { return heldAt(10000, ptr(t0)) }
	withState := func(s State) func() *Escrow {
		return func() *Escrow {
			e := delivered()
			e.State = s
			return e
		}
	}

	commands := map[Event]Command{
		EventMarkDelivered: {Event: EventMarkDelivered, ActorID: payee},
		EventConfirm:       {Event: EventConfirm, ActorID: payer},
		EventAutoRelease:   {Event: EventAutoRelease, ActorID: SystemActor},
		EventDispute:       {Event: EventDispute, ActorID: payer, Reason: "late"},
		EventCancel:        {Event: EventCancel, ActorID: payer},
		EventArbitrate:     {Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomeRelease}},
	}

	// state after a successful event; "" means StateConflictError
	table := []struct {
		name  string
		build func() *Escrow
		want  map[Event]State
	}{
		{"held undelivered", undelivered, map[Event]State{
			EventMarkDelivered: StateHeld,
			EventCancel:        StateCancelled,
		}},
		{"held delivered", delivered, map[Event]State{
			EventMarkDelivered: StateHeld,
			EventConfirm:       StateReleased,
			EventAutoRelease:   StateReleased,
			EventDispute:       StateDisputed,
		}},
		{"disputed", withState(StateDisputed), map[Event]State{
			EventArbitrate: StateReleased,
		}},
		{"pending", withState(StatePending), map[Event]State{}},
		{"released", withState(StateReleased), map[Event]State{}},
		{"cancelled", withState(StateCancelled), map[Event]State{}},
	}

	for _, row := range table {
		for ev, cmd := range commands {
			t.Run(row.name+"/"+string(ev), func(t *testing.T) {
				cur := row.build()
				tr, err := Apply(cur, cmd, policy, now)
				want, ok := row.want[ev]
				if !ok {
					var sc *StateConflictError
					if !errors.As(err, &sc) {
						t.Fatalf("Expected StateConflictError, got %v", err)
					}
					if sc.State != cur.State {
						t.Errorf("Conflict reports %s, record is %s", sc.State, cur.State)
					}
					return
				}
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				if tr.Escrow.State != want {
					t.Errorf("Expected %s, got %s", want, tr.Escrow.State)
				}
				if tr.Escrow.IsTerminal() && totalCredited(tr.Effects) != cur.Amount {
					t.Errorf("Credits %d do not conserve amount %d", totalCredited(tr.Effects), cur.Amount)
				}
			})
		}
	}
}

func TestApply_WrongActorIsPermissionError(t *testing.T) {
	cur := heldAt(10000, nil)
	tests := []Command{
		{Event: EventMarkDelivered, ActorID: payer},
		{Event: EventCancel, ActorID: "user_stranger"},
	}
	for _, cmd := range tests {
		if _, err := Apply(cur, cmd, DefaultPolicy(), t0); !errors.Is(err, ErrPermission) {
			t.Errorf("%s by %s: expected permission error, got %v", cmd.Event, cmd.ActorID, err)
		}
	}

	delivered := heldAt(10000, ptr(t0))
	if _, err := Apply(delivered, Command{Event: EventConfirm, ActorID: payee}, DefaultPolicy(), t0); !errors.Is(err, ErrPermission) {
		t.Errorf("payee confirm: expected permission error, got %v", err)
	}
}

// TestApply_Conservation checks that every resolution path credits exactly
// the funded amount, across awkward amounts.
func TestApply_Conservation(t *testing.T) {
	amounts := []int64{1, 7, 999, 2001, 10000, 33333, 1234567}
	for _, amount := range amounts {
		for _, tier := range []fees.Tier{fees.TierStandard, fees.TierSubscribed} {
			split, err := fees.DefaultSchedule().Split(amount, tier)
			if err != nil {
				t.Fatal(err)
			}
			base, _ := newFunded("esc_c", fundReq(amount), split, t0)
			if base.PlatformCommission+base.PayeeEarnings != amount {
				t.Fatalf("split does not conserve %d", amount)
			}
			delivered := base.Clone()
			delivered.DeliveredAt = ptr(t0)
			disputed := delivered.Clone()
			disputed.State = StateDisputed

			paths := []struct {
				cur *Escrow
				cmd Command
			}{
				{delivered, Command{Event: EventConfirm, ActorID: payer}},
				{base, Command{Event: EventCancel, ActorID: payer}},
				{base, Command{Event: EventCancel, ActorID: payer, ProviderArrived: true}},
				{disputed, Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomeRelease}}},
				{disputed, Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomeRefund}}},
			}
			if amount > 1 {
				paths = append(paths, struct {
					cur *Escrow
					cmd Command
				}{disputed, Command{Event: EventArbitrate, ActorID: arbiter, IsArbiter: true, Arbitration: ArbitrationRequest{Outcome: OutcomePartial, RefundAmount: amount / 2}}})
			}

			for _, p := range paths {
				tr, err := Apply(p.cur, p.cmd, DefaultPolicy(), t0.Add(time.Hour))
				if err != nil {
					t.Fatalf("amount=%d %s: %v", amount, p.cmd.Event, err)
				}
				if got := totalCredited(tr.Effects); got != amount {
					t.Errorf("amount=%d tier=%s %s/%s: credited %d", amount, tier, p.cmd.Event, p.cmd.Arbitration.Outcome, got)
				}
			}
		}
	}
}

func TestApply_EffectIDsAreDeterministic(t *testing.T) {
	cur := heldAt(10000, ptr(t0))
	cmd := Command{Event: EventConfirm, ActorID: payer}
	a, _ := Apply(cur, cmd, DefaultPolicy(), t0.Add(time.Hour))
	b, _ := Apply(cur, cmd, DefaultPolicy(), t0.Add(2*time.Hour))
	if len(a.Effects) != len(b.Effects) {
		t.Fatal("effect counts differ")
	}
	seen := map[string]bool{}
	for i := range a.Effects {
		if a.Effects[i].ID != b.Effects[i].ID {
			t.Errorf("effect %d id changed between applications", i)
		}
		if seen[a.Effects[i].ID] {
			t.Errorf("duplicate effect id %s", a.Effects[i].ID)
		}
		seen[a.Effects[i].ID] = true
	}
}
