package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrValidation        = errors.New("invalid request")
	ErrStateConflict     = errors.New("transition not allowed in current state")
	ErrPermission        = errors.New("not authorized for this escrow operation")
	ErrAccountRestricted = errors.New("account restricted")
	ErrSideEffect        = errors.New("side effect failed")
	ErrGatewayRetryable  = errors.New("payment gateway unavailable")
	ErrPaymentDeclined   = errors.New("payment declined")

	// Store-level errors. The Coordinator translates these before they
	// reach callers.
	ErrDuplicateEscrow = errors.New("escrow already exists")
	ErrVersionConflict = errors.New("escrow version conflict")
	ErrEffectNotFound  = errors.New("effect not found")
	ErrEffectNotDead   = errors.New("effect is not dead")
)

// ValidationError reports malformed input. Nothing was written.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StateConflictError reports a transition that is illegal from the record's
// current state. State is always the state actually stored.
type StateConflictError struct {
	EscrowID string `json:"escrowId"`
	Event    Event  `json:"event"`
	State    State  `json:"state"`
	Reason   string `json:"reason"`
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("escrow %s: cannot %s while %s: %s", e.EscrowID, e.Event, e.State, e.Reason)
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// PermissionError reports an actor that may not perform the event.
type PermissionError struct {
	ActorID string `json:"actorId"`
	Event   Event  `json:"event"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("actor %q may not %s this escrow", e.ActorID, e.Event)
}

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// AccountRestrictedError reports a frozen payer or payee.
type AccountRestrictedError struct {
	UserID string `json:"userId"`
}

func (e *AccountRestrictedError) Error() string {
	return fmt.Sprintf("account %s is restricted", e.UserID)
}

func (e *AccountRestrictedError) Is(target error) bool { return target == ErrAccountRestricted }

// SideEffectFailure reports a post-commit effect that did not go through.
// The committed transition stands; the Dispatcher retries the effect.
type SideEffectFailure struct {
	EffectID string
	Kind     EffectKind
	Err      error
}

func (e *SideEffectFailure) Error() string {
	return fmt.Sprintf("%s effect %s: %v", e.Kind, e.EffectID, e.Err)
}

func (e *SideEffectFailure) Is(target error) bool { return target == ErrSideEffect }

func (e *SideEffectFailure) Unwrap() error { return e.Err }

// GatewayError is returned by a PaymentGateway when a payment cannot be
// confirmed. Retryable distinguishes "try again" from "payment failed".
type GatewayError struct {
	Reference string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "declined"
	if e.Retryable {
		kind = "unavailable"
	}
	if e.Err == nil {
		return fmt.Sprintf("payment %s %s", e.Reference, kind)
	}
	return fmt.Sprintf("payment %s %s: %v", e.Reference, kind, e.Err)
}

func (e *GatewayError) Is(target error) bool {
	if e.Retryable {
		return target == ErrGatewayRetryable
	}
	return target == ErrPaymentDeclined
}

func (e *GatewayError) Unwrap() error { return e.Err }

func conflict(e *Escrow, ev Event, reason string) *StateConflictError {
	return &StateConflictError{EscrowID: e.ID, Event: ev, State: e.State, Reason: reason}
}
