package escrow

import (
	"context"
	"time"

	"github.com/mbd888/taskmarket/internal/pagination"
)

// Store persists escrows and their outbox. Create and Update write the record
// and its effects atomically.
type Store interface {
	// Create inserts a new record. It returns ErrDuplicateEscrow when the
	// gateway reference or the (job, application) pair is already taken.
	Create(ctx context.Context, e *Escrow, effects []Effect) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByGatewayReference(ctx context.Context, ref string) (*Escrow, error)
	GetByApplication(ctx context.Context, jobID, applicationID string) (*Escrow, error)
	// GetByJob returns the most recently created record for the job.
	GetByJob(ctx context.Context, jobID string) (*Escrow, error)

	// Update writes e if the stored version still equals expectedVersion,
	// bumping e.Version. Otherwise it returns ErrVersionConflict and writes
	// nothing.
	Update(ctx context.Context, e *Escrow, expectedVersion int64, effects []Effect) error

	// ListByParty returns records where userID is payer or payee, newest
	// first. A non-nil after resumes strictly past that (createdAt, id).
	ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Escrow, error)
	// ListDueForRelease returns held records delivered at or before
	// deliveredBefore, oldest delivery first.
	ListDueForRelease(ctx context.Context, deliveredBefore time.Time, limit int) ([]*Escrow, error)

	EffectStore
}

// EffectStore is the outbox half of Store, used by the Dispatcher.
type EffectStore interface {
	// PendingEffects returns pending effects whose NextAttemptAt is not after
	// now, oldest first.
	PendingEffects(ctx context.Context, now time.Time, limit int) ([]Effect, error)
	ListEffects(ctx context.Context, escrowID string) ([]Effect, error)
	MarkEffectDelivered(ctx context.Context, id string, at time.Time) error
	// MarkEffectFailed records a failed attempt. With dead set the effect
	// leaves the retry queue.
	MarkEffectFailed(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string, dead bool) error
	// RequeueEffect moves a dead effect back to pending, due at, with its
	// attempt count reset. It returns ErrEffectNotFound for unknown ids and
	// ErrEffectNotDead for effects that are not dead.
	RequeueEffect(ctx context.Context, id string, at time.Time) error
}
