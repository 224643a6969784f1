package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/taskmarket/internal/fees"
	"github.com/mbd888/taskmarket/internal/pagination"
)

// PostgresStore persists escrows and their outbox in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, job_id, application_id, payer_id, payee_id, amount,
		       commission_tier, commission_rate_bps, platform_commission, payee_earnings,
		       state, delivered_at, dispute_reason, dispute_evidence, disputed_at,
		       provider_arrived, cancellation_fee, refund_amount, payout_amount,
		       resolution, arbiter_id, gateway_reference, version,
		       created_at, updated_at, resolved_at`

const effectColumns = `id, escrow_id, kind, user_id, amount, reason, template, payload,
		       status, attempts, next_attempt_at, last_error, created_at, delivered_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, effects []Effect) error {
	evidence, err := marshalEvidence(e.DisputeEvidence)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23,
			$24, $25, $26
		)`,
		e.ID, e.JobID, e.ApplicationID, e.PayerID, e.PayeeID, e.Amount,
		string(e.CommissionTier), e.CommissionRateBps, e.PlatformCommission, e.PayeeEarnings,
		string(e.State), nullTime(e.DeliveredAt), nullString(e.DisputeReason), evidence, nullTime(e.DisputedAt),
		e.ProviderArrived, e.CancellationFee, e.RefundAmount, e.PayoutAmount,
		nullString(string(e.Resolution)), nullString(e.ArbiterID), e.GatewayReference, e.Version,
		e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEscrow
		}
		return err
	}

	if err := insertEffects(ctx, tx, effects); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

func (p *PostgresStore) GetByGatewayReference(ctx context.Context, ref string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE gateway_reference = $1`, ref)
}

func (p *PostgresStore) GetByApplication(ctx context.Context, jobID, applicationID string) (*Escrow, error) {
	return p.getOne(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1 AND application_id = $2`, jobID, applicationID)
}

func (p *PostgresStore) GetByJob(ctx context.Context, jobID string) (*Escrow, error) {
	return p.getOne(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE job_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, jobID)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...any) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update is a compare-and-swap on version. The record and its effects commit
// together or not at all.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow, expectedVersion int64, effects []Effect) error {
	evidence, err := marshalEvidence(e.DisputeEvidence)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, delivered_at = $2, dispute_reason = $3, dispute_evidence = $4,
			disputed_at = $5, provider_arrived = $6, cancellation_fee = $7,
			refund_amount = $8, payout_amount = $9, resolution = $10, arbiter_id = $11,
			updated_at = $12, resolved_at = $13, version = version + 1
		WHERE id = $14 AND version = $15`,
		string(e.State), nullTime(e.DeliveredAt), nullString(e.DisputeReason), evidence,
		nullTime(e.DisputedAt), e.ProviderArrived, e.CancellationFee,
		e.RefundAmount, e.PayoutAmount, nullString(string(e.Resolution)), nullString(e.ArbiterID),
		e.UpdatedAt, nullTime(e.ResolvedAt),
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrVersionConflict
	}

	if err := insertEffects(ctx, tx, effects); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	if after == nil {
		return p.list(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE payer_id = $1 OR payee_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	return p.list(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE (payer_id = $1 OR payee_id = $1)
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Escrow, error) {
	return p.list(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, deliveredBefore time.Time, limit int) ([]*Escrow, error) {
	return p.list(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = 'held'
		  AND delivered_at IS NOT NULL
		  AND delivered_at <= $1
		ORDER BY delivered_at ASC
		LIMIT $2`, deliveredBefore, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PendingEffects(ctx context.Context, now time.Time, limit int) ([]Effect, error) {
	return p.listEffects(ctx, `
		SELECT `+effectColumns+`
		FROM escrow_effects
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListEffects(ctx context.Context, escrowID string) ([]Effect, error) {
	return p.listEffects(ctx, `
		SELECT `+effectColumns+`
		FROM escrow_effects
		WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC`, escrowID)
}

func (p *PostgresStore) MarkEffectDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_effects SET
			status = 'delivered', delivered_at = $1, attempts = attempts + 1, last_error = NULL
		WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) MarkEffectFailed(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string, dead bool) error {
	status := EffectPending
	if dead {
		status = EffectDead
	}
	// a concurrent successful delivery wins; the failure is then dropped
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrow_effects SET
			status = $1, attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5 AND status = 'pending'`,
		string(status), attempts, nextAttempt, nullString(lastErr), id)
	return err
}

func (p *PostgresStore) RequeueEffect(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_effects SET
			status = 'pending', attempts = 0, next_attempt_at = $1
		WHERE id = $2 AND status = 'dead'`, at, id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_effects WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrEffectNotFound
	}
	return ErrEffectNotDead
}

func (p *PostgresStore) listEffects(ctx context.Context, query string, args ...any) ([]Effect, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Effect
	for rows.Next() {
		f, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func insertEffects(ctx context.Context, tx *sql.Tx, effects []Effect) error {
	for _, f := range effects {
		payload := []byte("{}")
		var err error
		if f.Payload != nil {
			payload, err = json.Marshal(f.Payload)
		}
		if err != nil {
			return fmt.Errorf("encode effect payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_effects (`+effectColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO NOTHING`,
			f.ID, f.EscrowID, string(f.Kind), f.UserID, f.Amount,
			nullString(f.Reason), nullString(f.Template), payload,
			string(f.Status), f.Attempts, f.NextAttemptAt, nullString(f.LastError),
			f.CreatedAt, nullTime(f.DeliveredAt),
		)
		if err != nil {
			return fmt.Errorf("failed to queue %s effect: %w", f.Kind, err)
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		tier, state   string
		deliveredAt   sql.NullTime
		disputedAt    sql.NullTime
		resolvedAt    sql.NullTime
		disputeReason sql.NullString
		resolution    sql.NullString
		arbiterID     sql.NullString
		evidenceJSON  []byte
	)

	err := s.Scan(
		&e.ID, &e.JobID, &e.ApplicationID, &e.PayerID, &e.PayeeID, &e.Amount,
		&tier, &e.CommissionRateBps, &e.PlatformCommission, &e.PayeeEarnings,
		&state, &deliveredAt, &disputeReason, &evidenceJSON, &disputedAt,
		&e.ProviderArrived, &e.CancellationFee, &e.RefundAmount, &e.PayoutAmount,
		&resolution, &arbiterID, &e.GatewayReference, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	e.CommissionTier = fees.Tier(tier)
	e.State = State(state)
	e.DisputeReason = disputeReason.String
	e.Resolution = Resolution(resolution.String)
	e.ArbiterID = arbiterID.String
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &e.DisputeEvidence); err != nil {
			return nil, fmt.Errorf("decode dispute evidence for %s: %w", e.ID, err)
		}
		if len(e.DisputeEvidence) == 0 {
			e.DisputeEvidence = nil
		}
	}
	return e, nil
}

func scanEffect(s scanner) (Effect, error) {
	var (
		f           Effect
		kind        string
		status      string
		reason      sql.NullString
		template    sql.NullString
		lastErr     sql.NullString
		deliveredAt sql.NullTime
		payloadJSON []byte
	)
	err := s.Scan(
		&f.ID, &f.EscrowID, &kind, &f.UserID, &f.Amount, &reason, &template, &payloadJSON,
		&status, &f.Attempts, &f.NextAttemptAt, &lastErr, &f.CreatedAt, &deliveredAt,
	)
	if err != nil {
		return Effect{}, err
	}
	f.Kind = EffectKind(kind)
	f.Status = EffectStatus(status)
	f.Reason = reason.String
	f.Template = template.String
	f.LastError = lastErr.String
	if deliveredAt.Valid {
		f.DeliveredAt = &deliveredAt.Time
	}
	if len(payloadJSON) > 0 && string(payloadJSON) != "null" {
		if err := json.Unmarshal(payloadJSON, &f.Payload); err != nil {
			return Effect{}, fmt.Errorf("decode effect payload for %s: %w", f.ID, err)
		}
	}
	return f, nil
}

func marshalEvidence(refs []string) ([]byte, error) {
	if refs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(refs)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
