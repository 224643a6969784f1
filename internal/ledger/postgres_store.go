package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Credit inserts the entry and bumps the balance in one transaction. The
// unique index on correlation_id turns a replay into a no-op.
func (p *PostgresStore) Credit(ctx context.Context, e *Entry) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, reason, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (correlation_id) DO NOTHING
	`, e.ID, e.UserID, e.Amount, e.Reason, e.CorrelationID, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = ledger_balances.balance + EXCLUDED.balance,
		    updated_at = EXCLUDED.updated_at
	`, e.UserID, e.Amount, e.CreatedAt); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

const entryColumns = `id, user_id, amount, reason, correlation_id, created_at`

func (p *PostgresStore) GetByCorrelation(ctx context.Context, correlationID string) (*Entry, error) {
	e := &Entry{}
	err := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE correlation_id = $1
	`, correlationID).Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.CorrelationID, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM ledger_balances WHERE user_id = $1
	`, userID).Scan(&bal.Balance, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
