package accounts

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/taskmarket/internal/fees"
)

const accountColumns = `frozen, frozen_reason, tier, subscription_expires_at, created_at, updated_at`

// PostgresStore persists accounts in PostgreSQL. Each setter is a single
// upsert touching only its columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	a, err := scanAccount(userID, p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) SetFrozen(ctx context.Context, userID string, frozen bool, reason string, at time.Time) (*Account, error) {
	return scanAccount(userID, p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, frozen, frozen_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			frozen = EXCLUDED.frozen,
			frozen_reason = EXCLUDED.frozen_reason,
			updated_at = EXCLUDED.updated_at
		RETURNING `+accountColumns,
		userID, frozen, nullString(reason), at))
}

func (p *PostgresStore) SetSubscription(ctx context.Context, userID string, tier fees.Tier, expiresAt *time.Time, at time.Time) (*Account, error) {
	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	return scanAccount(userID, p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, tier, subscription_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			subscription_expires_at = EXCLUDED.subscription_expires_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+accountColumns,
		userID, string(tier), expires, at))
}

func scanAccount(userID string, row *sql.Row) (*Account, error) {
	a := &Account{UserID: userID}
	var (
		tier    string
		reason  sql.NullString
		expires sql.NullTime
	)
	if err := row.Scan(&a.Frozen, &reason, &tier, &expires, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Tier = fees.Tier(tier)
	a.FrozenReason = reason.String
	if expires.Valid {
		t := expires.Time
		a.SubscriptionExpiresAt = &t
	}
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
