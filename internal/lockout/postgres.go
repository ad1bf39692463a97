package lockout

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/vaultsync/internal/model"
)

// PG is a PostgreSQL-backed lockout store over the account_lockout table.
type PG struct {
	pool pgxQuerier
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed lockout store.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// NewPGWithQuerier constructs a PostgreSQL-backed lockout store over any querier.
func NewPGWithQuerier(q pgxQuerier) *PG {
	return &PG{pool: q}
}

// Get loads the record for key; no row means no failures.
func (s *PG) Get(ctx context.Context, key string) (model.LockoutRecord, error) {
	const q = `SELECT failed_attempts, lockout_until FROM account_lockout WHERE account_key=$1`
	rec := model.LockoutRecord{AccountKey: key}
	var until *time.Time
	err := s.pool.QueryRow(ctx, q, key).Scan(&rec.FailedAttempts, &until)
	switch {
	case err == nil:
		rec.LockoutUntil = until
		return rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		return rec, nil
	default:
		return model.LockoutRecord{}, err
	}
}

// ClearExpired resets the record only when its lockout has passed; concurrent callers clear once.
func (s *PG) ClearExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	const q = `
UPDATE account_lockout
SET failed_attempts=0, lockout_until=NULL, updated_at=now()
WHERE account_key=$1 AND lockout_until IS NOT NULL AND lockout_until <= $2`
	tag, err := s.pool.Exec(ctx, q, key, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Fail records a failed attempt and returns the updated counter.
func (s *PG) Fail(ctx context.Context, key string) (int, error) {
	const q = `
INSERT INTO account_lockout (account_key, failed_attempts, lockout_until, updated_at)
VALUES ($1, 1, NULL, now())
ON CONFLICT (account_key) DO UPDATE
SET failed_attempts = account_lockout.failed_attempts + 1, updated_at = now()
RETURNING failed_attempts`
	var fails int
	if err := s.pool.QueryRow(ctx, q, key).Scan(&fails); err != nil {
		return 0, err
	}
	return fails, nil
}

// Lock sets the lockout expiry for key.
func (s *PG) Lock(ctx context.Context, key string, until time.Time) error {
	const q = `
INSERT INTO account_lockout (account_key, failed_attempts, lockout_until, updated_at)
VALUES ($1, 0, $2, now())
ON CONFLICT (account_key)
DO UPDATE SET lockout_until=$2, updated_at=now()`
	_, err := s.pool.Exec(ctx, q, key, until)
	return err
}

// Reset clears counters for key.
func (s *PG) Reset(ctx context.Context, key string) error {
	const q = `
INSERT INTO account_lockout (account_key, failed_attempts, lockout_until, updated_at)
VALUES ($1, 0, NULL, now())
ON CONFLICT (account_key)
DO UPDATE SET failed_attempts=0, lockout_until=NULL, updated_at=now()`
	_, err := s.pool.Exec(ctx, q, key)
	return err
}
