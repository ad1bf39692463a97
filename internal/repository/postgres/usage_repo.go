package postgres

import (
	"context"
	"errors"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UsageRepo stores the versioned storage usage ledger.
type UsageRepo struct{ db *DB }

// NewUsageRepo constructs a usage repository.
func NewUsageRepo(db *DB) *UsageRepo { return &UsageRepo{db: db} }

// Read returns zero usage at version 0 when the owner has no row yet.
func (r *UsageRepo) Read(ctx context.Context, ownerID uuid.UUID) (model.QuotaLedgerEntry, error) {
	const q = `SELECT used_bytes, ver FROM storage_usage WHERE owner_id=$1`
	e := model.QuotaLedgerEntry{OwnerID: ownerID}
	if err := r.db.Pool.QueryRow(ctx, q, ownerID).Scan(&e.CurrentUsageBytes, &e.Ver); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, nil
		}
		return model.QuotaLedgerEntry{}, err
	}
	return e, nil
}

// CompareAndSet writes usage only if the row is still at ver.
func (r *UsageRepo) CompareAndSet(ctx context.Context, ownerID uuid.UUID, ver, usage int64) (int64, error) {
	const ins = `
INSERT INTO storage_usage (owner_id, used_bytes, ver) VALUES ($1, $2, 1)
ON CONFLICT (owner_id) DO NOTHING`
	const upd = `
UPDATE storage_usage SET used_bytes=$2, ver=ver+1, updated_at=now()
WHERE owner_id=$1 AND ver=$3`

	if usage < 0 {
		return 0, errors.New("negative usage")
	}
	var (
		affected int64
		err      error
	)
	if ver == 0 {
		tag, e := r.db.Pool.Exec(ctx, ins, ownerID, usage)
		affected, err = tag.RowsAffected(), e
	} else {
		tag, e := r.db.Pool.Exec(ctx, upd, ownerID, usage, ver)
		affected, err = tag.RowsAffected(), e
	}
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, errs.ErrVersionConflict
	}
	return ver + 1, nil
}
