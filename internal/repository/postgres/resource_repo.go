package postgres

import (
	"context"
	"encoding/json"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ResourceRepo implements ResourceRepository using PostgreSQL.
type ResourceRepo struct{ db *DB }

// NewResourceRepo constructs a resource repository.
func NewResourceRepo(db *DB) *ResourceRepo { return &ResourceRepo{db: db} }

var resourceCols = []string{
	"id", "owner_id", "kind", "parent_id", "depth", "name", "size_bytes", "payload", "ver", "created_at",
}

func scanResource(row pgx.Row) (model.Resource, error) {
	var (
		res     model.Resource
		kind    string
		payload []byte
	)
	if err := row.Scan(&res.ID, &res.OwnerID, &kind, &res.ParentID, &res.Depth, &res.Name,
		&res.SizeBytes, &payload, &res.Ver, &res.CreatedAt); err != nil {
		return model.Resource{}, err
	}
	res.Kind = model.ResourceKind(kind)
	if len(payload) > 0 {
		res.Payload = json.RawMessage(payload)
	}
	return res, nil
}

// Insert stores a new resource at version 1 and fills in its creation time.
func (r *ResourceRepo) Insert(ctx context.Context, res *model.Resource) error {
	const q = `
INSERT INTO resources (id, owner_id, kind, parent_id, depth, name, size_bytes, payload, ver)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
RETURNING created_at`
	var payload []byte
	if len(res.Payload) > 0 {
		payload = res.Payload
	}
	err := r.db.Pool.QueryRow(ctx, q, res.ID, res.OwnerID, string(res.Kind), res.ParentID, res.Depth,
		res.Name, res.SizeBytes, payload).Scan(&res.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	res.Ver = 1
	return nil
}

// Get returns a single resource by id.
func (r *ResourceRepo) Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Resource, error) {
	q, args, err := psql.Select(resourceCols...).From("resources").
		Where("owner_id = ?", ownerID).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, err
	}
	res, err := scanResource(r.db.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// Update replaces name and payload with optimistic concurrency.
func (r *ResourceRepo) Update(
	ctx context.Context, ownerID, id uuid.UUID, baseVer int64, name string, payload json.RawMessage,
) (newVer int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver FROM resources WHERE id=$1 AND owner_id=$2 FOR UPDATE`
	const upd = `UPDATE resources SET name=$3, payload=$4, ver=$5 WHERE id=$1 AND owner_id=$2`

	var curVer int64
	if err = tx.QueryRow(ctx, sel, id, ownerID).Scan(&curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	if curVer != baseVer {
		return 0, errs.ErrVersionConflict
	}
	newVer = curVer + 1
	if _, err = tx.Exec(ctx, upd, id, ownerID, name, []byte(payload), newVer); err != nil {
		return 0, err
	}
	return newVer, nil
}

// Delete removes a resource with base version check.
func (r *ResourceRepo) Delete(ctx context.Context, ownerID, id uuid.UUID, baseVer int64) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT ver FROM resources WHERE id=$1 AND owner_id=$2 FOR UPDATE`
	const del = `DELETE FROM resources WHERE id=$1 AND owner_id=$2`

	var curVer int64
	if err = tx.QueryRow(ctx, sel, id, ownerID).Scan(&curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if curVer != baseVer {
		return errs.ErrVersionConflict
	}
	_, err = tx.Exec(ctx, del, id, ownerID)
	return err
}

// ListSQL renders the snapshot query of q.
func ListSQL(q model.Query) (string, []any, error) {
	kinds := q.Kind.Resources()
	if len(kinds) == 0 {
		return "", nil, errors.New("unknown stream kind")
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	b := psql.Select(resourceCols...).From("resources").
		Where("owner_id = ?", q.OwnerID).
		Where(sq.Eq{"kind": names})
	if q.ParentID != nil {
		b = b.Where("parent_id = ?", *q.ParentID)
	}
	return b.OrderBy("created_at DESC", "id").ToSql()
}

// List returns the rows a stream query selects, newest first.
func (r *ResourceRepo) List(ctx context.Context, q model.Query) ([]model.Resource, error) {
	sql, args, err := ListSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
