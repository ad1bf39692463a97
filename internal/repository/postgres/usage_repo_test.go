package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestUsageRepo_Read(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUsageRepo(db)
	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT used_bytes, ver FROM storage_usage WHERE owner_id=\$1`).
		WithArgs(owner).
		WillReturnRows(pgxmock.NewRows([]string{"used_bytes", "ver"}).AddRow(int64(1_000_000), int64(4)))
	e, err := r.Read(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), e.CurrentUsageBytes)
	require.Equal(t, int64(4), e.Ver)

	mock.ExpectQuery(`SELECT used_bytes, ver FROM storage_usage WHERE owner_id=\$1`).
		WithArgs(owner).WillReturnError(pgx.ErrNoRows)
	e, err = r.Read(ctx, owner)
	require.NoError(t, err)
	require.Zero(t, e.Ver)
	require.Zero(t, e.CurrentUsageBytes)

	mock.ExpectQuery(`SELECT used_bytes, ver FROM storage_usage WHERE owner_id=\$1`).
		WithArgs(owner).WillReturnError(errors.New("conn"))
	_, err = r.Read(ctx, owner)
	require.Error(t, err)
}

func TestUsageRepo_CompareAndSet(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUsageRepo(db)
	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())

	const ins = `INSERT INTO storage_usage \(owner_id, used_bytes, ver\) VALUES \(\$1, \$2, 1\) ON CONFLICT \(owner_id\) DO NOTHING`
	const upd = `UPDATE storage_usage SET used_bytes=\$2, ver=ver\+1, updated_at=now\(\) WHERE owner_id=\$1 AND ver=\$3`

	mock.ExpectExec(ins).WithArgs(owner, int64(10)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	v, err := r.CompareAndSet(ctx, owner, 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	mock.ExpectExec(ins).WithArgs(owner, int64(10)).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	_, err = r.CompareAndSet(ctx, owner, 0, 10)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	mock.ExpectExec(upd).WithArgs(owner, int64(800_000), int64(4)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	v, err = r.CompareAndSet(ctx, owner, 4, 800_000)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	mock.ExpectExec(upd).WithArgs(owner, int64(1), int64(4)).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	_, err = r.CompareAndSet(ctx, owner, 4, 1)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	mock.ExpectExec(upd).WithArgs(owner, int64(1), int64(4)).WillReturnError(errors.New("denied"))
	_, err = r.CompareAndSet(ctx, owner, 4, 1)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrVersionConflict)

	_, err = r.CompareAndSet(ctx, owner, 4, -1)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
