package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var userColNames = []string{
	"id", "mobile", "secret_hash", "salt", "display_name", "avatar_url", "avatar_path", "device_id", "created_at",
}

const selUsers = `SELECT id, mobile, secret_hash, salt, display_name, avatar_url, avatar_path, device_id, created_at FROM users`

func TestUserRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	u := &model.User{
		ID:         uuid.Must(uuid.NewV4()),
		Mobile:     "+15550100",
		SecretHash: []byte("h"),
		Salt:       []byte("s"),
		DeviceID:   "dev-1",
	}

	mock.ExpectExec(`INSERT INTO users \(id, mobile, secret_hash, salt, display_name, device_id\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`).
		WithArgs(u.ID, u.Mobile, u.SecretHash, u.Salt, "", "dev-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, u))

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, u.Mobile, u.SecretHash, u.Salt, "", "dev-1").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, u), errs.ErrAlreadyExists)
}

func TestUserRepo_GetByIDAndMobile(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	ts := time.Now().UTC()

	mock.ExpectQuery(selUsers + ` WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(userColNames).
			AddRow(id, "+1", []byte("h"), []byte("s"), "Ann", "", "", "d1", ts))
	u, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "d1", u.DeviceID)
	require.Equal(t, "Ann", u.Profile().DisplayName)

	mock.ExpectQuery(selUsers + ` WHERE mobile=\$1`).
		WithArgs("+1").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByMobile(ctx, "+1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(selUsers + ` WHERE mobile=\$1`).
		WithArgs("+1").
		WillReturnError(errors.New("conn"))
	_, err = r.GetByMobile(ctx, "+1")
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrNotFound)
}

func TestUserRepo_Updates(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`UPDATE users SET device_id=\$2 WHERE id=\$1`).
		WithArgs(id, "d2").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.BindDevice(ctx, id, "d2"))

	mock.ExpectExec(`UPDATE users SET secret_hash=\$2, salt=\$3 WHERE id=\$1`).
		WithArgs(id, []byte("h2"), []byte("s2")).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.UpdateSecret(ctx, id, []byte("h2"), []byte("s2")), errs.ErrNotFound)

	mock.ExpectExec(`UPDATE users SET avatar_url=\$2, avatar_path=\$3 WHERE id=\$1`).
		WithArgs(id, "file:///a", "avatars/a").WillReturnError(errors.New("upd-fail"))
	require.Error(t, r.SetAvatar(ctx, id, "file:///a", "avatars/a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_Profile(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	const q = `SELECT u.id, u.mobile, u.display_name, u.avatar_url, u.avatar_path, u.device_id, COALESCE\(s.used_bytes, 0\) FROM users u LEFT JOIN storage_usage s ON s.owner_id = u.id WHERE u.id=\$1`
	mock.ExpectQuery(q).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "mobile", "display_name", "avatar_url", "avatar_path", "device_id", "used"}).
			AddRow(id, "+1", "", "file:///a", "avatars/a", "d1", int64(800_000)))
	p, err := r.Profile(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(800_000), p.StorageUsedBytes)

	mock.ExpectQuery(q).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	_, err = r.Profile(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
