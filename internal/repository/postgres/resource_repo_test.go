package postgres

import (
	"context"
	"encoding/json"
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

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var resourceColNames = []string{
	"id", "owner_id", "kind", "parent_id", "depth", "name", "size_bytes", "payload", "ver", "created_at",
}

const selResources = `SELECT id, owner_id, kind, parent_id, depth, name, size_bytes, payload, ver, created_at FROM resources`

func TestResourceRepo_Insert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	parent := uuid.Must(uuid.NewV4())
	res := &model.Resource{
		ID: uuid.Must(uuid.NewV4()), OwnerID: uuid.Must(uuid.NewV4()), Kind: model.KindFolder,
		ParentID: &parent, Depth: 2, Name: "tax",
	}
	ts := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO resources \(id, owner_id, kind, parent_id, depth, name, size_bytes, payload, ver\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,1\) RETURNING created_at`).
		WithArgs(res.ID, res.OwnerID, "folder", &parent, 2, "tax", int64(0), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(ts))
	require.NoError(t, r.Insert(ctx, res))
	require.Equal(t, int64(1), res.Ver)
	require.Equal(t, ts, res.CreatedAt)

	mock.ExpectQuery(`INSERT INTO resources`).
		WithArgs(res.ID, res.OwnerID, "folder", &parent, 2, "tax", int64(0), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Insert(ctx, res), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepo_Get_OK_And_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())
	ts := time.Now().UTC()

	mock.ExpectQuery(selResources+` WHERE owner_id = \$1 AND id = \$2`).
		WithArgs(owner, id).
		WillReturnRows(pgxmock.NewRows(resourceColNames).
			AddRow(id, owner, "folder", (*uuid.UUID)(nil), 0, "root", int64(0), []byte(nil), int64(3), ts))
	got, err := r.Get(ctx, owner, id)
	require.NoError(t, err)
	require.Equal(t, model.KindFolder, got.Kind)
	require.Nil(t, got.ParentID)
	require.Equal(t, int64(3), got.Ver)
	require.Equal(t, model.FolderNode{ID: id, Depth: 0}, got.Folder())

	mock.ExpectQuery(selResources+` WHERE owner_id = \$1 AND id = \$2`).
		WithArgs(owner, id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, owner, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResourceRepo_Update_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())
	payload := json.RawMessage(`{"phone":"1"}`)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM resources WHERE id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(id, owner).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(5)))
	mock.ExpectExec(`UPDATE resources SET name=\$3, payload=\$4, ver=\$5 WHERE id=\$1 AND owner_id=\$2`).
		WithArgs(id, owner, "Bob", []byte(payload), int64(6)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	v, err := r.Update(ctx, owner, id, 5, "Bob", payload)
	require.NoError(t, err)
	require.Equal(t, int64(6), v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepo_Update_ConflictAndNotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM resources WHERE id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(id, owner).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(2)))
	mock.ExpectRollback()
	_, err := r.Update(ctx, owner, id, 1, "x", nil)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM resources WHERE id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(id, owner).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	_, err = r.Update(ctx, owner, id, 1, "x", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResourceRepo_Update_TxBeginErr(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("boom"))
	_, err := r.Update(context.Background(), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), 1, "x", nil)
	require.Error(t, err)
}

func TestResourceRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM resources WHERE id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(id, owner).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM resources WHERE id=\$1 AND owner_id=\$2`).
		WithArgs(id, owner).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()
	require.NoError(t, r.Delete(ctx, owner, id, 7))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT ver FROM resources WHERE id=\$1 AND owner_id=\$2 FOR UPDATE`).
		WithArgs(id, owner).
		WillReturnRows(pgxmock.NewRows([]string{"ver"}).AddRow(int64(1)))
	mock.ExpectExec(`DELETE FROM resources WHERE id=\$1 AND owner_id=\$2`).
		WithArgs(id, owner).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit-fail"))
	require.Error(t, r.Delete(ctx, owner, id, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSQL(t *testing.T) {
	owner := uuid.Must(uuid.NewV4())
	parent := uuid.Must(uuid.NewV4())

	sql, args, err := ListSQL(model.Query{OwnerID: owner, Kind: model.StreamDocumentMetadata, ParentID: &parent})
	require.NoError(t, err)
	require.Equal(t,
		"SELECT id, owner_id, kind, parent_id, depth, name, size_bytes, payload, ver, created_at FROM resources "+
			"WHERE owner_id = $1 AND kind IN ($2,$3) AND parent_id = $4 ORDER BY created_at DESC, id", sql)
	require.Equal(t, []any{owner, "folder", "document", parent}, args)

	_, _, err = ListSQL(model.Query{OwnerID: owner, Kind: model.StreamKind(99)})
	require.Error(t, err)
}

func TestResourceRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)

	ctx := context.Background()
	owner := uuid.Must(uuid.NewV4())
	newer, older := time.Now().UTC(), time.Now().UTC().Add(-time.Hour)
	id1, id2 := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	mock.ExpectQuery(selResources+` WHERE owner_id = \$1 AND kind IN \(\$2\) ORDER BY created_at DESC, id`).
		WithArgs(owner, "contact").
		WillReturnRows(pgxmock.NewRows(resourceColNames).
			AddRow(id1, owner, "contact", (*uuid.UUID)(nil), 0, "Ann", int64(0), []byte(`{"n":1}`), int64(1), newer).
			AddRow(id2, owner, "contact", (*uuid.UUID)(nil), 0, "Bob", int64(0), []byte(nil), int64(2), older))

	out, err := r.List(ctx, model.Query{OwnerID: owner, Kind: model.StreamContacts})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "Ann", out[0].Name)
	require.JSONEq(t, `{"n":1}`, string(out[0].Payload))
	require.Nil(t, out[1].Payload)

	mock.ExpectQuery(selResources).WithArgs(owner, "card").WillReturnError(errors.New("q-fail"))
	_, err = r.List(ctx, model.Query{OwnerID: owner, Kind: model.StreamCardMetadata})
	require.Error(t, err)
}

func TestResourceRepo_List_Empty(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewResourceRepo(db)
	owner := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(selResources).WithArgs(owner, "notification").
		WillReturnRows(pgxmock.NewRows(resourceColNames))
	out, err := r.List(context.Background(), model.Query{OwnerID: owner, Kind: model.StreamNotifications})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
}
