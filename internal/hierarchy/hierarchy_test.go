package hierarchy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/repository"
)

type fakeResourceRepo struct {
	byID    map[uuid.UUID]model.Resource
	inserts int
}

var _ repository.ResourceRepository = (*fakeResourceRepo)(nil)

func (f *fakeResourceRepo) Insert(_ context.Context, r *model.Resource) error {
	f.inserts++
	r.Ver = 1
	if f.byID == nil {
		f.byID = map[uuid.UUID]model.Resource{}
	}
	f.byID[r.ID] = *r
	return nil
}

func (f *fakeResourceRepo) Get(_ context.Context, ownerID, id uuid.UUID) (*model.Resource, error) {
	r, ok := f.byID[id]
	if !ok || r.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (f *fakeResourceRepo) Update(context.Context, uuid.UUID, uuid.UUID, int64, string, json.RawMessage) (int64, error) {
	return 0, nil
}
func (f *fakeResourceRepo) Delete(context.Context, uuid.UUID, uuid.UUID, int64) error { return nil }
func (f *fakeResourceRepo) List(context.Context, model.Query) ([]model.Resource, error) {
	return nil, nil
}

func TestCreateChild_Boundaries(t *testing.T) {
	const maxDepth = 5

	d, err := CreateChild(nil, maxDepth)
	require.NoError(t, err)
	require.Equal(t, 0, d)

	d, err = CreateChild(&model.FolderNode{Depth: maxDepth - 2}, maxDepth)
	require.NoError(t, err)
	require.Equal(t, maxDepth-1, d)

	_, err = CreateChild(&model.FolderNode{Depth: maxDepth - 1}, maxDepth)
	var de *errs.DepthExceededError
	require.ErrorAs(t, err, &de)
	require.Equal(t, maxDepth, de.Depth)
	require.Equal(t, maxDepth, de.MaxDepth)
}

func TestService_CreateFolder_Chain(t *testing.T) {
	ctx := context.Background()
	repo := &fakeResourceRepo{}
	svc := NewService(repo, nil)
	owner := uuid.Must(uuid.NewV4())

	var parent *uuid.UUID
	for i := 0; i < 3; i++ {
		f, err := svc.CreateFolder(ctx, owner, parent, " level ", 3)
		require.NoError(t, err)
		require.Equal(t, i, f.Depth)
		require.Equal(t, "level", f.Name)
		id := f.ID
		parent = &id
	}

	_, err := svc.CreateFolder(ctx, owner, parent, "too deep", 3)
	var de *errs.DepthExceededError
	require.ErrorAs(t, err, &de)
	require.Equal(t, 3, repo.inserts, "no write on depth failure")
}

func TestService_CreateFolder_Validation(t *testing.T) {
	ctx := context.Background()
	repo := &fakeResourceRepo{}
	svc := NewService(repo, nil)
	owner := uuid.Must(uuid.NewV4())

	_, err := svc.CreateFolder(ctx, uuid.Nil, nil, "x", 5)
	require.Error(t, err)
	_, err = svc.CreateFolder(ctx, owner, nil, "  ", 5)
	require.Error(t, err)

	missing := uuid.Must(uuid.NewV4())
	_, err = svc.CreateFolder(ctx, owner, &missing, "x", 5)
	require.ErrorIs(t, err, errs.ErrNotFound)

	doc := model.Resource{ID: uuid.Must(uuid.NewV4()), OwnerID: owner, Kind: model.KindDocument}
	repo.byID = map[uuid.UUID]model.Resource{doc.ID: doc}
	_, err = svc.CreateFolder(ctx, owner, &doc.ID, "x", 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Zero(t, repo.inserts)
}
