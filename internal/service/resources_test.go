package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/repository"
)

type fakeResourceRepo struct {
	updInName string
	updInBase int64
	updOut    int64
	updErr    error

	delInBase int64
	delErr    error

	getOut *model.Resource
	getErr error
}

var _ repository.ResourceRepository = (*fakeResourceRepo)(nil)

func (f *fakeResourceRepo) Insert(context.Context, *model.Resource) error { return nil }
func (f *fakeResourceRepo) Get(context.Context, uuid.UUID, uuid.UUID) (*model.Resource, error) {
	return f.getOut, f.getErr
}
func (f *fakeResourceRepo) Update(_ context.Context, _, _ uuid.UUID, baseVer int64, name string, _ json.RawMessage) (int64, error) {
	f.updInBase, f.updInName = baseVer, name
	return f.updOut, f.updErr
}
func (f *fakeResourceRepo) Delete(_ context.Context, _, _ uuid.UUID, baseVer int64) error {
	f.delInBase = baseVer
	return f.delErr
}
func (f *fakeResourceRepo) List(context.Context, model.Query) ([]model.Resource, error) {
	return nil, nil
}

func TestResourceService_UpdateValidation(t *testing.T) {
	t.Parallel()
	repo := &fakeResourceRepo{updOut: 3}
	s := NewResourceService(repo)
	owner, id := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	cases := []struct {
		name    string
		owner   uuid.UUID
		base    int64
		title   string
		payload json.RawMessage
	}{
		{"nil owner", uuid.Nil, 1, "a", nil},
		{"zero base", owner, 0, "a", nil},
		{"blank name", owner, 1, "  ", nil},
		{"bad payload", owner, 1, "a", json.RawMessage(`{`)},
	}
	for _, tc := range cases {
		if _, err := s.Update(context.Background(), tc.owner, id, tc.base, tc.title, tc.payload); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: want validation error, got %v", tc.name, err)
		}
	}

	ver, err := s.Update(context.Background(), owner, id, 2, "renamed", json.RawMessage(`{"a":1}`))
	if err != nil || ver != 3 {
		t.Fatalf("Update: ver=%d err=%v", ver, err)
	}
	if repo.updInBase != 2 || repo.updInName != "renamed" {
		t.Fatalf("repo got base=%d name=%q", repo.updInBase, repo.updInName)
	}

	repo.updErr = errs.ErrVersionConflict
	if _, err := s.Update(context.Background(), owner, id, 2, "x", nil); !errors.Is(err, errs.ErrVersionConflict) {
		t.Fatalf("want conflict propagated, got %v", err)
	}
}

func TestResourceService_DeleteAndGet(t *testing.T) {
	t.Parallel()
	repo := &fakeResourceRepo{}
	s := NewResourceService(repo)
	owner, id := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	if err := s.Delete(context.Background(), owner, uuid.Nil, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want validation error, got %v", err)
	}
	if err := s.Delete(context.Background(), owner, id, 4); err != nil || repo.delInBase != 4 {
		t.Fatalf("Delete: err=%v base=%d", err, repo.delInBase)
	}

	repo.getErr = errs.ErrNotFound
	if _, err := s.Get(context.Background(), owner, id); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
