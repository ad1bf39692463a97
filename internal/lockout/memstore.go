package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/vaultsync/internal/model"
)

// MemStore is an in-process Store, used by the CLI when no database is configured and by tests.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]model.LockoutRecord
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]model.LockoutRecord)}
}

// Put seeds a record.
func (m *MemStore) Put(rec model.LockoutRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.AccountKey] = rec
}

func (m *MemStore) Get(_ context.Context, key string) (model.LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return model.LockoutRecord{AccountKey: key}, nil
	}
	if rec.LockoutUntil != nil {
		t := *rec.LockoutUntil
		rec.LockoutUntil = &t
	}
	return rec, nil
}

func (m *MemStore) ClearExpired(_ context.Context, key string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok || rec.LockoutUntil == nil || rec.LockoutUntil.After(now) {
		return false, nil
	}
	m.recs[key] = model.LockoutRecord{AccountKey: key}
	return true, nil
}

func (m *MemStore) Fail(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[key]
	rec.AccountKey = key
	rec.FailedAttempts++
	m.recs[key] = rec
	return rec.FailedAttempts, nil
}

func (m *MemStore) Lock(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recs[key]
	rec.AccountKey = key
	rec.LockoutUntil = &until
	m.recs[key] = rec
	return nil
}

func (m *MemStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key] = model.LockoutRecord{AccountKey: key}
	return nil
}
