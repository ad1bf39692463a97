package quota

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// MemStore is an in-process Store.
type MemStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]model.QuotaLedgerEntry
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[uuid.UUID]model.QuotaLedgerEntry)}
}

func (s *MemStore) Read(_ context.Context, ownerID uuid.UUID) (model.QuotaLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerID]
	if !ok {
		return model.QuotaLedgerEntry{OwnerID: ownerID}, nil
	}
	return e, nil
}

func (s *MemStore) CompareAndSet(_ context.Context, ownerID uuid.UUID, ver, usage int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[ownerID]
	if e.Ver != ver {
		return 0, errs.ErrVersionConflict
	}
	e = model.QuotaLedgerEntry{OwnerID: ownerID, CurrentUsageBytes: usage, Ver: ver + 1}
	s.entries[ownerID] = e
	return e.Ver, nil
}
