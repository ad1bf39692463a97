package repository

import (
	"context"
	"encoding/json"

	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ResourceRepository provides versioned single-document access to synchronized resources.
type ResourceRepository interface {
	// Insert stores a new resource at version 1.
	Insert(ctx context.Context, r *model.Resource) error

	// Get returns a single resource by ID.
	Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Resource, error)

	// Update replaces name and payload with base version check and returns the new version.
	Update(ctx context.Context, ownerID, id uuid.UUID, baseVer int64, name string, payload json.RawMessage) (int64, error)

	// Delete removes a resource with base version check.
	Delete(ctx context.Context, ownerID, id uuid.UUID, baseVer int64) error

	// List returns the rows a stream query selects, newest first.
	List(ctx context.Context, q model.Query) ([]model.Resource, error)
}
