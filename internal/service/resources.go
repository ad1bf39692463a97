package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/repository"
)

// ResourceService validates single-document edits of synchronized resources.
type ResourceService struct {
	repo repository.ResourceRepository
}

// NewResourceService constructs a ResourceService.
func NewResourceService(repo repository.ResourceRepository) *ResourceService {
	return &ResourceService{repo: repo}
}

// Update renames a resource and replaces its payload with optimistic concurrency (ver++).
func (s *ResourceService) Update(ctx context.Context, ownerID, id uuid.UUID, baseVer int64, name string, payload json.RawMessage) (int64, error) {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return 0, fmt.Errorf("%w: empty owner/id", ErrInvalidInput)
	}
	if baseVer <= 0 {
		return 0, fmt.Errorf("%w: base_ver must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not JSON", ErrInvalidInput)
	}
	return s.repo.Update(ctx, ownerID, id, baseVer, name, payload)
}

// Delete removes a resource if its version still equals baseVer.
func (s *ResourceService) Delete(ctx context.Context, ownerID, id uuid.UUID, baseVer int64) error {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return fmt.Errorf("%w: empty owner/id", ErrInvalidInput)
	}
	if baseVer <= 0 {
		return fmt.Errorf("%w: base_ver must be positive", ErrInvalidInput)
	}
	return s.repo.Delete(ctx, ownerID, id, baseVer)
}

// Get fetches a single resource.
func (s *ResourceService) Get(ctx context.Context, ownerID, id uuid.UUID) (*model.Resource, error) {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty owner/id", ErrInvalidInput)
	}
	return s.repo.Get(ctx, ownerID, id)
}
