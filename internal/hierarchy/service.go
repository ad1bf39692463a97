package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/repository"
)

// Service creates folder resources within the nesting limit.
type Service struct {
	repo repository.ResourceRepository
	log  *zap.Logger
}

// NewService constructs a Service.
func NewService(repo repository.ResourceRepository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log}
}

// CreateFolder validates the name, loads the parent, checks depth and inserts the folder.
// Nothing is written when the depth check fails.
func (s *Service) CreateFolder(
	ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string, maxDepth int,
) (model.Resource, error) {
	if ownerID == uuid.Nil {
		return model.Resource{}, errors.New("validation: empty ownerID")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Resource{}, errors.New("validation: empty folder name")
	}

	var parent *model.FolderNode
	if parentID != nil {
		p, err := s.repo.Get(ctx, ownerID, *parentID)
		if err != nil {
			return model.Resource{}, fmt.Errorf("load parent folder: %w", err)
		}
		if p.Kind != model.KindFolder {
			return model.Resource{}, fmt.Errorf("parent %s is a %s: %w", p.ID, p.Kind, errs.ErrNotFound)
		}
		node := p.Folder()
		parent = &node
	}

	depth, err := CreateChild(parent, maxDepth)
	if err != nil {
		s.log.Info("folder depth limit reached",
			zap.String("owner", ownerID.String()), zap.Error(err))
		return model.Resource{}, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Resource{}, err
	}
	res := model.Resource{
		ID:       id,
		OwnerID:  ownerID,
		Kind:     model.KindFolder,
		ParentID: parentID,
		Depth:    depth,
		Name:     name,
	}
	if err := s.repo.Insert(ctx, &res); err != nil {
		return model.Resource{}, err
	}
	return res, nil
}
