// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository provides access to accounts and their client-visible profile.
type UserRepository interface {
	// Create inserts a new user.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	// GetByMobile loads a user by mobile number.
	GetByMobile(ctx context.Context, mobile string) (*model.User, error)
	// BindDevice records the device the account is now signed in on.
	BindDevice(ctx context.Context, id uuid.UUID, deviceID string) error
	// UpdateSecret replaces the secret hash and salt.
	UpdateSecret(ctx context.Context, id uuid.UUID, hash, salt []byte) error
	// SetAvatar stores the profile image location.
	SetAvatar(ctx context.Context, id uuid.UUID, url, path string) error
	// Profile loads the user's profile including storage usage.
	Profile(ctx context.Context, id uuid.UUID) (model.Profile, error)
}
