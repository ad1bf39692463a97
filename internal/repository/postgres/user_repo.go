package postgres

import (
	"context"
	"errors"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, mobile, secret_hash, salt, display_name, device_id)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, u.ID, u.Mobile, u.SecretHash, u.Salt, u.DisplayName, u.DeviceID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

const userCols = `id, mobile, secret_hash, salt, display_name, avatar_url, avatar_path, device_id, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.Mobile, &u.SecretHash, &u.Salt, &u.DisplayName,
		&u.AvatarURL, &u.AvatarPath, &u.DeviceID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

// GetByMobile selects a user by mobile number.
func (r *UserRepo) GetByMobile(ctx context.Context, mobile string) (*model.User, error) {
	return scanUser(r.db.Pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE mobile=$1`, mobile))
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// BindDevice sets the device the account is bound to.
func (r *UserRepo) BindDevice(ctx context.Context, id uuid.UUID, deviceID string) error {
	return r.execOne(ctx, `UPDATE users SET device_id=$2 WHERE id=$1`, id, deviceID)
}

// UpdateSecret replaces the stored hash and salt.
func (r *UserRepo) UpdateSecret(ctx context.Context, id uuid.UUID, hash, salt []byte) error {
	return r.execOne(ctx, `UPDATE users SET secret_hash=$2, salt=$3 WHERE id=$1`, id, hash, salt)
}

// SetAvatar stores the profile image location.
func (r *UserRepo) SetAvatar(ctx context.Context, id uuid.UUID, url, path string) error {
	return r.execOne(ctx, `UPDATE users SET avatar_url=$2, avatar_path=$3 WHERE id=$1`, id, url, path)
}

// Profile joins the user with its storage usage.
func (r *UserRepo) Profile(ctx context.Context, id uuid.UUID) (model.Profile, error) {
	const q = `
SELECT u.id, u.mobile, u.display_name, u.avatar_url, u.avatar_path, u.device_id, COALESCE(s.used_bytes, 0)
FROM users u LEFT JOIN storage_usage s ON s.owner_id = u.id
WHERE u.id=$1`
	var p model.Profile
	err := r.db.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Mobile, &p.DisplayName,
		&p.AvatarURL, &p.AvatarPath, &p.DeviceID, &p.StorageUsedBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, errs.ErrNotFound
		}
		return model.Profile{}, err
	}
	return p, nil
}
