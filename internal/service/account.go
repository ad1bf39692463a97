// Package service contains the account and resource services behind the vaultd endpoints.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/vaultsync/internal/crypto"
	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/lockout"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/repository"
)

// ErrInvalidInput marks a request rejected before reaching storage.
var ErrInvalidInput = errors.New("validation")

// AttemptGuard is the server-side lockout applied to login attempts.
type AttemptGuard interface {
	Evaluate(ctx context.Context, key string) (lockout.Decision, error)
	RecordFailure(ctx context.Context, key string) (lockout.Decision, error)
	RecordSuccess(ctx context.Context, key string) error
}

// TokenMinter issues the short-lived exchange token returned by the auth endpoints.
type TokenMinter interface {
	MintExchangeToken(uid uuid.UUID, deviceID string) (string, time.Time, error)
}

// AccountService implements register, login and credential update with device binding.
type AccountService struct {
	users  repository.UserRepository
	tokens TokenMinter
	guard  AttemptGuard
	log    *zap.Logger
}

// NewAccountService constructs an AccountService. guard may be nil.
func NewAccountService(users repository.UserRepository, tokens TokenMinter, guard AttemptGuard, log *zap.Logger) *AccountService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccountService{users: users, tokens: tokens, guard: guard, log: log}
}

func validate(cr model.Credentials) error {
	if strings.TrimSpace(cr.Mobile) == "" || cr.Secret == "" || strings.TrimSpace(cr.DeviceID) == "" {
		return fmt.Errorf("%w: mobile, secret and deviceId are required", ErrInvalidInput)
	}
	return nil
}

// Register creates the account bound to cr.DeviceID and returns an exchange token.
func (s *AccountService) Register(ctx context.Context, cr model.Credentials) (model.AuthResponse, error) {
	if err := validate(cr); err != nil {
		return model.AuthResponse{}, err
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return model.AuthResponse{}, err
	}
	hash, salt, err := pkgcrypto.NewSecret(cr.Secret)
	if err != nil {
		return model.AuthResponse{}, err
	}
	u := &model.User{
		ID:         uid,
		Mobile:     cr.Mobile,
		SecretHash: hash,
		Salt:       salt,
		DeviceID:   cr.DeviceID,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return model.AuthResponse{}, err
	}
	s.log.Info("account registered", zap.String("user", uid.String()))
	return s.respond(*u, "Account created.")
}

// Login verifies the secret, rebinds the account to cr.DeviceID and returns an exchange token.
// Unknown accounts and wrong secrets are indistinguishable to the caller.
func (s *AccountService) Login(ctx context.Context, cr model.Credentials) (model.AuthResponse, error) {
	if err := validate(cr); err != nil {
		return model.AuthResponse{}, err
	}
	if s.guard != nil {
		dec, err := s.guard.Evaluate(ctx, cr.Mobile)
		if err != nil {
			return model.AuthResponse{}, err
		}
		if !dec.Allowed {
			return model.AuthResponse{}, dec.Err()
		}
	}

	u, err := s.users.GetByMobile(ctx, cr.Mobile)
	if err != nil || !pkgcrypto.VerifySecret([]byte(cr.Secret), u.Salt, u.SecretHash) {
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return model.AuthResponse{}, err
		}
		if s.guard != nil {
			dec, ferr := s.guard.RecordFailure(ctx, cr.Mobile)
			if ferr != nil {
				s.log.Warn("record failed attempt", zap.Error(ferr))
			} else if !dec.Allowed {
				return model.AuthResponse{}, dec.Err()
			}
		}
		return model.AuthResponse{}, errs.ErrUnauthorized
	}

	if s.guard != nil {
		if err := s.guard.RecordSuccess(ctx, cr.Mobile); err != nil {
			s.log.Warn("reset failed attempts", zap.Error(err))
		}
	}
	if u.DeviceID != cr.DeviceID {
		if err := s.users.BindDevice(ctx, u.ID, cr.DeviceID); err != nil {
			return model.AuthResponse{}, err
		}
		s.log.Info("device rebound", zap.String("user", u.ID.String()))
		u.DeviceID = cr.DeviceID
	}
	return s.respond(*u, "")
}

// UpdateCredential replaces the secret of uid. The session's device claim must match the device
// the account is currently bound to.
func (s *AccountService) UpdateCredential(ctx context.Context, uid uuid.UUID, sessionDevice string, cr model.Credentials) (model.AuthResponse, error) {
	if cr.Secret == "" {
		return model.AuthResponse{}, fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	u, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return model.AuthResponse{}, err
	}
	if u.DeviceID != sessionDevice {
		return model.AuthResponse{}, &errs.DeviceMismatchError{Message: "Device mismatch: this account is signed in on another device."}
	}
	hash, salt, err := pkgcrypto.NewSecret(cr.Secret)
	if err != nil {
		return model.AuthResponse{}, err
	}
	if err := s.users.UpdateSecret(ctx, uid, hash, salt); err != nil {
		return model.AuthResponse{}, err
	}
	return s.respond(*u, "Credential updated.")
}

// Profile returns the client-visible profile of uid.
func (s *AccountService) Profile(ctx context.Context, uid uuid.UUID) (model.Profile, error) {
	return s.users.Profile(ctx, uid)
}

func (s *AccountService) respond(u model.User, msg string) (model.AuthResponse, error) {
	tok, _, err := s.tokens.MintExchangeToken(u.ID, u.DeviceID)
	if err != nil {
		return model.AuthResponse{}, err
	}
	p := u.Profile()
	return model.AuthResponse{Token: tok, User: &p, Message: msg}, nil
}
