// Package identity implements the identity-provider boundary: trading a short-lived exchange
// token for a provider-native session.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// Provider exchanges an opaque exchange token for a provider session.
type Provider interface {
	SignInWithToken(ctx context.Context, exchangeToken string) (model.ProviderSession, error)
}

// Token audiences.
const (
	AudienceExchange = "vaultsync-exchange"
	AudienceSession  = "vaultsync-session"
)

// Claims are the JWT claims of exchange and session tokens.
type Claims struct {
	Device string `json:"dev,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies HS256 exchange and session tokens.
// It is the provider used by the dev backend and acts as a local Provider.
type Issuer struct {
	key         []byte
	exchangeTTL time.Duration
	sessionTTL  time.Duration
	now         func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(key []byte, exchangeTTL, sessionTTL time.Duration) *Issuer {
	if exchangeTTL <= 0 {
		exchangeTTL = 2 * time.Minute
	}
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &Issuer{key: key, exchangeTTL: exchangeTTL, sessionTTL: sessionTTL, now: time.Now}
}

// MintExchangeToken issues a short-lived token the client trades with SignInWithToken.
func (i *Issuer) MintExchangeToken(uid uuid.UUID, deviceID string) (string, time.Time, error) {
	return i.sign(uid, deviceID, AudienceExchange, i.exchangeTTL)
}

// SignInWithToken verifies an exchange token and returns a session bound to the same device.
func (i *Issuer) SignInWithToken(_ context.Context, exchangeToken string) (model.ProviderSession, error) {
	c, err := i.verify(exchangeToken, AudienceExchange)
	if err != nil {
		return model.ProviderSession{}, &errs.AuthError{Stage: "provider", Message: "invalid exchange token", Err: err}
	}
	uid, err := uuid.FromString(c.Subject)
	if err != nil {
		return model.ProviderSession{}, &errs.AuthError{Stage: "provider", Message: "invalid exchange token", Err: err}
	}
	tok, exp, err := i.sign(uid, c.Device, AudienceSession, i.sessionTTL)
	if err != nil {
		return model.ProviderSession{}, err
	}
	return model.ProviderSession{UID: uid, IDToken: tok, ExpiresAt: exp}, nil
}

// VerifySession validates a session token and returns its claims.
func (i *Issuer) VerifySession(token string) (*Claims, error) {
	return i.verify(token, AudienceSession)
}

func (i *Issuer) sign(uid uuid.UUID, deviceID, aud string, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(ttl)
	claims := Claims{
		Device: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid.String(),
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.key)
	return signed, exp, err
}

func (i *Issuer) verify(token, aud string) (*Claims, error) {
	var c Claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	},
		jwt.WithAudience(aud),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return &c, nil
}
