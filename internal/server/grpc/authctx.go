package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/vaultsync/internal/identity"
)

// Subject is the verified bearer of a session token.
type Subject struct {
	UserID   uuid.UUID
	DeviceID string
}

type ctxKey string

const subjectKey ctxKey = "vs.subject"

// WithSubject stores the authenticated caller in context.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey, s)
}

// SubjectFromCtx fetches the caller stored by AuthUnary.
func SubjectFromCtx(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey).(Subject)
	if !ok || s.UserID == uuid.Nil {
		return Subject{}, false
	}
	return s, true
}

// verifySubject extracts "authorization: Bearer <JWT>", verifies it as a session token and
// returns its subject and device claim.
func verifySubject(ctx context.Context, issuer *identity.Issuer) (Subject, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return Subject{}, err
	}
	claims, err := issuer.VerifySession(tok)
	if err != nil {
		return Subject{}, errors.New("invalid token")
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return Subject{}, errors.New("bad subject")
	}
	return Subject{UserID: id, DeviceID: claims.Device}, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
