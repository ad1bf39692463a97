// Package convert maps identity-provider messages between protobuf Structs and domain types.
package convert

import (
	"fmt"
	"time"

	model "github.com/and161185/vaultsync/internal/model"
	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// Field names of the identity messages.
const (
	fieldToken     = "token"
	fieldUID       = "uid"
	fieldIDToken   = "id_token"
	fieldExpiresAt = "expires_at"
)

// --- helpers ---

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

// --- SignInWithCustomToken request (client -> provider) ---

// ToSignInRequest wraps an exchange token into a request Struct.
func ToSignInRequest(token string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{fieldToken: token})
}

// FromSignInRequest extracts the exchange token from a request Struct.
func FromSignInRequest(in *structpb.Struct) (string, error) {
	tok := stringField(in, fieldToken)
	if tok == "" {
		return "", fmt.Errorf("empty token")
	}
	return tok, nil
}

// --- SignInWithCustomToken response (provider -> client) ---

// ToSessionStruct converts a provider session to its wire Struct.
func ToSessionStruct(s model.ProviderSession) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldUID:       s.UID.String(),
		fieldIDToken:   s.IDToken,
		fieldExpiresAt: ts(s.ExpiresAt),
	})
}

// FromSessionStruct converts a wire Struct into a provider session.
func FromSessionStruct(in *structpb.Struct) (model.ProviderSession, error) {
	if in == nil {
		return model.ProviderSession{}, fmt.Errorf("nil session")
	}
	var id u.UUID
	if err := id.UnmarshalText([]byte(stringField(in, fieldUID))); err != nil {
		return model.ProviderSession{}, fmt.Errorf("invalid uid: %w", err)
	}
	tok := stringField(in, fieldIDToken)
	if tok == "" {
		return model.ProviderSession{}, fmt.Errorf("empty id_token")
	}
	out := model.ProviderSession{UID: id, IDToken: tok}
	if raw := stringField(in, fieldExpiresAt); raw != "" {
		exp, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return model.ProviderSession{}, fmt.Errorf("invalid expires_at: %w", err)
		}
		out.ExpiresAt = exp
	}
	return out, nil
}

// --- GetProfile response ---

// ToProfileStruct converts a profile to its wire Struct.
func ToProfileStruct(p model.Profile) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":                 p.ID.String(),
		"mobile":             p.Mobile,
		"display_name":       p.DisplayName,
		"avatar_url":         p.AvatarURL,
		"avatar_path":        p.AvatarPath,
		"storage_used_bytes": float64(p.StorageUsedBytes),
		"device_id":          p.DeviceID,
	})
}

// FromProfileStruct converts a wire Struct into a profile.
func FromProfileStruct(in *structpb.Struct) (model.Profile, error) {
	if in == nil {
		return model.Profile{}, fmt.Errorf("nil profile")
	}
	var id u.UUID
	if err := id.UnmarshalText([]byte(stringField(in, "id"))); err != nil {
		return model.Profile{}, fmt.Errorf("invalid id: %w", err)
	}
	return model.Profile{
		ID:               id,
		Mobile:           stringField(in, "mobile"),
		DisplayName:      stringField(in, "display_name"),
		AvatarURL:        stringField(in, "avatar_url"),
		AvatarPath:       stringField(in, "avatar_path"),
		StorageUsedBytes: int64(in.GetFields()["storage_used_bytes"].GetNumberValue()),
		DeviceID:         stringField(in, "device_id"),
	}, nil
}
