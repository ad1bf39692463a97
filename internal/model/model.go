// Package model defines domain entities used by services, repositories and the orchestrator.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Credentials is the login/signup input sent to the remote auth endpoint.
type Credentials struct {
	Mobile   string `json:"mobile"`
	Secret   string `json:"secret"`
	DeviceID string `json:"deviceId"`
}

// AuthMode selects the remote endpoint used by a credential exchange.
type AuthMode int

const (
	ModeLogin AuthMode = iota
	ModeRegister
)

func (m AuthMode) String() string {
	if m == ModeRegister {
		return "register"
	}
	return "login"
}

// AuthResponse is the 2xx payload of the remote auth endpoint.
type AuthResponse struct {
	Token   string   `json:"token"`
	User    *Profile `json:"user,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ProviderSession is the identity-provider native session obtained from an exchange token.
type ProviderSession struct {
	UID       uuid.UUID
	IDToken   string
	ExpiresAt time.Time
}

// Profile is the user record as seen by the client.
type Profile struct {
	ID               uuid.UUID `json:"id"`
	Mobile           string    `json:"mobile"`
	DisplayName      string    `json:"displayName,omitempty"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	AvatarPath       string    `json:"avatarPath,omitempty"`
	StorageUsedBytes int64     `json:"storageUsedBytes"`
	DeviceID         string    `json:"deviceId,omitempty"`
}

// User represents an account stored on the server. Secrets are never stored in plaintext.
type User struct {
	ID          uuid.UUID // PK
	Mobile      string    // unique
	SecretHash  []byte    // Argon2id(secret, Salt)
	Salt        []byte    // per-user salt
	DisplayName string
	AvatarURL   string
	AvatarPath  string
	DeviceID    string // device the account is currently bound to
	CreatedAt   time.Time
}

// Profile projects the server-side user onto its client-visible fields.
func (u User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		Mobile:      u.Mobile,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		AvatarPath:  u.AvatarPath,
		DeviceID:    u.DeviceID,
	}
}

// SessionState is the lifecycle state of a client session.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateExchanging
	StateConfigPending
	StateActive
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateExchanging:
		return "exchanging"
	case StateConfigPending:
		return "config_pending"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	default:
		return "unauthenticated"
	}
}

// Session is the authenticated execution context for one user on one device.
type Session struct {
	IdentityToken string
	Provider      ProviderSession
	Profile       Profile
	Config        AppConfig
	State         SessionState
}

// LockoutRecord tracks failed attempts and an optional lockout expiry for an account.
type LockoutRecord struct {
	AccountKey     string
	FailedAttempts int
	LockoutUntil   *time.Time
}

// AppConfig holds tenant-wide limits, immutable for a session's lifetime.
type AppConfig struct {
	MaxStorageBytes int64 `json:"maxStorageBytes"`
	MaxCardCount    int   `json:"maxCardCount"`
	MaxFolderDepth  int   `json:"maxFolderDepth"`
}

// QuotaLedgerEntry is the authoritative storage usage of an owner.
type QuotaLedgerEntry struct {
	OwnerID           uuid.UUID
	CurrentUsageBytes int64 // >= 0
	Ver               int64 // bumped on every committed write
}

// FolderNode is the hierarchy view of a folder resource.
type FolderNode struct {
	ID       uuid.UUID
	ParentID *uuid.UUID
	Depth    int // 0 for root-level nodes
}

// ResourceKind is the storage kind of a synchronized resource row.
type ResourceKind string

const (
	KindNotification ResourceKind = "notification"
	KindContact      ResourceKind = "contact"
	KindDocument     ResourceKind = "document"
	KindFolder       ResourceKind = "folder"
	KindCard         ResourceKind = "card"
)

// Resource is a single row delivered in a snapshot.
type Resource struct {
	ID        uuid.UUID       `json:"id"`
	OwnerID   uuid.UUID       `json:"ownerId"`
	Kind      ResourceKind    `json:"kind"`
	ParentID  *uuid.UUID      `json:"parentId,omitempty"`
	Depth     int             `json:"depth"`
	Name      string          `json:"name"`
	SizeBytes int64           `json:"sizeBytes"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ver       int64           `json:"ver"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Folder returns the hierarchy view of a folder resource.
func (r Resource) Folder() FolderNode {
	return FolderNode{ID: r.ID, ParentID: r.ParentID, Depth: r.Depth}
}

// Notification is a fire-and-forget message for an owner.
type Notification struct {
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Category    string     `json:"category"`
	SenderID    *uuid.UUID `json:"senderId,omitempty"`
	RequestKind string     `json:"requestKind,omitempty"`
}
