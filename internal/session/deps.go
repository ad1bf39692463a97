package session

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/vaultsync/internal/blob"
	"github.com/and161185/vaultsync/internal/identity"
	"github.com/and161185/vaultsync/internal/lockout"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/notify"
	"github.com/and161185/vaultsync/internal/quota"
	"github.com/and161185/vaultsync/internal/stream"
)

// LockoutGuard gates credential attempts.
type LockoutGuard interface {
	Evaluate(ctx context.Context, key string) (lockout.Decision, error)
	RecordFailure(ctx context.Context, key string) (lockout.Decision, error)
	RecordSuccess(ctx context.Context, key string) error
	Impose(ctx context.Context, key string, remaining time.Duration) error
	Watch(key string, fn func(model.LockoutRecord)) func()
}

// Exchanger talks to the remote auth endpoint.
type Exchanger interface {
	Authenticate(ctx context.Context, mode model.AuthMode, cr model.Credentials) (model.AuthResponse, error)
	UpdateCredential(ctx context.Context, cr model.Credentials, bearer string) (model.AuthResponse, error)
}

// ConfigFetcher resolves the tenant config.
type ConfigFetcher interface {
	Fetch(ctx context.Context) (model.AppConfig, error)
}

// Streams is the subscription supervisor.
type Streams interface {
	Activate(ctx context.Context, sess model.ProviderSession) (model.Profile, error)
	Deactivate()
	Retry(kind model.StreamKind) bool
	Handle(kind model.StreamKind) model.StreamHandle
	Observe(kind model.StreamKind, fn func(model.Snapshot)) func()
	OnError(kind model.StreamKind, fn func(error)) func()
}

// BlobLedger charges blob replacements against the owner's quota.
type BlobLedger interface {
	ReplaceBlob(ctx context.Context, blobs blob.Store, ownerID uuid.UUID, path string, content []byte, limit int64) (quota.BlobResult, error)
}

// AvatarWriter persists the profile image location.
type AvatarWriter interface {
	SetAvatar(ctx context.Context, id uuid.UUID, url, path string) error
}

// FolderCreator creates folders within the depth limit.
type FolderCreator interface {
	CreateFolder(ctx context.Context, ownerID uuid.UUID, parentID *uuid.UUID, name string, maxDepth int) (model.Resource, error)
}

// Deps are the collaborators of an Orchestrator. Avatars, Folders and Notify may be nil.
type Deps struct {
	Lockout  LockoutGuard
	Exchange Exchanger
	Provider identity.Provider
	Config   ConfigFetcher
	Streams  Streams
	Profiles stream.ProfileSource
	Ledger   BlobLedger
	Blobs    blob.Store
	Avatars  AvatarWriter
	Folders  FolderCreator
	Notify   notify.Sink
}

// LockoutState is the presentation view of an account lockout.
type LockoutState struct {
	AccountKey     string
	Locked         bool
	Remaining      time.Duration
	FailedAttempts int
}

// Observer receives presentation updates. Nil funcs are skipped. Callbacks run on the
// goroutine that produced the event and must not block.
type Observer struct {
	OnState       func(model.SessionState)
	OnLockout     func(LockoutState)
	OnSnapshot    func(model.Snapshot)
	OnStreamError func(kind model.StreamKind, msg string)
	OnError       func(msg string)
	OnReauth      func()
}
