// Package session sequences lockout, credential exchange, config and stream supervision for
// one client process and owns the resulting Session state.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
	"github.com/and161185/vaultsync/internal/notify"
	"github.com/and161185/vaultsync/internal/quota"
)

// ErrSuperseded is returned by an Authenticate call overtaken by a newer one or by Logout.
var ErrSuperseded = errors.New("authentication superseded")

// AvatarPrefix is the blob path prefix of profile images.
const AvatarPrefix = "avatars/"

// Options tunes an Orchestrator.
type Options struct {
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Orchestrator is the single owner of Session, AppConfig and the stream handle set.
type Orchestrator struct {
	deps  Deps
	obs   Observer
	clock clockwork.Clock
	log   *zap.Logger

	// activation serializes stream teardown/activation across competing authentications.
	activation sync.Mutex

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	sess     model.Session
	deviceID string
	watches  map[string]func()
	unsub    []func()
}

// New wires an Orchestrator. Observer funcs may be nil.
func New(deps Deps, obs Observer, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if deps.Notify == nil {
		deps.Notify = notify.Discard{}
	}
	o := &Orchestrator{
		deps:    deps,
		obs:     obs,
		clock:   opts.Clock,
		log:     opts.Logger,
		watches: make(map[string]func()),
	}
	for _, k := range model.StreamKinds {
		kind := k
		o.unsub = append(o.unsub,
			deps.Streams.Observe(kind, func(s model.Snapshot) {
				if o.obs.OnSnapshot != nil {
					o.obs.OnSnapshot(s)
				}
			}),
			deps.Streams.OnError(kind, func(err error) {
				if o.obs.OnStreamError != nil {
					o.obs.OnStreamError(kind, errs.Message(err))
				}
			}),
		)
	}
	return o
}

// Close unregisters observers. It does not log out.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	fns := o.unsub
	o.unsub = nil
	for k, stop := range o.watches {
		fns = append(fns, stop)
		delete(o.watches, k)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// State returns the lifecycle state of the current session.
func (o *Orchestrator) State() model.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.State
}

// Session returns a copy of the current session and whether it is Active.
func (o *Orchestrator) Session() (model.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess, o.sess.State == model.StateActive
}

// Handle exposes the state of one stream kind.
func (o *Orchestrator) Handle(kind model.StreamKind) model.StreamHandle {
	return o.deps.Streams.Handle(kind)
}

// RetryStream restarts kind if it is Errored.
func (o *Orchestrator) RetryStream(kind model.StreamKind) bool {
	return o.deps.Streams.Retry(kind)
}

// Authenticate runs lockout evaluation, credential exchange, provider sign-in, config fetch and
// stream activation, in that order. A newer Authenticate or a Logout supersedes this one.
func (o *Orchestrator) Authenticate(ctx context.Context, mode model.AuthMode, cr model.Credentials) (model.Session, error) {
	key := cr.Mobile
	o.watchLockout(key)

	dec, err := o.deps.Lockout.Evaluate(ctx, key)
	if err != nil {
		o.log.Error("lockout evaluate failed", zap.String("account", key), zap.Error(err))
		o.emitError(err)
		return model.Session{}, err
	}
	if !dec.Allowed {
		o.emitLockout(LockoutState{AccountKey: key, Locked: true, Remaining: dec.Remaining})
		err := dec.Err()
		o.emitError(err)
		return model.Session{}, err
	}

	ctx, gen := o.begin(ctx, cr.DeviceID)
	defer o.finish(gen)

	resp, err := o.deps.Exchange.Authenticate(ctx, mode, cr)
	if err != nil {
		return model.Session{}, o.exchangeFailed(ctx, gen, key, err)
	}
	if err := o.deps.Lockout.RecordSuccess(ctx, key); err != nil {
		o.log.Warn("lockout reset failed", zap.String("account", key), zap.Error(err))
	}

	psess, err := o.deps.Provider.SignInWithToken(ctx, resp.Token)
	if err != nil {
		return model.Session{}, o.fail(gen, err)
	}

	if !o.setState(gen, model.StateConfigPending) {
		return model.Session{}, ErrSuperseded
	}
	cfg, err := o.deps.Config.Fetch(ctx)
	if err != nil {
		return model.Session{}, o.fail(gen, err)
	}

	return o.activate(ctx, gen, model.Session{IdentityToken: resp.Token, Provider: psess, Config: cfg})
}

// Resume activates a previously obtained provider session without a credential exchange:
// config fetch, then stream activation. It supersedes any in-flight authentication.
func (o *Orchestrator) Resume(ctx context.Context, psess model.ProviderSession, identityToken, deviceID string) (model.Session, error) {
	if psess.UID == uuid.Nil || psess.IDToken == "" {
		return model.Session{}, errs.ErrNoSession
	}
	if !psess.ExpiresAt.IsZero() && !psess.ExpiresAt.After(o.clock.Now()) {
		return model.Session{}, &errs.AuthError{Stage: "provider", Message: "Session expired. Please sign in again."}
	}
	ctx, gen := o.begin(ctx, deviceID)
	defer o.finish(gen)

	if !o.setState(gen, model.StateConfigPending) {
		return model.Session{}, ErrSuperseded
	}
	cfg, err := o.deps.Config.Fetch(ctx)
	if err != nil {
		return model.Session{}, o.fail(gen, err)
	}
	return o.activate(ctx, gen, model.Session{IdentityToken: identityToken, Provider: psess, Config: cfg})
}

// begin supersedes any in-flight authentication and tears down the previous session's streams.
func (o *Orchestrator) begin(parent context.Context, deviceID string) (context.Context, uint64) {
	o.activation.Lock()
	defer o.activation.Unlock()

	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.gen++
	gen := o.gen
	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = cancel
	o.deviceID = deviceID
	o.sess = model.Session{State: model.StateExchanging}
	o.mu.Unlock()

	o.deps.Streams.Deactivate()
	o.emitState(model.StateExchanging)
	return ctx, gen
}

// finish releases the authentication context once the attempt is over.
func (o *Orchestrator) finish(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen == gen && o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) activate(ctx context.Context, gen uint64, sess model.Session) (model.Session, error) {
	o.activation.Lock()
	defer o.activation.Unlock()

	if !o.current(gen) {
		return model.Session{}, ErrSuperseded
	}
	prof, err := o.deps.Streams.Activate(ctx, sess.Provider)
	if err != nil {
		return model.Session{}, o.fail(gen, err)
	}
	sess.Profile = prof
	sess.State = model.StateActive

	o.mu.Lock()
	o.sess = sess
	o.mu.Unlock()

	o.log.Info("session active",
		zap.String("owner", sess.Provider.UID.String()),
		zap.Int64("max_storage_bytes", sess.Config.MaxStorageBytes),
		zap.Int("max_folder_depth", sess.Config.MaxFolderDepth),
	)
	o.emitState(model.StateActive)
	return sess, nil
}

func (o *Orchestrator) exchangeFailed(ctx context.Context, gen uint64, key string, err error) error {
	var dm *errs.DeviceMismatchError
	if errors.As(err, &dm) {
		if !o.setState(gen, model.StateUnauthenticated) {
			return ErrSuperseded
		}
		o.emitError(err)
		o.emitReauth()
		return err
	}

	var le *errs.LockedError
	if errors.As(err, &le) {
		if lerr := o.deps.Lockout.Impose(ctx, key, le.Remaining); lerr != nil {
			o.log.Warn("lockout impose failed", zap.String("account", key), zap.Error(lerr))
			o.emitLockout(LockoutState{AccountKey: key, Locked: true, Remaining: le.Remaining})
		}
		return o.fail(gen, err)
	}

	var ae *errs.AuthError
	if errors.As(err, &ae) {
		if _, lerr := o.deps.Lockout.RecordFailure(ctx, key); lerr != nil {
			o.log.Warn("lockout record failure failed", zap.String("account", key), zap.Error(lerr))
		}
	}
	return o.fail(gen, err)
}

// fail marks gen Failed. A superseded attempt reports ErrSuperseded and leaves state alone.
func (o *Orchestrator) fail(gen uint64, err error) error {
	if !o.setState(gen, model.StateFailed) {
		return ErrSuperseded
	}
	o.log.Warn("authentication failed", zap.Error(err))
	o.emitError(err)
	return err
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen
}

func (o *Orchestrator) setState(gen uint64, st model.SessionState) bool {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return false
	}
	o.sess.State = st
	o.mu.Unlock()
	o.emitState(st)
	return true
}

// Logout cancels any pending authentication and tears down every stream.
func (o *Orchestrator) Logout() {
	o.reset("logout")
}

func (o *Orchestrator) reset(reason string) {
	o.activation.Lock()
	defer o.activation.Unlock()

	o.mu.Lock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	owner := o.sess.Provider.UID
	o.sess = model.Session{State: model.StateUnauthenticated}
	o.mu.Unlock()

	o.deps.Streams.Deactivate()
	o.log.Info("session ended", zap.String("reason", reason), zap.String("owner", owner.String()))
	o.emitState(model.StateUnauthenticated)
}

// UpdateCredential replaces the account secret using the active session's bearer token.
// A device mismatch ends the session and requests re-authentication.
func (o *Orchestrator) UpdateCredential(ctx context.Context, secret string) error {
	sess, err := o.active()
	if err != nil {
		return err
	}
	o.mu.Lock()
	device := o.deviceID
	o.mu.Unlock()

	cr := model.Credentials{Mobile: sess.Profile.Mobile, Secret: secret, DeviceID: device}
	if _, err := o.deps.Exchange.UpdateCredential(ctx, cr, sess.Provider.IDToken); err != nil {
		if errors.Is(err, errs.ErrDeviceMismatch) {
			o.reset("device mismatch")
			o.emitError(err)
			o.emitReauth()
			return err
		}
		o.emitError(err)
		return err
	}
	return nil
}

// ReplaceProfileImage uploads content as the profile image, charges the size difference to the
// owner's quota and refreshes the session profile.
func (o *Orchestrator) ReplaceProfileImage(ctx context.Context, content []byte) (quota.BlobResult, error) {
	sess, err := o.active()
	if err != nil {
		return quota.BlobResult{}, err
	}
	uid := sess.Provider.UID
	path := AvatarPrefix + uid.String()

	res, err := o.deps.Ledger.ReplaceBlob(ctx, o.deps.Blobs, uid, path, content, sess.Config.MaxStorageBytes)
	if err != nil {
		o.emitError(err)
		return quota.BlobResult{}, err
	}
	if o.deps.Avatars != nil {
		if err := o.deps.Avatars.SetAvatar(ctx, uid, res.URL, path); err != nil {
			o.emitError(err)
			return res, err
		}
	}

	prof, err := o.deps.Profiles.Profile(ctx, sess.Provider)
	if err != nil {
		o.log.Warn("profile refresh failed", zap.String("owner", uid.String()), zap.Error(err))
		return res, nil
	}
	o.mu.Lock()
	if o.sess.State == model.StateActive && o.sess.Provider.UID == uid {
		o.sess.Profile = prof
	}
	o.mu.Unlock()
	return res, nil
}

// CreateFolder creates a folder under parentID (nil for root) within the session's depth limit.
func (o *Orchestrator) CreateFolder(ctx context.Context, parentID *uuid.UUID, name string) (model.Resource, error) {
	sess, err := o.active()
	if err != nil {
		return model.Resource{}, err
	}
	if o.deps.Folders == nil {
		return model.Resource{}, errors.New("folder storage is not configured")
	}
	r, err := o.deps.Folders.CreateFolder(ctx, sess.Provider.UID, parentID, name, sess.Config.MaxFolderDepth)
	if err != nil {
		o.emitError(err)
		return model.Resource{}, err
	}
	return r, nil
}

// SendNotification hands n to the sink without waiting for delivery. SenderID defaults to the
// session owner.
func (o *Orchestrator) SendNotification(to uuid.UUID, n model.Notification) error {
	sess, err := o.active()
	if err != nil {
		return err
	}
	if n.SenderID == nil {
		uid := sess.Provider.UID
		n.SenderID = &uid
	}
	o.deps.Notify.Send(to, n)
	return nil
}

func (o *Orchestrator) active() (model.Session, error) {
	sess, ok := o.Session()
	if !ok {
		return model.Session{}, errs.ErrNoSession
	}
	return sess, nil
}

// watchLockout subscribes once per account key to lockout record changes.
func (o *Orchestrator) watchLockout(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.watches[key]; ok {
		return
	}
	o.watches[key] = o.deps.Lockout.Watch(key, func(rec model.LockoutRecord) {
		st := LockoutState{AccountKey: key, FailedAttempts: rec.FailedAttempts}
		if rec.LockoutUntil != nil {
			if rem := rec.LockoutUntil.Sub(o.clock.Now()); rem > 0 {
				st.Locked = true
				st.Remaining = rem
			}
		}
		o.emitLockout(st)
	})
}

func (o *Orchestrator) emitState(st model.SessionState) {
	if o.obs.OnState != nil {
		o.obs.OnState(st)
	}
}

func (o *Orchestrator) emitLockout(st LockoutState) {
	if o.obs.OnLockout != nil {
		o.obs.OnLockout(st)
	}
}

func (o *Orchestrator) emitError(err error) {
	if o.obs.OnError != nil {
		o.obs.OnError(errs.Message(err))
	}
}

func (o *Orchestrator) emitReauth() {
	if o.obs.OnReauth != nil {
		o.obs.OnReauth()
	}
}
