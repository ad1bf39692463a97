// Package lockout implements the failed-attempt lockout state machine that gates credential exchange.
package lockout

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// Store persists lockout records keyed by account.
type Store interface {
	// Get returns the record for key; a missing record is returned zeroed, not as an error.
	Get(ctx context.Context, key string) (model.LockoutRecord, error)
	// ClearExpired resets the record if its lockout expired at or before now.
	// It reports whether this call performed the reset.
	ClearExpired(ctx context.Context, key string, now time.Time) (bool, error)
	// Fail increments the failed-attempt counter and returns the new count.
	Fail(ctx context.Context, key string) (int, error)
	// Lock sets the lockout expiry.
	Lock(ctx context.Context, key string, until time.Time) error
	// Reset clears counters after a successful attempt.
	Reset(ctx context.Context, key string) error
}

// Decision is the outcome of a lockout evaluation.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// Err converts a locked decision into a LockedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &errs.LockedError{Remaining: d.Remaining}
}

// Defaults used when Options leave a field zero.
const (
	DefaultMaxFailedAttempts = 3
	DefaultLockoutDuration   = 60 * time.Second
)

// Options tunes the guard.
type Options struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	Clock             clockwork.Clock
	Logger            *zap.Logger
}

type pendingClear struct {
	gen   uint64
	timer clockwork.Timer
}

// Guard evaluates lockout records and proactively clears expired lockouts for watchers.
type Guard struct {
	store    Store
	clock    clockwork.Clock
	maxFails int
	lockFor  time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	gen      uint64
	pending  map[string]pendingClear
	watchers map[string]map[uint64]func(model.LockoutRecord)
	watchSeq uint64
}

// NewGuard constructs a Guard over store.
func NewGuard(store Store, opts Options) *Guard {
	g := &Guard{
		store:    store,
		clock:    opts.Clock,
		maxFails: opts.MaxFailedAttempts,
		lockFor:  opts.LockoutDuration,
		log:      opts.Logger,
		pending:  make(map[string]pendingClear),
		watchers: make(map[string]map[uint64]func(model.LockoutRecord)),
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.maxFails <= 0 {
		g.maxFails = DefaultMaxFailedAttempts
	}
	if g.lockFor <= 0 {
		g.lockFor = DefaultLockoutDuration
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g
}

// Evaluate reports whether a credential attempt is allowed for key.
// An expired lockout is cleared in the store before the decision is returned.
func (g *Guard) Evaluate(ctx context.Context, key string) (Decision, error) {
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	now := g.clock.Now()
	if rec.LockoutUntil == nil {
		return Decision{Allowed: true}, nil
	}
	if until := *rec.LockoutUntil; until.After(now) {
		g.schedule(key, until)
		return Decision{Remaining: until.Sub(now)}, nil
	}

	cleared, err := g.store.ClearExpired(ctx, key, now)
	if err != nil {
		return Decision{}, err
	}
	if cleared {
		g.log.Debug("lockout expired", zap.String("account", key))
		g.cancel(key)
		g.notify(key, model.LockoutRecord{AccountKey: key})
	}
	return Decision{Allowed: true}, nil
}

// RecordFailure counts a rejected attempt and locks the account once the threshold is reached.
func (g *Guard) RecordFailure(ctx context.Context, key string) (Decision, error) {
	fails, err := g.store.Fail(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if fails < g.maxFails {
		g.notify(key, model.LockoutRecord{AccountKey: key, FailedAttempts: fails})
		return Decision{Allowed: true}, nil
	}

	until := g.clock.Now().Add(g.lockFor)
	if err := g.store.Lock(ctx, key, until); err != nil {
		return Decision{}, err
	}
	g.log.Info("account locked",
		zap.String("account", key),
		zap.Int("failed_attempts", fails),
		zap.Duration("for", g.lockFor),
	)
	g.schedule(key, until)
	g.notify(key, model.LockoutRecord{AccountKey: key, FailedAttempts: fails, LockoutUntil: &until})
	return Decision{Remaining: g.lockFor}, nil
}

// Impose records a lockout reported by the remote endpoint so later Evaluate calls fail fast
// and watchers get the scheduled clear.
func (g *Guard) Impose(ctx context.Context, key string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	until := g.clock.Now().Add(remaining)
	if err := g.store.Lock(ctx, key, until); err != nil {
		return err
	}
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		rec = model.LockoutRecord{AccountKey: key}
	}
	rec.LockoutUntil = &until
	g.schedule(key, until)
	g.notify(key, rec)
	return nil
}

// RecordSuccess resets counters after a successful attempt.
func (g *Guard) RecordSuccess(ctx context.Context, key string) error {
	if err := g.store.Reset(ctx, key); err != nil {
		return err
	}
	g.cancel(key)
	g.notify(key, model.LockoutRecord{AccountKey: key})
	return nil
}

// Watch registers fn to observe record changes for key, including the scheduled clear.
// The returned func unregisters it.
func (g *Guard) Watch(key string, fn func(model.LockoutRecord)) func() {
	g.mu.Lock()
	g.watchSeq++
	id := g.watchSeq
	if g.watchers[key] == nil {
		g.watchers[key] = make(map[uint64]func(model.LockoutRecord))
	}
	g.watchers[key][id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.watchers[key], id)
		if len(g.watchers[key]) == 0 {
			delete(g.watchers, key)
		}
		g.mu.Unlock()
	}
}

// Stop cancels every scheduled clear.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, p := range g.pending {
		p.timer.Stop()
		delete(g.pending, key)
	}
}

// schedule arms a one-shot clear at until, superseding any earlier one for key.
func (g *Guard) schedule(key string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pending[key]; ok {
		p.timer.Stop()
	}
	g.gen++
	gen := g.gen
	delay := until.Sub(g.clock.Now())
	t := g.clock.AfterFunc(delay, func() { g.fire(key, gen) })
	g.pending[key] = pendingClear{gen: gen, timer: t}
}

func (g *Guard) cancel(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[key]; ok {
		p.timer.Stop()
		delete(g.pending, key)
	}
}

// fire runs the scheduled clear; only the latest generation for key is honored.
func (g *Guard) fire(key string, gen uint64) {
	g.mu.Lock()
	p, ok := g.pending[key]
	if !ok || p.gen != gen {
		g.mu.Unlock()
		return
	}
	delete(g.pending, key)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cleared, err := g.store.ClearExpired(ctx, key, g.clock.Now())
	if err != nil {
		// Evaluate re-validates on the next attempt.
		g.log.Warn("scheduled lockout clear failed", zap.String("account", key), zap.Error(err))
		return
	}
	if cleared {
		g.notify(key, model.LockoutRecord{AccountKey: key})
		return
	}
	// Another writer extended the lock or already cleared it.
	rec, err := g.store.Get(ctx, key)
	if err != nil {
		g.log.Warn("lockout reload failed", zap.String("account", key), zap.Error(err))
		return
	}
	if rec.LockoutUntil != nil && rec.LockoutUntil.After(g.clock.Now()) {
		g.schedule(key, *rec.LockoutUntil)
	}
}

func (g *Guard) notify(key string, rec model.LockoutRecord) {
	g.mu.Lock()
	fns := make([]func(model.LockoutRecord), 0, len(g.watchers[key]))
	for _, fn := range g.watchers[key] {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
}
