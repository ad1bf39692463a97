// Package stream supervises the real-time subscriptions of an active session.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/model"
)

// Subscriber opens a live query. Subscribe blocks, calling emit with a full snapshot on every
// change, until ctx is canceled (returning nil or ctx.Err()) or the transport fails.
type Subscriber interface {
	Subscribe(ctx context.Context, q model.Query, emit func(model.Snapshot)) error
}

// ProfileSource loads the profile of a signed-in user.
type ProfileSource interface {
	Profile(ctx context.Context, sess model.ProviderSession) (model.Profile, error)
}

// ErrStreamClosed marks a subscription that ended without being canceled.
var ErrStreamClosed = errors.New("stream closed by source")

type subscription struct {
	handle model.StreamHandle
	cancel context.CancelFunc
	gen    uint64
}

type listeners struct {
	next     int
	snapshot map[int]func(model.Snapshot)
	failure  map[int]func(error)
}

// Supervisor owns one subscription per stream kind for the active owner.
type Supervisor struct {
	sub     Subscriber
	profile ProfileSource
	log     *zap.Logger

	lifecycle sync.Mutex // serializes Activate and Deactivate

	mu        sync.Mutex
	owner     uuid.UUID
	gen       uint64
	subs      map[model.StreamKind]*subscription
	teardowns map[model.StreamKind]int
	ls        map[model.StreamKind]*listeners
	wg        sync.WaitGroup
}

// NewSupervisor constructs an idle Supervisor.
func NewSupervisor(sub Subscriber, profile ProfileSource, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		sub:       sub,
		profile:   profile,
		log:       log,
		subs:      make(map[model.StreamKind]*subscription),
		teardowns: make(map[model.StreamKind]int),
		ls:        make(map[model.StreamKind]*listeners),
	}
	for _, k := range model.StreamKinds {
		s.subs[k] = &subscription{handle: model.StreamHandle{Kind: k, State: model.StreamIdle}}
		s.ls[k] = &listeners{snapshot: map[int]func(model.Snapshot){}, failure: map[int]func(error){}}
	}
	return s
}

// Activate fetches the profile, tears down any previous subscriptions and starts one
// subscription per kind. On a profile error nothing is torn down or started.
func (s *Supervisor) Activate(ctx context.Context, sess model.ProviderSession) (model.Profile, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prof, err := s.profile.Profile(ctx, sess)
	if err != nil {
		return model.Profile{}, err
	}

	s.teardown()

	s.mu.Lock()
	s.owner = sess.UID
	for _, k := range model.StreamKinds {
		s.startLocked(k)
	}
	s.mu.Unlock()

	s.log.Info("streams activated", zap.String("owner", sess.UID.String()), zap.Int("kinds", len(model.StreamKinds)))
	return prof, nil
}

// Deactivate cancels every subscription and waits for them to exit. Safe when idle.
func (s *Supervisor) Deactivate() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardown()
	s.mu.Lock()
	s.owner = uuid.Nil
	s.mu.Unlock()
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	for k, sub := range s.subs {
		if sub.cancel != nil {
			sub.cancel()
			sub.cancel = nil
			s.teardowns[k]++
		}
		sub.gen = 0
		sub.handle = model.StreamHandle{Kind: k, State: model.StreamIdle}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Retry restarts kind if, and only if, it is Errored. It reports whether a restart happened.
func (s *Supervisor) Retry(kind model.StreamKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[kind]
	if !ok || sub.handle.State != model.StreamErrored || s.owner == uuid.Nil {
		return false
	}
	s.log.Info("retrying stream", zap.Stringer("kind", kind))
	s.startLocked(kind)
	return true
}

// Handle returns the current state of kind.
func (s *Supervisor) Handle(kind model.StreamKind) model.StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[kind]; ok {
		return sub.handle
	}
	return model.StreamHandle{Kind: kind}
}

// Teardowns reports how many live subscriptions of kind were canceled so far.
func (s *Supervisor) Teardowns(kind model.StreamKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardowns[kind]
}

// Observe registers fn for snapshots of kind and returns its unregister func.
func (s *Supervisor) Observe(kind model.StreamKind, fn func(model.Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ls[kind]
	if !ok {
		return func() {}
	}
	id := l.next
	l.next++
	l.snapshot[id] = fn
	return func() {
		s.mu.Lock()
		delete(l.snapshot, id)
		s.mu.Unlock()
	}
}

// OnError registers fn for subscription failures of kind.
func (s *Supervisor) OnError(kind model.StreamKind, fn func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ls[kind]
	if !ok {
		return func() {}
	}
	id := l.next
	l.next++
	l.failure[id] = fn
	return func() {
		s.mu.Lock()
		delete(l.failure, id)
		s.mu.Unlock()
	}
}

// startLocked replaces any subscription of kind. Callers hold s.mu.
func (s *Supervisor) startLocked(kind model.StreamKind) {
	sub := s.subs[kind]
	if sub.cancel != nil {
		sub.cancel()
		s.teardowns[kind]++
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	sub.gen = s.gen
	sub.handle = model.StreamHandle{Kind: kind, State: model.StreamActive}

	q := model.Query{OwnerID: s.owner, Kind: kind}
	gen := s.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, q, gen)
	}()
}

func (s *Supervisor) run(ctx context.Context, q model.Query, gen uint64) {
	err := s.sub.Subscribe(ctx, q, func(snap model.Snapshot) {
		snap.Kind = q.Kind
		s.deliver(q.Kind, gen, snap)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrStreamClosed
	}

	s.mu.Lock()
	sub := s.subs[q.Kind]
	if sub.gen != gen {
		s.mu.Unlock()
		return
	}
	sub.cancel = nil
	sub.handle = model.StreamHandle{Kind: q.Kind, State: model.StreamErrored, Err: err}
	fns := make([]func(error), 0, len(s.ls[q.Kind].failure))
	for _, fn := range s.ls[q.Kind].failure {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.log.Warn("stream failed", zap.Stringer("kind", q.Kind), zap.String("owner", q.OwnerID.String()), zap.Error(err))
	for _, fn := range fns {
		fn(err)
	}
}

// deliver runs on the subscription goroutine, so snapshots of one kind arrive in emission order.
func (s *Supervisor) deliver(kind model.StreamKind, gen uint64, snap model.Snapshot) {
	s.mu.Lock()
	if s.subs[kind].gen != gen {
		s.mu.Unlock()
		return
	}
	fns := make([]func(model.Snapshot), 0, len(s.ls[kind].snapshot))
	for _, fn := range s.ls[kind].snapshot {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
