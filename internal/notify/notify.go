// Package notify delivers fire-and-forget notifications to an owner.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/model"
)

// Sink accepts notifications without reporting delivery.
type Sink interface {
	Send(ownerID uuid.UUID, n model.Notification)
}

// Inserter stores a resource row.
type Inserter interface {
	Insert(ctx context.Context, r *model.Resource) error
}

type job struct {
	owner uuid.UUID
	n     model.Notification
}

// PGSink writes notifications as resource rows from a background worker. Rows land in the
// same table the Notifications stream reads.
type PGSink struct {
	store   Inserter
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewPGSink starts the worker. buffer bounds queued notifications; overflow is dropped.
func NewPGSink(store Inserter, buffer int, log *zap.Logger) *PGSink {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &PGSink{store: store, log: log, timeout: 5 * time.Second, queue: make(chan job, buffer)}
	s.wg.Add(1)
	go s.run()
	return s
}

// Send enqueues n. It never blocks.
func (s *PGSink) Send(ownerID uuid.UUID, n model.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.log.Warn("notification after close dropped", zap.String("owner", ownerID.String()))
		return
	}
	select {
	case s.queue <- job{owner: ownerID, n: n}:
	default:
		s.log.Warn("notification queue full, dropped", zap.String("owner", ownerID.String()))
	}
}

// Close drains queued notifications and stops the worker.
func (s *PGSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *PGSink) run() {
	defer s.wg.Done()
	for j := range s.queue {
		if err := s.write(j); err != nil {
			s.log.Error("notification insert failed", zap.String("owner", j.owner.String()), zap.Error(err))
		}
	}
}

func (s *PGSink) write(j job) error {
	payload, err := json.Marshal(j.n)
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.store.Insert(ctx, &model.Resource{
		ID:      id,
		OwnerID: j.owner,
		Kind:    model.KindNotification,
		Name:    j.n.Title,
		Payload: payload,
	})
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Send(uuid.UUID, model.Notification) {}
