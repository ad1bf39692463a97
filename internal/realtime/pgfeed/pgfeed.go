// Package pgfeed turns Postgres LISTEN/NOTIFY change signals into full stream snapshots.
package pgfeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/model"
)

// Channel is the notification channel the resources trigger publishes to.
// Payloads are "<owner uuid>:<resource kind>".
const Channel = "resources_changed"

// Listener is a dedicated connection receiving notifications.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

// Acquirer hands out a Listener per subscription.
type Acquirer func(ctx context.Context) (Listener, error)

// Lister runs the snapshot query of a stream.
type Lister interface {
	List(ctx context.Context, q model.Query) ([]model.Resource, error)
}

// Feed implements stream.Subscriber on top of Postgres.
type Feed struct {
	acquire Acquirer
	list    Lister
	log     *zap.Logger
	now     func() time.Time
}

// New constructs a Feed.
func New(acquire Acquirer, list Lister, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{acquire: acquire, list: list, log: log, now: time.Now}
}

// Subscribe emits the current snapshot and then a fresh one after every matching change.
func (f *Feed) Subscribe(ctx context.Context, q model.Query, emit func(model.Snapshot)) error {
	l, err := f.acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer l.Release()

	if err := l.Listen(ctx, Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := f.snapshot(ctx, q, emit); err != nil {
		return err
	}
	for {
		n, err := l.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if !Matches(n.Payload, q) {
			continue
		}
		if err := f.snapshot(ctx, q, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (f *Feed) snapshot(ctx context.Context, q model.Query, emit func(model.Snapshot)) error {
	items, err := f.list.List(ctx, q)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", q.Kind, err)
	}
	f.log.Debug("snapshot", zap.Stringer("kind", q.Kind), zap.Int("items", len(items)))
	emit(model.Snapshot{Kind: q.Kind, Items: items, At: f.now().UTC()})
	return nil
}

// Payload renders the notification payload for a change of kind owned by owner.
func Payload(owner uuid.UUID, kind model.ResourceKind) string {
	return owner.String() + ":" + string(kind)
}

// Matches reports whether payload signals a change visible to q.
func Matches(payload string, q model.Query) bool {
	owner, kind, ok := strings.Cut(payload, ":")
	if !ok || owner != q.OwnerID.String() {
		return false
	}
	for _, k := range q.Kind.Resources() {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// PoolAcquirer acquires listeners from a pgx pool.
func PoolAcquirer(pool *pgxpool.Pool) Acquirer {
	return func(ctx context.Context) (Listener, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &poolListener{c: c}, nil
	}
}

type poolListener struct{ c *pgxpool.Conn }

func (l *poolListener) Listen(ctx context.Context, channel string) error {
	_, err := l.c.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (l *poolListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return l.c.Conn().WaitForNotification(ctx)
}

// Release unsubscribes before handing the connection back to the pool.
func (l *poolListener) Release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.c.Exec(ctx, "UNLISTEN *"); err != nil {
		// A broken connection must not go back to the pool.
		_ = l.c.Conn().Close(ctx)
	}
	l.c.Release()
}
