// Package quota keeps the per-owner storage usage ledger consistent under concurrent writers.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// Store is the versioned usage record of each owner.
type Store interface {
	// Read returns the current entry; a missing entry reads as zero usage at version 0.
	Read(ctx context.Context, ownerID uuid.UUID) (model.QuotaLedgerEntry, error)
	// CompareAndSet writes usage if the stored version still equals ver and returns the new
	// version. A stale ver yields errs.ErrVersionConflict.
	CompareAndSet(ctx context.Context, ownerID uuid.UUID, ver, usage int64) (int64, error)
}

// Options tunes conflict retries.
type Options struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// Ledger applies "subtract old, add new, clamp at zero" updates.
type Ledger struct {
	store Store
	opts  Options
	log   *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(store Store, opts Options) *Ledger {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 10
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 5 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 250 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, opts: opts, log: log}
}

// ErrNegativeSize rejects a Replace with a negative byte count.
var ErrNegativeSize = errors.New("quota: byte counts must not be negative")

// Next computes the new usage. Removal never drives usage below zero.
func Next(current, removeBytes, addBytes int64) int64 {
	base := current - removeBytes
	if base < 0 {
		base = 0
	}
	return base + addBytes
}

func (l *Ledger) backoff() retry.Backoff {
	b := retry.NewExponential(l.opts.BaseDelay)
	b = retry.WithJitter(l.opts.BaseDelay, b)
	b = retry.WithCappedDuration(l.opts.MaxDelay, b)
	return retry.WithMaxRetries(l.opts.MaxRetries, b)
}

// Replace atomically swaps removeBytes for addBytes in the owner's usage and returns the
// committed value. Only version conflicts are retried; any other failure leaves usage unchanged
// and is returned as *errs.QuotaTransactionError.
func (l *Ledger) Replace(ctx context.Context, ownerID uuid.UUID, removeBytes, addBytes int64) (int64, error) {
	if removeBytes < 0 || addBytes < 0 {
		return 0, fmt.Errorf("%w: remove=%d add=%d", ErrNegativeSize, removeBytes, addBytes)
	}
	var committed int64
	attempt := 0
	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		attempt++
		cur, err := l.store.Read(ctx, ownerID)
		if err != nil {
			return err
		}
		next := Next(cur.CurrentUsageBytes, removeBytes, addBytes)
		if _, err := l.store.CompareAndSet(ctx, ownerID, cur.Ver, next); err != nil {
			if errors.Is(err, errs.ErrVersionConflict) {
				l.log.Debug("usage version conflict, retrying",
					zap.String("owner", ownerID.String()), zap.Int("attempt", attempt))
				return retry.RetryableError(err)
			}
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		l.log.Warn("usage update failed", zap.String("owner", ownerID.String()), zap.Error(err))
		return 0, &errs.QuotaTransactionError{OwnerID: ownerID.String(), Err: err}
	}
	return committed, nil
}

// Usage returns the owner's current usage.
func (l *Ledger) Usage(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	e, err := l.store.Read(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return e.CurrentUsageBytes, nil
}
