package quota

import (
	"bytes"
	"context"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/blob"
	"github.com/and161185/vaultsync/internal/errs"
)

// BlobResult describes a replaced object and the owner's resulting usage.
type BlobResult struct {
	URL        string
	PriorBytes int64
	NewBytes   int64
	Usage      int64
}

// ReplaceBlob uploads content at path and charges the owner the size difference.
// The prior size is read outside the ledger transaction; a missing object or a failed read
// counts as zero. A positive limit rejects the upload up front when the projected usage would
// exceed it; the check reads usage before the upload, so concurrent uploads may overshoot.
func (l *Ledger) ReplaceBlob(ctx context.Context, blobs blob.Store, ownerID uuid.UUID, path string, content []byte, limit int64) (BlobResult, error) {
	prior, err := blobs.Size(ctx, path)
	if err != nil {
		l.log.Debug("prior blob size unknown, assuming zero", zap.String("path", path), zap.Error(err))
		prior = 0
	}
	if limit > 0 {
		cur, err := l.Usage(ctx, ownerID)
		if err != nil {
			return BlobResult{}, &errs.QuotaTransactionError{OwnerID: ownerID.String(), Err: err}
		}
		if projected := Next(cur, prior, int64(len(content))); projected > limit {
			return BlobResult{}, &errs.QuotaExceededError{Limit: limit, Projected: projected}
		}
	}
	u, size, err := blobs.Put(ctx, path, bytes.NewReader(content))
	if err != nil {
		return BlobResult{}, err
	}
	usage, err := l.Replace(ctx, ownerID, prior, size)
	if err != nil {
		return BlobResult{}, err
	}
	return BlobResult{URL: u, PriorBytes: prior, NewBytes: size, Usage: usage}, nil
}
