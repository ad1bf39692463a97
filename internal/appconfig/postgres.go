package appconfig

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of a pgx pool used by PGSource.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGSource reads the app_config row for a tenant key.
type PGSource struct {
	q   Querier
	key string
}

// NewPGSource constructs a source for key.
func NewPGSource(q Querier, key string) *PGSource {
	return &PGSource{q: q, key: key}
}

// Fetch returns nil when the row is missing.
func (s *PGSource) Fetch(ctx context.Context) (*Record, error) {
	const q = `
SELECT max_storage_limit_bytes, max_card_count, max_folder_depth
FROM app_config WHERE key=$1`
	var rec Record
	err := s.q.QueryRow(ctx, q, s.key).Scan(&rec.MaxStorageLimitBytes, &rec.MaxCardCount, &rec.MaxFolderDepth)
	switch {
	case err == nil:
		return &rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
}
