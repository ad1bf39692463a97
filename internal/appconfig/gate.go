// Package appconfig loads tenant-wide limits that gate session activation.
package appconfig

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/vaultsync/internal/errs"
	"github.com/and161185/vaultsync/internal/model"
)

// Hardcoded defaults applied to a missing record or missing fields.
const (
	DefaultMaxStorageBytes int64 = 200 * 1024 * 1024
	DefaultMaxCardCount          = 10
	DefaultMaxFolderDepth        = 5
)

// Defaults returns the config used when the remote source has no record.
func Defaults() model.AppConfig {
	return model.AppConfig{
		MaxStorageBytes: DefaultMaxStorageBytes,
		MaxCardCount:    DefaultMaxCardCount,
		MaxFolderDepth:  DefaultMaxFolderDepth,
	}
}

// Record is the raw remote document; nil fields are absent.
type Record struct {
	MaxStorageLimitBytes *int64
	MaxCardCount         *int
	MaxFolderDepth       *int
}

// Source reads the config document. A missing document is (nil, nil).
type Source interface {
	Fetch(ctx context.Context) (*Record, error)
}

// Gate resolves the AppConfig for a session activation.
type Gate struct {
	src Source
	log *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(src Source, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{src: src, log: log}
}

// Fetch loads the config. Fetch errors abort activation with a ConfigError; a missing record
// or missing fields fall back to defaults independently.
func (g *Gate) Fetch(ctx context.Context) (model.AppConfig, error) {
	rec, err := g.src.Fetch(ctx)
	if err != nil {
		g.log.Warn("app config fetch failed", zap.Error(err))
		return model.AppConfig{}, &errs.ConfigError{Err: err}
	}
	if rec == nil {
		g.log.Info("app config missing, using defaults")
		return Defaults(), nil
	}
	return Resolve(rec), nil
}

// Resolve applies field-level defaults to rec. Non-positive values count as absent.
func Resolve(rec *Record) model.AppConfig {
	cfg := Defaults()
	if rec == nil {
		return cfg
	}
	if v := rec.MaxStorageLimitBytes; v != nil && *v > 0 {
		cfg.MaxStorageBytes = *v
	}
	if v := rec.MaxCardCount; v != nil && *v > 0 {
		cfg.MaxCardCount = *v
	}
	if v := rec.MaxFolderDepth; v != nil && *v > 0 {
		cfg.MaxFolderDepth = *v
	}
	return cfg
}

// Static is a Source returning a fixed record.
type Static struct{ Rec *Record }

func (s Static) Fetch(context.Context) (*Record, error) { return s.Rec, nil }
