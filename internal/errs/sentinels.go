// Package errs contains sentinel and typed errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., mobile taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrDeviceMismatch indicates the account is bound to another device.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrNoSession indicates an operation that needs an active session was called without one.
	ErrNoSession = errors.New("no active session")
)
