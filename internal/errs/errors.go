package errs

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// NetworkError is a transient transport failure (connection refused, timeout, 5xx).
type NetworkError struct {
	Op      string
	Status  int // HTTP status when the server answered, 0 otherwise
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: request timed out", e.Op)
	case e.Status != 0:
		return fmt.Sprintf("%s: server error (status %d): %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the credentials (or the exchanged token) were rejected.
type AuthError struct {
	Stage   string // "endpoint" or "provider"
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("authentication failed (%s): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("authentication failed (%s)", e.Stage)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnauthorized) match any AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// DeviceMismatchError is returned when the server reports the session is bound to another device.
type DeviceMismatchError struct {
	Message string
}

func (e *DeviceMismatchError) Error() string {
	if e.Message == "" {
		return ErrDeviceMismatch.Error()
	}
	return e.Message
}

func (e *DeviceMismatchError) Is(target error) bool { return target == ErrDeviceMismatch }

// LockedError carries the time left until a lockout expires.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	secs := int64(math.Ceil(e.Remaining.Seconds()))
	return fmt.Sprintf("too many failed attempts, try again in %ds", secs)
}

func (e *LockedError) Is(target error) bool { return target == ErrRateLimited }

// ConfigError aborts session activation when the tenant configuration could not be loaded.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("failed to load configuration: %v", e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

// QuotaTransactionError wraps a failed storage-usage transaction; stored usage is unchanged.
type QuotaTransactionError struct {
	OwnerID string
	Err     error
}

func (e *QuotaTransactionError) Error() string {
	return fmt.Sprintf("storage usage update for %s failed: %v", e.OwnerID, e.Err)
}

func (e *QuotaTransactionError) Unwrap() error { return e.Err }

// QuotaExceededError rejects an upload that would take usage past the tenant storage limit.
type QuotaExceededError struct {
	Limit     int64
	Projected int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage limit exceeded: %d of %d bytes", e.Projected, e.Limit)
}

// DepthExceededError rejects a folder creation that would exceed the nesting limit.
type DepthExceededError struct {
	Depth    int
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("folder depth %d exceeds the limit of %d levels", e.Depth, e.MaxDepth)
}

// DecodeError reports a malformed server response.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%s: malformed response: %v", e.Op, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if repeated without user action.
func Retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Message renders a single human-readable line for the presentation layer.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var (
		ne *NetworkError
		ae *AuthError
		de *DeviceMismatchError
		le *LockedError
		ce *ConfigError
		qe *QuotaTransactionError
		ue *QuotaExceededError
		xe *DepthExceededError
		pe *DecodeError
	)
	switch {
	case errors.As(err, &le):
		return le.Error()
	case errors.As(err, &de):
		return "This account is signed in on another device. Please sign in again."
	case errors.As(err, &ae):
		if ae.Message != "" {
			return ae.Message
		}
		return "Invalid credentials."
	case errors.As(err, &ne):
		if ne.Timeout {
			return "The request timed out. Check your connection and try again."
		}
		return "Network error. Check your connection and try again."
	case errors.As(err, &ce):
		return "Failed to load configuration."
	case errors.As(err, &ue):
		return "Not enough storage space for this file."
	case errors.As(err, &qe):
		return "Could not update storage usage."
	case errors.As(err, &xe):
		return xe.Error()
	case errors.As(err, &pe):
		return "Unexpected response from server."
	default:
		return err.Error()
	}
}
