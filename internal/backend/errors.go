package backend

import (
	"context"
	"errors"
)

// Common errors returned by backends.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, backend.ErrUnavailable) {
//	    // leave the operation in the outbox for the next drain
//	}
var (
	// ErrUnavailable is returned when the backend cannot be reached.
	// It is never fatal: the effect stays queued in the outbox.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrStale is returned by Upsert when the stored document is newer
	// than the one being written.
	ErrStale = errors.New("stale write rejected")

	// ErrNotFound is returned by Get when no document has the id.
	ErrNotFound = errors.New("document not found")

	// ErrNotRegistered is returned by New for an unknown kind.
	ErrNotRegistered = errors.New("backend kind not registered")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStale) || errors.Is(err, ErrNotRegistered) {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsUnavailable returns true if the error means the backend is unreachable.
// A per-operation deadline counts as unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
