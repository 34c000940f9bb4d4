package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

// Error taxonomy for the local store.
//
// Callers check these with errors.Is():
//
//	if errors.Is(err, db.ErrConstraint) {
//	    // reject the mutation, never retry it
//	}
var (
	// ErrConnection is returned when a handle cannot be acquired, even after
	// the bounded retry. It escalates to the Recovery Manager.
	ErrConnection = errors.New("store connection unavailable")

	// ErrIntegrity is returned when SQLite reports a corrupted or
	// unrecognizable database file. It triggers the full recovery flow.
	ErrIntegrity = errors.New("store integrity failure")

	// ErrConstraint is returned when a write violates a NOT NULL, CHECK,
	// UNIQUE or FOREIGN KEY constraint, or fails domain validation.
	// The write is rolled back and never retried automatically.
	ErrConstraint = errors.New("constraint violation")

	// ErrNotFound is returned by single-row reads when no row matches.
	ErrNotFound = errors.New("record not found")
)

// Classify maps a raw driver error onto the store taxonomy.
//
// The returned error wraps both the taxonomy sentinel and the original
// error, so errors.Is works for either. Errors that do not belong to any
// category are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrConstraint), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, sqlite3.CONSTRAINT):
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	case errors.Is(err, sqlite3.CORRUPT), errors.Is(err, sqlite3.NOTADB):
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	case errors.Is(err, sqlite3.CANTOPEN), errors.Is(err, sqlite3.IOERR):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "sql: database is closed"):
		// The handle was closed under the caller by a Reset.
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Lock contention that outlived the busy timeout and connection failures
// qualify; constraint and integrity failures never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConstraint) || errors.Is(err, ErrIntegrity) {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) ||
		errors.Is(err, context.DeadlineExceeded)
}

// NeedsRecovery returns true if the error indicates a damaged store file
// that only the Recovery Manager can repair.
func NeedsRecovery(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
