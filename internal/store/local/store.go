// Package local provides transactional access to the domain tables.
//
// A Store is bound to one worker (owner key) of the Connection Manager;
// WithOwner derives a Store for another worker over the same file. Writes
// run in explicit transactions: on any error or panic the transaction is
// rolled back and the error is returned, meaning the write did not happen.
// Reads return explicit errors, never an empty result in place of one.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
)

// DefaultOwner is the worker key of foreground CRUD calls.
const DefaultOwner = "foreground"

// Store is the local relational store as seen by one worker.
type Store struct {
	mgr    *db.Manager
	owner  string
	logger zerolog.Logger
}

// New creates a Store for owner (DefaultOwner if empty).
func New(mgr *db.Manager, owner string, logger zerolog.Logger) *Store {
	if owner == "" {
		owner = DefaultOwner
	}
	return &Store{
		mgr:    mgr,
		owner:  owner,
		logger: logger.With().Str("component", "store").Str("owner", owner).Logger(),
	}
}

// WithOwner returns a Store over the same file for another worker.
func (s *Store) WithOwner(owner string) *Store {
	return New(s.mgr, owner, s.logger)
}

// Owner returns the worker key of this Store.
func (s *Store) Owner() string {
	return s.owner
}

// Manager returns the underlying Connection Manager.
func (s *Store) Manager() *db.Manager {
	return s.mgr
}

// Conn returns this worker's handle. It must not be passed to other
// goroutines acting as different workers.
func (s *Store) Conn(ctx context.Context) (*sql.DB, error) {
	h, err := s.mgr.Acquire(ctx, s.owner)
	if err != nil {
		return nil, err
	}
	return h.DB(), nil
}

// Write runs fn in a transaction and commits it. If fn returns an error or
// panics, the transaction is rolled back and the (classified) error is
// returned.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	conn, err := s.Conn(ctx)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			s.logger.Error().Interface("panic", p).Msg("Write panicked, rolled back")
			err = fmt.Errorf("transaction aborted: %v", p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return s.fail(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail(ctx, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Execute runs a single statement in its own transaction.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.Write(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Query runs a read. The caller closes the rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := s.Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("query failed: %w", err))
	}
	return rows, nil
}

// QueryRow runs a single-row read and scans it into dest.
// No matching row yields an error wrapping db.ErrNotFound.
func (s *Store) QueryRow(ctx context.Context, dest []any, query string, args ...any) error {
	conn, err := s.Conn(ctx)
	if err != nil {
		return err
	}
	if err := conn.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.ErrNotFound
		}
		return s.fail(ctx, fmt.Errorf("query failed: %w", err))
	}
	return nil
}

// fail classifies err. Connection failures drop the handle so the next call
// reopens it; integrity failures are escalated to recovery.
func (s *Store) fail(ctx context.Context, err error) error {
	err = db.Classify(err)
	switch {
	case errors.Is(err, db.ErrConnection):
		s.mgr.Invalidate(s.owner)
	case db.NeedsRecovery(err):
		s.logger.Error().Err(err).Msg("Integrity failure")
		s.mgr.Escalate(context.WithoutCancel(ctx), err)
	}
	return err
}

// constraint wraps a validation failure as a constraint violation.
func constraint(err error) error {
	return fmt.Errorf("%w: %w", db.ErrConstraint, err)
}
