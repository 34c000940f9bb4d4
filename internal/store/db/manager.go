// Package db owns the physical SQLite handles of the local store.
//
// The store runs in embedded mode through the ncruces driver (SQLite compiled
// to WebAssembly, no cgo) with WAL journaling for concurrent readers.
//
// Every worker of the process gets its own handle, keyed by an owner name:
//
//	mgr, err := db.NewManager(db.Config{Path: "data/estoque.db"})
//	if err != nil {
//	    return err
//	}
//	defer mgr.CloseAll()
//
//	h, err := mgr.Acquire(ctx, "foreground")
//	if err != nil {
//	    return err // wraps db.ErrConnection
//	}
//	rows, err := h.DB().QueryContext(ctx, "SELECT id FROM items")
//
// Handles are capped at a single physical connection and are never shared
// between owners. The embedded store serializes writers through its own
// busy timeout and WAL locking.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"
)

const (
	// DefaultBusyTimeout bounds how long a writer waits on a locked store.
	DefaultBusyTimeout = 5 * time.Second

	// DefaultRetryDelay is the pause before the single acquisition retry.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	// Path is the store file on disk.
	Path string

	// BusyTimeout is passed to PRAGMA busy_timeout on every connection.
	BusyTimeout time.Duration

	// RetryDelay is how long Acquire waits before retrying a failed open.
	RetryDelay time.Duration

	// Logger for connection activity (zero value discards).
	Logger zerolog.Logger
}

// EscalateFunc is invoked when a handle cannot be acquired after the retry.
// The Recovery Manager registers itself here.
type EscalateFunc func(ctx context.Context, cause error) error

// Handle is one owner's physical connection to the store.
type Handle struct {
	owner      string
	generation uint64
	conn       *sql.DB
}

// DB returns the underlying *sql.DB. It must stay with the owning worker.
func (h *Handle) DB() *sql.DB {
	return h.conn
}

// Owner returns the worker key this handle belongs to.
func (h *Handle) Owner() string {
	return h.owner
}

// Generation returns the manager generation the handle was opened in.
// Recovery bumps the generation when it closes every handle.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Manager hands out per-owner handles and recreates them on failure.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	handles    map[string]*Handle
	generation uint64

	// reset is held for reading while a handle is opened and for writing
	// while the store file is replaced.
	reset sync.RWMutex

	escalate   EscalateFunc
	escalating atomic.Bool

	// open is swapped in tests to simulate unavailable stores.
	open func(dsn string) (*sql.DB, error)
}

// NewManager creates a Manager for the store file at cfg.Path.
// The parent directory is created if missing; no handle is opened yet.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "connmgr").Logger(),
		handles: make(map[string]*Handle),
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("sqlite3", dsn)
		},
	}, nil
}

// Path returns the store file path.
func (m *Manager) Path() string {
	return m.cfg.Path
}

// Generation returns the current handle generation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// SetEscalation registers the hook invoked when acquisition keeps failing.
func (m *Manager) SetEscalation(fn EscalateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalate = fn
}

// Acquire returns the handle owned by owner, opening it on first use.
//
// A failed open is retried once after RetryDelay. If the retry fails too,
// the escalation hook runs (at most one escalation at a time). When that
// escalation rebuilt the store, the open is attempted once more; otherwise
// an error wrapping ErrConnection is returned. Acquire blocks while a Reset
// is in progress.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Handle, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner cannot be empty", ErrConnection)
	}

	h, cause, err := m.acquire(ctx, owner)
	if cause == nil {
		return h, err
	}

	generation := m.Generation()
	if m.signalRecovery(ctx, cause) && m.Generation() != generation {
		m.logger.Info().Str("owner", owner).Msg("Store was rebuilt, opening again")
		h, cause, err = m.acquire(ctx, owner)
		if cause == nil {
			return h, err
		}
	}
	return nil, fmt.Errorf("%w: owner %s: %w", ErrConnection, owner, cause)
}

// acquire opens or returns the cached handle. cause is set when the open
// failed twice and the failure is a candidate for escalation.
func (m *Manager) acquire(ctx context.Context, owner string) (h *Handle, cause, err error) {
	m.reset.RLock()
	defer m.reset.RUnlock()

	m.mu.Lock()
	if h, ok := m.handles[owner]; ok {
		m.mu.Unlock()
		return h, nil, nil
	}
	m.mu.Unlock()

	conn, err := m.connect(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("owner", owner).Msg("Open failed, retrying once")

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		case <-time.After(m.cfg.RetryDelay):
		}

		conn, err = m.connect(ctx)
	}
	if err != nil {
		return nil, err, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine of the same owner may have won the race.
	if h, ok := m.handles[owner]; ok {
		_ = conn.Close()
		return h, nil, nil
	}

	h = &Handle{owner: owner, generation: m.generation, conn: conn}
	m.handles[owner] = h
	m.logger.Debug().Str("owner", owner).Uint64("generation", h.generation).Msg("Handle opened")
	return h, nil, nil
}

// Invalidate drops the owner's handle so the next Acquire reopens it.
// Callers use it after an operation failed with ErrConnection.
func (m *Manager) Invalidate(owner string) {
	m.mu.Lock()
	h, ok := m.handles[owner]
	delete(m.handles, owner)
	m.mu.Unlock()

	if ok {
		_ = h.conn.Close()
	}
}

// Release checkpoints and closes the owner's handle.
func (m *Manager) Release(owner string) error {
	m.mu.Lock()
	h, ok := m.handles[owner]
	delete(m.handles, owner)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.closeHandle(h)
}

// CloseAll closes every handle and bumps the generation.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.generation++
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := m.closeHandle(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reset closes every handle and runs fn while no handle can be opened.
// Recovery moves and recreates the store file inside fn; every Acquire
// that starts before fn returns waits and then opens the new file.
func (m *Manager) Reset(fn func() error) error {
	m.reset.Lock()
	defer m.reset.Unlock()

	if err := m.CloseAll(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to close handles cleanly")
	}
	return fn()
}

// OpenFile opens a standalone connection to an arbitrary store file, for
// reading snapshots. The handle is not cached and not owned by any worker.
func (m *Manager) OpenFile(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	conn, err := m.open(m.dsn(path, readOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, Classify(fmt.Errorf("failed to ping %s: %w", path, err))
	}
	return conn, nil
}

func (m *Manager) connect(ctx context.Context) (*sql.DB, error) {
	conn, err := m.open(m.dsn(m.cfg.Path, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One physical connection per owner.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, Classify(fmt.Errorf("failed to ping database: %w", err))
	}
	return conn, nil
}

// dsn builds the connection string. Pragmas go in the DSN so they apply
// to every physical connection the pool (re)creates.
func (m *Manager) dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", m.cfg.BusyTimeout.Milliseconds()))
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "journal_mode(wal)")
		q.Add("_pragma", "synchronous(normal)")
		q.Set("_txlock", "immediate")
	}
	return fmt.Sprintf("file:%s?%s", filepath.ToSlash(path), q.Encode())
}

func (m *Manager) closeHandle(h *Handle) error {
	// Checkpoint WAL before closing
	if _, err := h.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		m.logger.Debug().Err(err).Str("owner", h.owner).Msg("WAL checkpoint failed")
	}
	if err := h.conn.Close(); err != nil {
		return fmt.Errorf("failed to close handle %s: %w", h.owner, err)
	}
	return nil
}

// Escalate hands an integrity failure seen by a caller to the recovery hook.
// It is a no-op while another escalation is running.
func (m *Manager) Escalate(ctx context.Context, cause error) {
	m.signalRecovery(ctx, cause)
}

// signalRecovery runs the escalation hook and reports whether it ran and
// succeeded.
func (m *Manager) signalRecovery(ctx context.Context, cause error) bool {
	m.mu.Lock()
	escalate := m.escalate
	m.mu.Unlock()

	if escalate == nil {
		return false
	}
	if !m.escalating.CompareAndSwap(false, true) {
		return false
	}
	defer m.escalating.Store(false)

	m.logger.Error().Err(cause).Msg("Store failure, escalating to recovery")
	if err := escalate(ctx, cause); err != nil {
		m.logger.Error().Err(err).Msg("Recovery did not complete")
		return false
	}
	return true
}
