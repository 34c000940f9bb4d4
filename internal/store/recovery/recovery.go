// Package recovery keeps the local store usable when its file is damaged.
//
// Recovery never repairs a file in place. The damaged file is moved aside
// as a timestamped snapshot, a fresh store is created from the schema
// registry, and whatever the snapshot still yields is copied back:
//
//	rm := recovery.New(recovery.Config{Manager: mgr, BackupDir: "data/backups"})
//	ok, _ := rm.VerifyIntegrity(ctx)
//	if !ok {
//	    res, err := rm.Recover(ctx)
//	    ...
//	}
//
// New registers the manager as the connection manager's escalation hook,
// so a store that keeps failing to open is recovered without any caller
// being involved.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

// Owner is the connection owner key used by recovery and backups.
const Owner = "recovery"

const snapshotStamp = "20060102T150405Z"

// ErrInProgress is returned when a recovery is already running.
var ErrInProgress = errors.New("recovery already in progress")

// Config configures a Manager.
type Config struct {
	Manager *db.Manager

	// BackupDir receives snapshots. Defaults to "backups" next to the
	// store file.
	BackupDir string

	// OnRecover is called after every completed recovery.
	OnRecover func(Result)

	Logger zerolog.Logger

	// Now is swapped in tests.
	Now func() time.Time
}

// Manager verifies, recovers and backs up the store.
type Manager struct {
	mgr       *db.Manager
	backupDir string
	onRecover func(Result)
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool
}

// New creates a Manager and registers it as mgr's escalation hook.
func New(cfg Config) *Manager {
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.Manager.Path()), "backups")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		mgr:       cfg.Manager,
		backupDir: cfg.BackupDir,
		onRecover: cfg.OnRecover,
		logger:    cfg.Logger.With().Str("component", "recovery").Logger(),
		now:       cfg.Now,
	}
	cfg.Manager.SetEscalation(m.escalate)
	return m
}

// BackupDir returns the snapshot directory.
func (m *Manager) BackupDir() string {
	return m.backupDir
}

// VerifyIntegrity runs PRAGMA integrity_check on a dedicated read-only
// handle. A store that cannot be opened or queried is reported as not ok;
// the error is only set when ctx ended.
func (m *Manager) VerifyIntegrity(ctx context.Context) (bool, error) {
	path := m.mgr.Path()
	if _, err := os.Stat(path); err != nil {
		m.logger.Warn().Err(err).Msg("Store file unavailable")
		return false, nil
	}

	conn, err := m.mgr.OpenFile(ctx, path, true)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.logger.Warn().Err(err).Msg("Integrity check could not open the store")
		return false, nil
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.logger.Warn().Err(err).Msg("Integrity check failed to run")
		return false, nil
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return false, nil
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		m.logger.Warn().Err(err).Msg("Integrity check interrupted")
		return false, nil
	}
	if len(problems) > 0 {
		m.logger.Error().Strs("problems", problems).Msg("Integrity check failed")
		return false, nil
	}
	return true, nil
}

// Recover moves the store file aside, recreates the schema on a fresh file
// and restores what it can from the moved file.
//
// Once the schema step has run the store is writable again, whatever the
// restore yields. The returned error is only set when that point was not
// reached.
func (m *Manager) Recover(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, ErrInProgress
	}
	defer m.running.Store(false)

	res := Result{StartedAt: m.now().UTC()}
	m.logger.Warn().Str("path", m.mgr.Path()).Msg("Starting store recovery")

	// No worker can open the store until the fresh file has its schema
	// and the salvaged rows.
	err := m.mgr.Reset(func() error {
		snapshot, err := m.quarantine()
		if err != nil {
			return fmt.Errorf("failed to move the damaged store aside: %w", err)
		}
		res.Snapshot = snapshot

		fresh, err := m.mgr.OpenFile(ctx, m.mgr.Path(), false)
		if err != nil {
			return fmt.Errorf("failed to create a fresh store: %w", err)
		}
		defer fresh.Close()

		if err := migrate.Ensure(ctx, fresh); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}

		if snapshot != "" {
			m.restore(ctx, fresh, snapshot, &res)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.FinishedAt = m.now().UTC()

	m.logger.Info().
		Str("snapshot", res.Snapshot).
		Int("restored_tables", len(res.Restored)).
		Int("restored_rows", res.RestoredRows()).
		Int("skipped_tables", len(res.Skipped)).
		Msg("Store recovered")

	if m.onRecover != nil {
		m.onRecover(res)
	}
	return res, nil
}

// EnsureHealthy verifies an existing store file and recovers it when the
// check fails. A missing file is left for schema creation. The returned
// Result is nil when no recovery ran.
func (m *Manager) EnsureHealthy(ctx context.Context) (*Result, error) {
	if _, err := os.Stat(m.mgr.Path()); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	ok, err := m.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		m.logger.Debug().Msg("Integrity check passed")
		return nil, nil
	}
	res, err := m.Recover(ctx)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// escalate is the connection manager's escalation hook.
func (m *Manager) escalate(ctx context.Context, cause error) error {
	if !db.NeedsRecovery(cause) {
		ok, err := m.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Info().Err(cause).Msg("Store file is intact, not recovering")
			return nil
		}
	}
	_, err := m.Recover(ctx)
	return err
}

// Backup writes a consistent copy of the live store into the backup
// directory and returns its path.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	dest, err := m.reserve()
	if err != nil {
		return "", err
	}

	h, err := m.mgr.Acquire(ctx, Owner)
	if err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	if _, err := h.DB().ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("failed to write backup: %w", db.Classify(err))
	}
	if err := os.Chmod(dest, 0o444); err != nil {
		m.logger.Warn().Err(err).Str("path", dest).Msg("Failed to make backup read-only")
	}

	m.logger.Info().Str("path", dest).Msg("Backup written")
	return dest, nil
}

// Snapshot is one file in the backup directory.
type Snapshot struct {
	Path    string    `json:"path" yaml:"path"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
}

// Snapshots lists the snapshots of this store, oldest first.
func (m *Manager) Snapshots() ([]Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(m.backupDir, m.baseName()+"-*.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(matches)

	out := make([]Snapshot, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Path: p, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// quarantine moves the store file and its WAL companions to a new
// snapshot name. It returns "" when there is no store file.
func (m *Manager) quarantine() (string, error) {
	path := m.mgr.Path()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		for _, suffix := range []string{"-wal", "-shm"} {
			_ = os.Remove(path + suffix)
		}
		return "", nil
	}

	dest, err := m.reserve()
	if err != nil {
		return "", err
	}
	if err := os.Rename(path, dest); err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("failed to move %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, dest+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Err(err).Str("file", path+suffix).Msg("Failed to move companion file, removing it")
			_ = os.Remove(path + suffix)
		}
	}
	if err := os.Chmod(dest, 0o444); err != nil {
		m.logger.Warn().Err(err).Str("path", dest).Msg("Failed to make snapshot read-only")
	}

	m.logger.Warn().Str("snapshot", dest).Msg("Damaged store moved aside")
	return dest, nil
}

// reserve creates an empty, previously unused snapshot file and returns
// its path. Existing snapshots are never overwritten.
func (m *Manager) reserve() (string, error) {
	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stem := fmt.Sprintf("%s-%s", m.baseName(), m.now().UTC().Format(snapshotStamp))
	for i := 0; ; i++ {
		name := stem + ".db"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.db", stem, i)
		}
		p := filepath.Join(m.backupDir, name)
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create snapshot file: %w", err)
		}
		_ = f.Close()
		return p, nil
	}
}

func (m *Manager) baseName() string {
	base := filepath.Base(m.mgr.Path())
	return strings.TrimSuffix(base, filepath.Ext(base))
}
