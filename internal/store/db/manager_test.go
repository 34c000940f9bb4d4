package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		Path:       filepath.Join(t.TempDir(), "nested", "store.db"),
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return mgr
}

func TestNewManager_RequiresPath(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestAcquire_AppliesPragmas(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	h, err := mgr.Acquire(ctx, "foreground")
	require.NoError(t, err)

	var fk int
	require.NoError(t, h.DB().QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, h.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, h.DB().QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, int(DefaultBusyTimeout.Milliseconds()), timeout)
}

func TestAcquire_PerOwnerHandles(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	fg1, err := mgr.Acquire(ctx, "foreground")
	require.NoError(t, err)
	fg2, err := mgr.Acquire(ctx, "foreground")
	require.NoError(t, err)
	bg, err := mgr.Acquire(ctx, "scheduler")
	require.NoError(t, err)

	assert.Same(t, fg1, fg2, "same owner must get the cached handle")
	assert.NotSame(t, fg1, bg, "different owners must never share a handle")
	assert.NotSame(t, fg1.DB(), bg.DB())
	assert.Equal(t, "scheduler", bg.Owner())
}

func TestAcquire_EmptyOwner(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestInvalidate_Reopens(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	h1, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)
	mgr.Invalidate("worker")
	h2, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	require.NoError(t, h2.DB().PingContext(ctx))
}

func TestCloseAll_BumpsGeneration(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	h1, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)
	require.NoError(t, mgr.CloseAll())
	assert.Equal(t, uint64(1), mgr.Generation())

	h2, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h1.Generation())
	assert.Equal(t, uint64(1), h2.Generation())
}

func TestAcquire_RetriesOnceThenEscalates(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	var opens atomic.Int32
	failure := errors.New("disk unplugged")
	mgr.open = func(string) (*sql.DB, error) {
		opens.Add(1)
		return nil, failure
	}

	var escalations atomic.Int32
	mgr.SetEscalation(func(_ context.Context, cause error) error {
		escalations.Add(1)
		assert.ErrorIs(t, cause, failure)
		return nil
	})

	h, err := mgr.Acquire(ctx, "worker")
	assert.Nil(t, h, "no live handle on failure")
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, int32(2), opens.Load(), "exactly one retry")
	assert.Equal(t, int32(1), escalations.Load())
}

func TestAcquire_RecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	openReal := mgr.open
	var opens atomic.Int32
	mgr.open = func(dsn string) (*sql.DB, error) {
		if opens.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return openReal(dsn)
	}
	mgr.SetEscalation(func(context.Context, error) error {
		t.Error("escalation must not run when the retry succeeds")
		return nil
	})

	h, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestAcquire_SingleEscalationAtATime(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	mgr.open = func(string) (*sql.DB, error) { return nil, errors.New("down") }

	release := make(chan struct{})
	var escalations atomic.Int32
	mgr.SetEscalation(func(context.Context, error) error {
		escalations.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = mgr.Acquire(ctx, "a")
	}()

	require.Eventually(t, func() bool { return escalations.Load() == 1 }, time.Second, time.Millisecond)

	// A second failure while the first escalation is running does not re-enter.
	_, err := mgr.Acquire(ctx, "b")
	assert.ErrorIs(t, err, ErrConnection)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), escalations.Load())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)
	h, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)

	_, err = h.DB().ExecContext(ctx, `CREATE TABLE t (id TEXT PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)

	_, err = h.DB().ExecContext(ctx, `INSERT INTO t (id, name) VALUES ('1', NULL)`)
	require.Error(t, err)
	classified := Classify(err)
	assert.ErrorIs(t, classified, ErrConstraint)
	assert.False(t, IsRetryable(classified))
	assert.False(t, NeedsRecovery(classified))

	plain := errors.New("plain")
	assert.Equal(t, plain, Classify(plain))
	assert.Nil(t, Classify(nil))
	assert.True(t, IsRetryable(ErrConnection))
	assert.True(t, NeedsRecovery(ErrIntegrity))
}

func TestReset_BlocksAcquire(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	before, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- mgr.Reset(func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := mgr.Acquire(ctx, "worker")
		assert.NoError(t, err)
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while the reset was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	after := <-acquired
	require.NotNil(t, after)
	assert.NotSame(t, before, after)
	assert.Equal(t, uint64(1), after.Generation())

	_, err = before.DB().ExecContext(ctx, "SELECT 1")
	assert.ErrorIs(t, Classify(err), ErrConnection, "the old handle is closed")
}

func TestAcquire_RetriesAfterRecovery(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	openReal := mgr.open
	var broken atomic.Bool
	broken.Store(true)
	mgr.open = func(dsn string) (*sql.DB, error) {
		if broken.Load() {
			return nil, errors.New("not a database")
		}
		return openReal(dsn)
	}

	var escalations atomic.Int32
	mgr.SetEscalation(func(context.Context, error) error {
		escalations.Add(1)
		return mgr.Reset(func() error {
			broken.Store(false)
			return nil
		})
	})

	h, err := mgr.Acquire(ctx, "worker")
	require.NoError(t, err, "a store rebuilt by the escalation is opened again")
	assert.NotNil(t, h)
	assert.Equal(t, int32(1), escalations.Load())
}

func TestAcquire_NoRetryWhenEscalationFails(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	var opens atomic.Int32
	mgr.open = func(string) (*sql.DB, error) {
		opens.Add(1)
		return nil, errors.New("down")
	}
	mgr.SetEscalation(func(context.Context, error) error {
		return errors.New("recovery failed")
	})

	_, err := mgr.Acquire(ctx, "worker")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(2), opens.Load())
}
