package recovery

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
)

func newManager(t *testing.T) *db.Manager {
	t.Helper()
	mgr, err := db.NewManager(db.Config{
		Path:       filepath.Join(t.TempDir(), "estoque.db"),
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.CloseAll() })
	return mgr
}

func newStore(t *testing.T, mgr *db.Manager) *local.Store {
	t.Helper()
	store := local.New(mgr, local.DefaultOwner, zerolog.Nop())
	conn, err := store.Conn(context.Background())
	require.NoError(t, err)
	require.NoError(t, migrate.Ensure(context.Background(), conn))
	return store
}

// seed writes one group, two items and one outbox entry.
func seed(t *testing.T, store *local.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	g := &model.Group{ID: "g1", Name: "Cleaning"}
	g.SetDefaults(now)
	require.NoError(t, store.PutGroup(ctx, g))

	for _, id := range []string{"a", "b"} {
		item := &model.Item{ID: id, Name: "Item " + id, Quantity: 3, GroupID: "g1"}
		item.SetDefaults(now)
		require.NoError(t, store.PutItem(ctx, item))
	}

	q := outbox.New(store, zerolog.Nop())
	_, err := q.Enqueue(ctx, model.OpDelete, model.CollectionProducts, "old", nil)
	require.NoError(t, err)
}

func corrupt(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 300), 0o644))
}

func restoredRows(res Result, table migrate.Table) int {
	for _, tr := range res.Restored {
		if tr.Table == table {
			return tr.Rows
		}
	}
	return -1
}

func TestVerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	rm := New(Config{Manager: mgr})

	ok, err := rm.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a missing store is not intact")

	seed(t, newStore(t, mgr))
	ok, err = rm.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mgr.CloseAll())
	corrupt(t, mgr.Path())
	ok, err = rm.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRecover_ReadableSnapshot tests that a readable snapshot is restored
// into the fresh store.
func TestRecover_ReadableSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	store := newStore(t, mgr)
	seed(t, store)

	var notified atomic.Int32
	rm := New(Config{Manager: mgr, OnRecover: func(Result) { notified.Add(1) }})

	res, err := rm.Recover(ctx)
	require.NoError(t, err)
	assert.FileExists(t, res.Snapshot)
	assert.Equal(t, rm.BackupDir(), filepath.Dir(res.Snapshot))
	assert.Empty(t, res.SnapshotError)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 1, restoredRows(res, migrate.TableGroups))
	assert.Equal(t, 2, restoredRows(res, migrate.TableItems))
	assert.Equal(t, 1, restoredRows(res, migrate.TableSyncOperations))
	assert.Equal(t, 4, res.RestoredRows())
	assert.Equal(t, int32(1), notified.Load())

	item, err := store.GetItem(ctx, model.DomainProduct, "a")
	require.NoError(t, err)
	assert.Equal(t, "g1", item.GroupID)

	st, err := outbox.New(store, zerolog.Nop()).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending, "pending intents survive recovery")
}

// TestRecover_UnreadableSnapshot tests that a garbage store still leaves
// a writable, empty store behind.
func TestRecover_UnreadableSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	corrupt(t, mgr.Path())

	rm := New(Config{Manager: mgr})
	res, err := rm.Recover(ctx)
	require.NoError(t, err)
	assert.FileExists(t, res.Snapshot)
	assert.NotEmpty(t, res.SnapshotError)
	assert.Empty(t, res.Restored)

	store := local.New(mgr, local.DefaultOwner, zerolog.Nop())
	item := &model.Item{ID: "x", Name: "Fresh", Quantity: 1}
	item.SetDefaults(time.Now())
	require.NoError(t, store.PutItem(ctx, item))

	ok, err := rm.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRecover_NeverOverwritesSnapshots tests collision-safe naming.
func TestRecover_NeverOverwritesSnapshots(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rm := New(Config{Manager: mgr, Now: func() time.Time { return fixed }})

	corrupt(t, mgr.Path())
	first, err := rm.Recover(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.CloseAll())
	corrupt(t, mgr.Path())
	second, err := rm.Recover(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.Snapshot, second.Snapshot)
	assert.Equal(t, "estoque-20260501T120000Z.db", filepath.Base(first.Snapshot))
	assert.Equal(t, "estoque-20260501T120000Z-1.db", filepath.Base(second.Snapshot))

	snaps, err := rm.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestRecover_NoStoreFile(t *testing.T) {
	mgr := newManager(t)
	rm := New(Config{Manager: mgr})

	res, err := rm.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Snapshot)
	assert.FileExists(t, mgr.Path())
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	store := newStore(t, mgr)
	seed(t, store)
	rm := New(Config{Manager: mgr})

	path, err := rm.Backup(ctx)
	require.NoError(t, err)

	snaps, err := rm.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, path, snaps[0].Path)

	conn, err := mgr.OpenFile(ctx, path, true)
	require.NoError(t, err)
	defer conn.Close()
	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&n))
	assert.Equal(t, 2, n)

	// The live store is untouched.
	_, err = store.GetItem(ctx, model.DomainProduct, "b")
	assert.NoError(t, err)
}

// TestEscalation_RecoversUnopenableStore tests the hook path: a store that
// cannot be opened is recovered without the caller doing anything.
func TestEscalation_RecoversUnopenableStore(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	corrupt(t, mgr.Path())

	var recovered atomic.Int32
	New(Config{Manager: mgr, OnRecover: func(Result) { recovered.Add(1) }})

	store := local.New(mgr, local.DefaultOwner, zerolog.Nop())
	write := func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS scratch (id INTEGER)")
		return err
	}

	assert.NoError(t, store.Write(ctx, write), "the write lands in the rebuilt store")
	assert.Equal(t, int32(1), recovered.Load())
	assert.NoError(t, store.Write(ctx, write))
}

// TestRecover_ConcurrentWriter tests that a worker writing while the store
// is rebuilt ends up on the new file: the first write it commits after
// Recover returns is in the live store, not in the snapshot.
func TestRecover_ConcurrentWriter(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		mgr := newManager(t)
		store := newStore(t, mgr)
		rm := New(Config{Manager: mgr})

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				// Failures on a handle closed mid-reset are expected.
				_, _ = store.Execute(ctx, "INSERT OR IGNORE INTO settings (id, data) VALUES (?, '{}')",
					fmt.Sprintf("during-%d", i))
			}
		}()

		time.Sleep(5 * time.Millisecond)
		res, err := rm.Recover(ctx)
		close(stop)
		wg.Wait()
		require.NoError(t, err)

		var result sql.Result
		require.Eventually(t, func() bool {
			result, err = store.Execute(ctx, "INSERT INTO settings (id, data) VALUES ('after', '{}')")
			return err == nil
		}, time.Second, 5*time.Millisecond)
		require.NotNil(t, result)

		assert.Equal(t, 1, countSetting(t, mgr, mgr.Path(), "after"), "round %d: live store", round)
		assert.Equal(t, 0, countSetting(t, mgr, res.Snapshot, "after"), "round %d: snapshot", round)
	}
}

func countSetting(t *testing.T, mgr *db.Manager, path, id string) int {
	t.Helper()
	conn, err := mgr.OpenFile(context.Background(), path, true)
	require.NoError(t, err)
	defer conn.Close()
	var n int
	require.NoError(t, conn.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM settings WHERE id = ?", id).Scan(&n))
	return n
}

func TestEnsureHealthy(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	rm := New(Config{Manager: mgr})

	res, err := rm.EnsureHealthy(ctx)
	require.NoError(t, err)
	assert.Nil(t, res, "a missing store is created, not recovered")

	seed(t, newStore(t, mgr))
	res, err = rm.EnsureHealthy(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, mgr.CloseAll())
	corrupt(t, mgr.Path())
	res, err = rm.EnsureHealthy(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.FileExists(t, res.Snapshot)
}
