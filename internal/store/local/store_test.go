package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mgr, err := db.NewManager(db.Config{Path: filepath.Join(t.TempDir(), "store.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.CloseAll() })

	s := New(mgr, "", zerolog.Nop())
	conn, err := s.Conn(context.Background())
	require.NoError(t, err)
	require.NoError(t, migrate.Ensure(context.Background(), conn))
	return s
}

func testItem(id, name string, qty float64) *model.Item {
	item := &model.Item{ID: id, Name: name, Quantity: qty}
	item.SetDefaults(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	return item
}

func TestWrite_CommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutItem(ctx, testItem("1", "Flour", 3)))

	boom := errors.New("boom")
	err := s.Write(ctx, func(tx *sql.Tx) error {
		if err := PutItemTx(ctx, tx, testItem("2", "Sugar", 1)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetItem(ctx, model.DomainProduct, "2")
	assert.ErrorIs(t, err, db.ErrNotFound, "rolled-back write must not be visible")

	got, err := s.GetItem(ctx, model.DomainProduct, "1")
	require.NoError(t, err)
	assert.Equal(t, "Flour", got.Name)
}

func TestWrite_PanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Write(ctx, func(tx *sql.Tx) error {
		require.NoError(t, PutItemTx(ctx, tx, testItem("p", "Panic", 1)))
		panic("unexpected")
	})
	require.Error(t, err)

	_, err = s.GetItem(ctx, model.DomainProduct, "p")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// The handle is still usable.
	require.NoError(t, s.PutItem(ctx, testItem("q", "After", 1)))
}

func TestPutItem_ConstraintViolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := testItem("1", "", 1)
	assert.ErrorIs(t, s.PutItem(ctx, bad), db.ErrConstraint)

	// Foreign key to a missing group is rejected by the store itself.
	orphan := testItem("2", "Orphan", 1)
	orphan.GroupID = "missing"
	assert.ErrorIs(t, s.PutItem(ctx, orphan), db.ErrConstraint)

	// Raw statement bypassing validation still hits the CHECK constraint.
	_, err := s.Execute(ctx, `INSERT INTO items (id, domain, name, quantity) VALUES ('3', 'product', 'Neg', -1)`)
	assert.ErrorIs(t, err, db.ErrConstraint)
}

func TestItems_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g := &model.Group{ID: "g1", Name: "Bakery"}
	g.SetDefaults(time.Now())
	require.NoError(t, s.PutGroup(ctx, g))

	item := testItem("1", "Flour", 3)
	item.GroupID = "g1"
	item.ExpiryDate = "2026-01-15"
	require.NoError(t, s.PutItem(ctx, item))

	item.Quantity = 7
	require.NoError(t, s.PutItem(ctx, item))

	got, err := s.GetItem(ctx, model.DomainProduct, "1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Quantity)
	assert.Equal(t, "g1", got.GroupID)
	assert.True(t, got.UpdatedAt.Equal(item.UpdatedAt))

	// Same id in the other domain is not visible.
	_, err = s.GetItem(ctx, model.DomainResidue, "1")
	assert.ErrorIs(t, err, db.ErrNotFound)

	listed, err := s.ListItems(ctx, ItemFilter{GroupID: "g1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	listed, err = s.ListItems(ctx, ItemFilter{Search: "LOU"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// Deleting the group ungroups the item.
	deleted, err := s.DeleteGroup(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, deleted)
	got, err = s.GetItem(ctx, model.DomainProduct, "1")
	require.NoError(t, err)
	assert.Empty(t, got.GroupID)

	deleted, err = s.DeleteItem(ctx, model.DomainProduct, "1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteItem(ctx, model.DomainProduct, "1")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")
}

func TestHistoryAndConfig(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(ctx, func(tx *sql.Tx) error {
		for i, effect := range []model.Effect{model.EffectEntry, model.EffectExit} {
			h := &model.HistoryEntry{
				ID:        fmt.Sprintf("h%d", i),
				ItemID:    "1",
				Quantity:  float64(i + 1),
				Date:      "2026-01-10",
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Effect:    effect,
			}
			if err := AddHistoryTx(ctx, tx, h); err != nil {
				return err
			}
			// Replays are ignored.
			if err := AddHistoryTx(ctx, tx, h); err != nil {
				return err
			}
		}
		return nil
	}))

	hist, err := s.ListHistory(ctx, "1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.EffectExit, hist[0].Effect, "newest first")

	entry := &model.ConfigEntry{ID: "cards", Data: model.Document{"visible": []any{"low_stock"}}, UpdatedAt: base}
	require.NoError(t, s.PutConfig(ctx, model.CollectionDashboardConfig, entry))

	got, err := s.GetConfig(ctx, model.CollectionDashboardConfig, "cards")
	require.NoError(t, err)
	assert.Equal(t, []any{"low_stock"}, got.Data["visible"])

	_, err = s.GetConfig(ctx, model.CollectionSettings, "cards")
	assert.ErrorIs(t, err, db.ErrNotFound)

	assert.Error(t, s.PutConfig(ctx, model.CollectionProducts, entry))
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	low := testItem("1", "Flour", 1)
	low.MinQuantity = 2
	expiring := testItem("2", "Milk", 10)
	expiring.ExpiryDate = "2026-01-12"
	later := testItem("3", "Rice", 10)
	later.ExpiryDate = "2026-06-01"
	residue := testItem("4", "Cardboard", 5)
	residue.Domain = model.DomainResidue

	for _, it := range []*model.Item{low, expiring, later, residue} {
		require.NoError(t, s.PutItem(ctx, it))
	}
	_, err := s.Execute(ctx, `INSERT INTO sync_operations (id, operation_type, collection, document_id, payload, timestamp)
		VALUES ('op1', 'add', 'products', '1', '{}', '2026-01-10T00:00:00.000000000Z')`)
	require.NoError(t, err)

	sum, err := s.Summary(ctx, SummaryOptions{Now: now, ExpiringWithin: 7 * 24 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Products)
	assert.Equal(t, 1, sum.Residues)
	assert.Equal(t, 1, sum.PendingSync)
	assert.Equal(t, 0, sum.DeadLetters)
	require.Len(t, sum.LowStock, 1)
	assert.Equal(t, "1", sum.LowStock[0].ID)
	require.Len(t, sum.Expiring, 1)
	assert.Equal(t, "2", sum.Expiring[0].ID)
}

func TestGetRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutItem(ctx, testItem("1", "Flour", 3)))
	row, err := s.GetRow(ctx, migrate.TableItems, "1")
	require.NoError(t, err)
	assert.Equal(t, "Flour", row["name"])
	assert.Nil(t, row["group_id"])

	_, err = s.GetRow(ctx, migrate.TableItems, "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = s.GetRow(ctx, "unregistered", "1")
	assert.Error(t, err)
}

// TestWorkers_Isolated has two workers write 100 rows each to different
// tables at the same time, each through its own handle.
func TestWorkers_Isolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const writes = 100
	products := s.WithOwner("worker-items")
	groups := s.WithOwner("worker-groups")

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			if err := products.PutItem(ctx, testItem(fmt.Sprintf("i%03d", i), "Item", float64(i))); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			g := &model.Group{ID: fmt.Sprintf("g%03d", i), Name: "Group"}
			g.SetDefaults(time.Now())
			if err := groups.PutGroup(ctx, g); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	items, err := s.ListItems(ctx, ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, writes)
	for i, item := range items {
		assert.Equal(t, float64(i), item.Quantity)
	}

	all, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, all, writes)
}
