// Package loadtest provides load testing utilities for the local store.
//
// It simulates several workers writing through their own connection owner
// at the same time, the way the foreground services and the background
// scheduler do, and reports per-write latency. Every write commits an item,
// a history entry and an outbox intent in one transaction.
package loadtest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
)

// TestStore represents a populated store for load testing.
type TestStore struct {
	Manager *db.Manager
	Store   *local.Store
	ItemIDs []string

	logger zerolog.Logger
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min         time.Duration `json:"min" yaml:"min"`
	Max         time.Duration `json:"max" yaml:"max"`
	Mean        time.Duration `json:"mean" yaml:"mean"`
	P50         time.Duration `json:"p50" yaml:"p50"` // Median
	P95         time.Duration `json:"p95" yaml:"p95"`
	P99         time.Duration `json:"p99" yaml:"p99"`
	TotalWrites int           `json:"total_writes" yaml:"total_writes"`
	Errors      int           `json:"errors" yaml:"errors"`

	Durations []time.Duration `json:"-" yaml:"-"`
}

// CreateTestStore creates a store at path seeded with numItems products and
// residues. The store is created with the full schema.
func CreateTestStore(ctx context.Context, path string, numItems int, logger zerolog.Logger) (*TestStore, error) {
	mgr, err := db.NewManager(db.Config{Path: path, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return Seed(ctx, mgr, numItems, logger)
}

// Seed prepares an existing store for load testing.
func Seed(ctx context.Context, mgr *db.Manager, numItems int, logger zerolog.Logger) (*TestStore, error) {
	store := local.New(mgr, "loadtest", logger)
	conn, err := store.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := migrate.Ensure(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestStore{
		Manager: mgr,
		Store:   store,
		ItemIDs: make([]string, 0, numItems),
		logger:  logger,
	}

	items := generateItems(numItems)
	err = store.Write(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if err := local.PutItemTx(ctx, tx, item); err != nil {
				return fmt.Errorf("failed to insert item %s: %w", item.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		ts.ItemIDs = append(ts.ItemIDs, item.ID)
	}
	return ts, nil
}

// Close releases every handle of the store.
func (ts *TestStore) Close() error {
	return ts.Manager.CloseAll()
}

// RunConcurrentWriters simulates numWorkers workers, each on its own owner
// key, performing writesPerWorker stock movements.
func (ts *TestStore) RunConcurrentWriters(ctx context.Context, numWorkers, writesPerWorker int) (*LatencyStats, error) {
	if len(ts.ItemIDs) == 0 {
		return nil, fmt.Errorf("store has no items to move")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWorkers)
	errorsChan := make(chan error, numWorkers*writesPerWorker)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store := ts.Store.WithOwner(fmt.Sprintf("worker-%d", workerID))
			queue := outbox.New(store, ts.logger)
			defer func() { _ = ts.Manager.Release(store.Owner()) }()

			rng := rand.New(rand.NewSource(int64(workerID)))
			durations := make([]time.Duration, 0, writesPerWorker)

			for j := 0; j < writesPerWorker; j++ {
				id := ts.ItemIDs[rng.Intn(len(ts.ItemIDs))]
				start := time.Now()
				err := move(ctx, store, queue, id, fmt.Sprintf("w%d-%d", workerID, j))
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("worker %d write %d failed: %w", workerID, j, err)
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for err := range errorsChan {
		errorCount++
		ts.logger.Warn().Err(err).Msg("Write failed")
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no writes completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// move records a one-unit entry for item id: the item is touched, a history
// entry is appended and both are queued for the remote.
func move(ctx context.Context, store *local.Store, queue *outbox.Queue, id, entryID string) error {
	return store.Write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT domain, quantity FROM items WHERE id = ?", id)
		var domain string
		var qty float64
		if err := row.Scan(&domain, &qty); err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			"UPDATE items SET quantity = ?, updated_at = ? WHERE id = ?",
			qty+1, model.FormatTime(now), id); err != nil {
			return err
		}

		entry := &model.HistoryEntry{
			ID:        entryID,
			ItemID:    id,
			Quantity:  1,
			Date:      now.Format(model.DateLayout),
			Timestamp: now,
			Effect:    model.EffectEntry,
		}
		if err := local.AddHistoryTx(ctx, tx, entry); err != nil {
			return err
		}
		if _, err := queue.EnqueueTx(ctx, tx, model.OpAdd, model.CollectionHistory, entry.ID, entry.Document()); err != nil {
			return err
		}

		item := model.Document{"id": id, "quantity": qty + 1, "updated_at": model.FormatTime(now)}
		_, err := queue.EnqueueTx(ctx, tx, model.OpUpdate, model.Domain(domain).Collection(), id, item)
		return err
	})
}

// VerifyConsistency checks that every history entry has a matching outbox
// intent and that item quantities equal their seeded value plus recorded
// entries.
func (ts *TestStore) VerifyConsistency(ctx context.Context) error {
	var history, intents int
	if err := ts.Store.QueryRow(ctx, []any{&history}, "SELECT COUNT(*) FROM history"); err != nil {
		return err
	}
	if err := ts.Store.QueryRow(ctx, []any{&intents},
		"SELECT COUNT(*) FROM sync_operations WHERE collection = ?", string(model.CollectionHistory)); err != nil {
		return err
	}
	if history != intents {
		return fmt.Errorf("history has %d entries but the outbox has %d intents", history, intents)
	}

	var drift int
	err := ts.Store.QueryRow(ctx, []any{&drift}, `
		SELECT COUNT(*) FROM items i
		WHERE i.quantity != ? + (SELECT COUNT(*) FROM history h WHERE h.item_id = i.id)`,
		seedQuantity)
	if err != nil {
		return err
	}
	if drift > 0 {
		return fmt.Errorf("%d item(s) lost a stock movement", drift)
	}
	return nil
}

const seedQuantity = 10

// generateItems creates a mix of products and residues.
func generateItems(count int) []*model.Item {
	items := make([]*model.Item, count)
	units := []string{"un", "kg", "l"}
	base := time.Now().Add(-30 * 24 * time.Hour)

	for i := 0; i < count; i++ {
		domain := model.DomainProduct
		if i%4 == 3 {
			domain = model.DomainResidue
		}
		item := &model.Item{
			ID:          fmt.Sprintf("load-%05d", i),
			Domain:      domain,
			Name:        fmt.Sprintf("Load item %d", i),
			Quantity:    seedQuantity,
			Unit:        units[i%len(units)],
			MinQuantity: 2,
		}
		item.SetDefaults(base.Add(time.Duration(i) * time.Minute))
		items[i] = item
	}
	return items
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
