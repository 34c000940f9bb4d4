package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, items int) *TestStore {
	t.Helper()
	ts, err := CreateTestStore(context.Background(), filepath.Join(t.TempDir(), "load.db"), items, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	return ts
}

func TestCreateTestStore(t *testing.T) {
	ts := newTestStore(t, 40)
	assert.Len(t, ts.ItemIDs, 40)

	var residues int
	require.NoError(t, ts.Store.QueryRow(context.Background(), []any{&residues},
		"SELECT COUNT(*) FROM items WHERE domain = 'residue'"))
	assert.Equal(t, 10, residues)
}

// TestConcurrentWriters_Small verifies basic concurrent write functionality.
func TestConcurrentWriters_Small(t *testing.T) {
	ctx := context.Background()
	ts := newTestStore(t, 20)

	stats, err := ts.RunConcurrentWriters(ctx, 4, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 40, stats.TotalWrites)
	assert.LessOrEqual(t, stats.Min, stats.P50)
	assert.LessOrEqual(t, stats.P50, stats.P99)
	assert.LessOrEqual(t, stats.P99, stats.Max)

	require.NoError(t, ts.VerifyConsistency(ctx))
}

// TestWorkerIsolation runs two workers with 100 writes each; no write may be
// lost or fail.
func TestWorkerIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	ctx := context.Background()
	ts := newTestStore(t, 50)

	start := time.Now()
	stats, err := ts.RunConcurrentWriters(ctx, 2, 100)
	require.NoError(t, err)
	t.Logf("200 writes in %v", time.Since(start))

	assert.Zero(t, stats.Errors)
	assert.Equal(t, 200, stats.TotalWrites)
	require.NoError(t, ts.VerifyConsistency(ctx))

	var pending int
	require.NoError(t, ts.Store.QueryRow(ctx, []any{&pending}, "SELECT COUNT(*) FROM sync_operations WHERE synced = 0"))
	assert.Equal(t, 400, pending, "each write queues a history and an item intent")
}

func TestRunConcurrentWriters_EmptyStore(t *testing.T) {
	ts := newTestStore(t, 0)
	_, err := ts.RunConcurrentWriters(context.Background(), 2, 2)
	assert.Error(t, err)
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 51*time.Millisecond, stats.P50)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 100*time.Millisecond, stats.P99)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
	assert.Equal(t, 100, stats.TotalWrites)

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	assert.Contains(t, buf.String(), "P95:           96ms")

	assert.Zero(t, computeLatencyStats(nil).TotalWrites)
}
