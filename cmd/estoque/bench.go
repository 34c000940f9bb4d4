package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/loadtest"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure concurrent write latency on a scratch store",
	Long: `Run concurrent writers against a scratch store in a temporary directory.

Each worker writes through its own connection, the way the foreground
services and the scheduler do. Every write commits an item update, a history
entry and two outbox intents in one transaction. The configured store is
never touched.

Examples:
  estoque bench
  estoque bench --workers 8 --writes 200 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		writes, _ := cmd.Flags().GetInt("writes")
		items, _ := cmd.Flags().GetInt("items")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if workers <= 0 || writes <= 0 || items <= 0 {
			return fmt.Errorf("--workers, --writes and --items must be positive")
		}

		dir, err := os.MkdirTemp("", "estoque-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		ctx := cmd.Context()
		ts, err := loadtest.CreateTestStore(ctx, filepath.Join(dir, "bench.db"), items, logger.Logger)
		if err != nil {
			return err
		}
		defer ts.Close()

		if !jsonOutput {
			fmt.Printf("Running %d worker(s) x %d write(s) on %d item(s)...\n\n", workers, writes, items)
		}
		start := time.Now()
		stats, err := ts.RunConcurrentWriters(ctx, workers, writes)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		if err := ts.VerifyConsistency(ctx); err != nil {
			return fmt.Errorf("consistency check failed: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		stats.PrintStats(os.Stdout)
		fmt.Printf("\nThroughput: %.1f writes/second\n", float64(stats.TotalWrites)/elapsed.Seconds())
		fmt.Printf("%s No write lost\n", renderPass("✓"))
		if stats.Errors > 0 {
			return fmt.Errorf("%d write(s) failed", stats.Errors)
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("workers", 4, "Number of concurrent workers")
	benchCmd.Flags().Int("writes", 100, "Writes per worker")
	benchCmd.Flags().Int("items", 200, "Items in the scratch store")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}
