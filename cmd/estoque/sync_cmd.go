package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay pending outbox operations to the remote once",
	Long: `Drain the outbox once.

Every pending operation is replayed in enqueue order. A failure blocks the
remaining operations of the same document until the next drain; other
documents continue. Operations that keep failing are moved to the
dead-letter state after sync.max_attempts attempts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		reconciler := a.reconciler()
		if reconciler == nil {
			return fmt.Errorf("no remote configured (remote.kind is %q)", cfg.Remote.Kind)
		}

		report, err := reconciler.Drain(cmd.Context())
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		} else {
			printReport(report)
		}
		return err
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(syncCmd)
}

func printReport(r estoquesync.Report) {
	switch {
	case r.Offline:
		fmt.Printf("%s Remote unreachable, %d operation(s) deferred\n", renderWarn("⚠"), r.Deferred)
		return
	case r.Total == 0:
		fmt.Printf("%s Nothing to sync\n", renderPass("✓"))
		return
	}

	mark := renderPass("✓")
	if r.Failed > 0 || r.DeadLettered > 0 || r.Aborted {
		mark = renderWarn("⚠")
	}
	fmt.Printf("%s Drained %d operation(s) in %v\n", mark, r.Total, r.Duration().Round(time.Millisecond))
	fmt.Println(row("  Synced", fmt.Sprint(r.Synced)))
	fmt.Println(row("  Conflicts", fmt.Sprint(r.Conflicts)))
	fmt.Println(row("  Failed", fmt.Sprint(r.Failed)))
	fmt.Println(row("  Dead-lettered", fmt.Sprint(r.DeadLettered)))
	fmt.Println(row("  Deferred", fmt.Sprint(r.Deferred)))
	for _, f := range r.Failures {
		fmt.Println(renderMuted(fmt.Sprintf("    %s %s: %s", f.OpID, f.Key, f.Error)))
	}
}
