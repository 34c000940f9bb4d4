package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/recovery"
)

var verifyCmd = &cobra.Command{
	Use:     "verify",
	GroupID: "maint",
	Short:   "Check the store file with PRAGMA integrity_check",
	Long: `Run SQLite's integrity check on a read-only handle.

Exits with status 1 when the store is damaged. Run 'estoque recover' to
move the damaged file aside and rebuild the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rm, mgr, err := openRecovery()
		if err != nil {
			return err
		}
		defer mgr.CloseAll()

		ok, err := rm.VerifyIntegrity(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store %s failed the integrity check", cfg.Store.Path)
		}
		fmt.Printf("%s Store %s is intact\n", renderPass("✓"), cfg.Store.Path)
		return nil
	},
}

var errCancelled = errors.New("recovery cancelled")

var recoverCmd = &cobra.Command{
	Use:     "recover",
	GroupID: "maint",
	Short:   "Rebuild the store from its damaged file",
	Long: `Move the store file aside as a read-only snapshot, create a fresh store
and copy back every row the snapshot still yields.

The snapshot is kept in store.backup_dir and is never overwritten.
Pending outbox operations survive when their rows are readable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !stdinIsTerminal() {
				return errors.New("refusing to recover without --yes on a non-interactive terminal")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Rebuild " + cfg.Store.Path + "?").
				Description("The current file is moved to " + cfg.Store.BackupDir + " and a fresh store is created.").
				Affirmative("Recover").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				return errCancelled
			}
		}

		rm, mgr, err := openRecovery()
		if err != nil {
			return err
		}
		defer mgr.CloseAll()

		res, err := rm.Recover(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s Store rebuilt in %v\n", renderPass("✓"), res.FinishedAt.Sub(res.StartedAt))
		if res.Snapshot != "" {
			fmt.Println(row("  Snapshot", res.Snapshot))
		}
		if res.SnapshotError != "" {
			fmt.Println(row("  Unreadable", renderWarn(res.SnapshotError)))
		}
		for _, t := range res.Restored {
			line := fmt.Sprintf("%d row(s)", t.Rows)
			if t.Dropped > 0 {
				line += renderWarn(fmt.Sprintf(", %d dropped", t.Dropped))
			}
			fmt.Println(row("  "+string(t.Table), line))
		}
		for _, t := range res.Skipped {
			fmt.Println(row("  "+string(t.Table), renderFail("skipped: "+t.Error)))
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "maint",
	Short:   "Write a consistent copy of the store to the backup directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		rm, mgr, err := openRecovery()
		if err != nil {
			return err
		}
		defer mgr.CloseAll()

		path, err := rm.Backup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Backup written to %s\n", renderPass("✓"), path)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups and recovery snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		rm, mgr, err := openRecovery()
		if err != nil {
			return err
		}
		defer mgr.CloseAll()

		snaps, err := rm.Snapshots()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println(renderMuted("No snapshots in " + rm.BackupDir()))
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %s\n", s.ModTime.Format("2006-01-02 15:04:05"), formatSize(s.Size), filepath.Base(s.Path))
		}
		return nil
	},
}

func init() {
	recoverCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	backupCmd.AddCommand(backupListCmd)
	rootCmd.AddCommand(verifyCmd, recoverCmd, backupCmd)
}

// openRecovery opens the store manager without touching the schema, so a
// damaged file is left as it is for the command to inspect.
func openRecovery() (*recovery.Manager, *db.Manager, error) {
	mgr, err := db.NewManager(db.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
		RetryDelay:  cfg.Store.RetryDelay,
		Logger:      logger.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	rm := recovery.New(recovery.Config{
		Manager:   mgr,
		BackupDir: cfg.Store.BackupDir,
		Logger:    logger.Logger,
	})
	return rm, mgr, nil
}
