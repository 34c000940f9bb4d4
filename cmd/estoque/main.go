// Command estoque runs and inspects the local-first inventory store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Isaquewa/estoqueapp-sub000/internal/config"
	"github.com/Isaquewa/estoqueapp-sub000/internal/logging"
)

var (
	configPath string
	logLevel   string

	loader *config.Loader
	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "estoque",
	Short: "Local-first inventory store with remote sync",
	Long: `estoque keeps the inventory in a local SQLite store and mirrors every
change to the configured remote store of record.

Writes always land locally first. Changes the remote did not acknowledge
stay in the outbox and are replayed by 'estoque sync' or by the scheduler
started with 'estoque serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true, // main prints the error
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader(configPath)
		var err error
		cfg, err = loader.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Inventory:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./estoque.yaml or ~/.config/estoque/estoque.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}
