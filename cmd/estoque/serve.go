package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Isaquewa/estoqueapp-sub000/internal/config"
	"github.com/Isaquewa/estoqueapp-sub000/internal/daemon"
	"github.com/Isaquewa/estoqueapp-sub000/internal/dashboard"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync scheduler (foreground)",
	Long: `Run the background scheduler in the foreground.

The scheduler:
  1. Checks the store file and recovers it when damaged
  2. Refreshes the aggregate summary every sync.interval
  3. Replays pending outbox operations to the remote
  4. Serves the status dashboard when dashboard.enabled is set
  5. Reloads sync.interval and log.level when the config file changes

Stop it with Ctrl+C.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("dashboard", false, "Serve the status dashboard (overrides dashboard.enabled)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	withDashboard := cfg.Dashboard.Enabled
	if cmd.Flags().Changed("dashboard") {
		withDashboard, _ = cmd.Flags().GetBool("dashboard")
	}

	var server *dashboard.Server
	var publisher daemon.Publisher
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger.Logger})
		queue := outbox.New(a.store.WithOwner(dashboardOwner), logger.Logger)
		publisher = dashboard.NewHandler(server, queue, a.tracker, logger.Logger)
		if a.recovered != nil {
			publisher.Publish(daemon.EventRecovery, a.recovered)
		}
	}

	reconciler := a.reconciler()
	if reconciler == nil {
		logger.Warn().Msg("No remote configured, the scheduler only refreshes the summary")
		reconciler = localOnly{}
	}

	// openApp already ran the startup check.
	d, err := daemon.New(reconciler, a.services.Summary.WithOwner(schedulerOwner), a.recovery, &daemon.Config{
		Interval:      cfg.Sync.Interval,
		VerifyOnStart: false,
		Publisher:     publisher,
		Logger:        logger.Logger,
	})
	if err != nil {
		return err
	}

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Error().Err(err).Msg("Ignoring invalid config change")
			return
		}
		d.SetInterval(next.Sync.Interval)
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.Error().Err(err).Msg("Ignoring invalid log level")
		}
		logger.Info().Str("file", loader.File()).Msg("Config reloaded")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Start(gctx)
	})
	if server != nil {
		if err := server.Start(); err != nil {
			return err
		}
		fmt.Printf("%s Dashboard on http://%s (WebSocket: ws://%s/ws)\n",
			renderAccent("●"), server.GetAddr(), server.GetAddr())
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	fmt.Printf("%s Scheduler running every %s on %s\n", renderPass("✓"), cfg.Sync.Interval, cfg.Store.Path)
	fmt.Println(renderMuted("Press Ctrl+C to stop..."))

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("\nScheduler stopped")
	return nil
}

// localOnly stands in for the reconciler when no remote is configured.
type localOnly struct{}

func (localOnly) Drain(ctx context.Context) (estoquesync.Report, error) {
	now := time.Now()
	return estoquesync.Report{StartedAt: now, FinishedAt: now, Offline: true}, nil
}
