package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/config"
	"github.com/Isaquewa/estoqueapp-sub000/internal/service"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/recovery"
	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

const (
	// schedulerOwner is the connection owner of background work.
	schedulerOwner = "scheduler"

	// dashboardOwner is the connection owner of the dashboard's reads.
	dashboardOwner = "dashboard"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg *config.Config

	mgr      *db.Manager
	store    *local.Store
	queue    *outbox.Queue
	remote   backend.StorageBackend // nil when remote.kind is none
	tracker  *backend.Tracker
	recovery *recovery.Manager
	coord    *estoquesync.Coordinator
	services *service.Services

	// recovered is set when the startup check rebuilt the store.
	recovered *recovery.Result
}

// openApp wires the components. With sync.verify_on_start the store file
// is checked, and recovered if needed, before the schema step.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Logger

	mgr, err := db.NewManager(db.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
		RetryDelay:  cfg.Store.RetryDelay,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		mgr:     mgr,
		store:   local.New(mgr, local.DefaultOwner, log),
		tracker: backend.NewTracker(log),
		recovery: recovery.New(recovery.Config{
			Manager:   mgr,
			BackupDir: cfg.Store.BackupDir,
			Logger:    log,
		}),
	}

	if cfg.Sync.VerifyOnStart {
		res, err := a.recovery.EnsureHealthy(ctx)
		if err != nil {
			_ = mgr.CloseAll()
			return nil, fmt.Errorf("startup integrity check failed: %w", err)
		}
		if res != nil {
			log.Warn().Str("snapshot", res.Snapshot).Int("restored_rows", res.RestoredRows()).Msg("Store was recovered on startup")
			a.recovered = res
		}
	}

	conn, err := a.store.Conn(ctx)
	if err != nil {
		_ = mgr.CloseAll()
		return nil, err
	}
	if err := migrate.Ensure(ctx, conn); err != nil {
		_ = mgr.CloseAll()
		return nil, err
	}
	a.queue = outbox.New(a.store, log)

	if cfg.RemoteEnabled() {
		opts := cfg.BackendOptions()
		opts.Logger = log
		a.remote, err = backend.New(ctx, backend.Kind(cfg.Remote.Kind), opts)
		if err != nil {
			// The store works without the remote; the outbox keeps the changes.
			log.Warn().Err(err).Str("kind", cfg.Remote.Kind).Msg("Remote unavailable, working offline")
			a.tracker.Observe(fmt.Errorf("%w: %w", backend.ErrUnavailable, err))
		}
	}

	a.coord = estoquesync.NewCoordinator(estoquesync.CoordinatorConfig{
		Store:         a.store,
		Queue:         a.queue,
		Remote:        a.remote,
		Tracker:       a.tracker,
		MirrorTimeout: cfg.Remote.Timeout,
		Logger:        log,
	})
	a.services = service.New(a.coord, a.store, service.Options{
		ExpiringWithin: cfg.Summary.ExpiringWithin,
		ListLimit:      cfg.Summary.ListLimit,
		Logger:         log,
	})
	return a, nil
}

// reconciler returns a reconciler working on the scheduler's own handle,
// or nil when there is no remote.
func (a *app) reconciler() estoquesync.Reconciler {
	if a.remote == nil {
		return nil
	}
	return estoquesync.NewReconciler(estoquesync.Config{
		Queue:       outbox.New(a.store.WithOwner(schedulerOwner), logger.Logger),
		Remote:      a.remote,
		Tracker:     a.tracker,
		MaxAttempts: a.cfg.Sync.MaxAttempts,
		OpTimeout:   a.cfg.Sync.OpTimeout,
		Gate:        a.coord.Gate(),
		Logger:      logger.Logger,
	})
}

// pingRemote pings the remote once so the tracker reflects its current state.
func (a *app) pingRemote(ctx context.Context) {
	if a.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Remote.Timeout)
	defer cancel()
	a.tracker.Observe(a.remote.Ping(ctx))
}

func (a *app) close() {
	if c, ok := a.remote.(backend.Closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to close remote")
		}
	}
	if err := a.mgr.CloseAll(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
}
