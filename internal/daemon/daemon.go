// Package daemon provides the background scheduler that keeps the local
// store and the remote store of record converging.
//
// The daemon:
// 1. Checks the store file on startup and recovers it when damaged
// 2. Periodically refreshes the aggregate summary
// 3. Periodically drains the outbox to the remote
// 4. Publishes every report to the registered publisher (the dashboard)
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/service"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/recovery"
	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

// Event kinds sent to the Publisher.
const (
	EventSyncReport = "sync_report"
	EventSummary    = "summary"
	EventRecovery   = "recovery"
)

// Publisher receives daemon events.
type Publisher interface {
	Publish(kind string, payload any)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often the summary is refreshed and the outbox drained.
	Interval time.Duration

	// VerifyOnStart runs the integrity check before the first tick.
	VerifyOnStart bool

	// Publisher receives reports (nil discards them).
	Publisher Publisher

	// Logger for daemon activity
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		VerifyOnStart: true,
		Logger:        zerolog.Nop(),
	}
}

// Daemon runs the periodic refresh and drain.
type Daemon struct {
	reconciler estoquesync.Reconciler
	summary    *service.SummaryService
	recovery   *recovery.Manager
	config     *Config

	mu         sync.RWMutex
	lastReport *estoquesync.Report
	lastTick   time.Time

	trigger chan struct{}
	reset   chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a daemon with custom configuration.
//
// The daemon requires:
//   - reconciler: drains the outbox
//   - summary: refreshes the aggregate views
//
// rm may be nil, which disables the startup integrity check.
// Use Start() to begin the schedule.
func New(reconciler estoquesync.Reconciler, summary *service.SummaryService, rm *recovery.Manager, config *Config) (*Daemon, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler cannot be nil")
	}
	if summary == nil {
		return nil, fmt.Errorf("summary cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	config.Logger = config.Logger.With().Str("component", "daemon").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		reconciler: reconciler,
		summary:    summary,
		recovery:   rm,
		config:     config,
		trigger:    make(chan struct{}, 1),
		reset:      make(chan time.Duration, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Verify the store file (and recover it if needed)
// 2. Run a first tick immediately
// 3. Tick every Interval until stopped
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info().Dur("interval", d.config.Interval).Msg("Starting daemon")

	if d.config.VerifyOnStart && d.recovery != nil {
		res, err := d.recovery.EnsureHealthy(ctx)
		if err != nil {
			return fmt.Errorf("startup integrity check failed: %w", err)
		}
		if res != nil {
			d.publish(EventRecovery, res)
		}
	}

	d.wg.Add(1)
	go d.loop()

	select {
	case <-ctx.Done():
		d.config.Logger.Info().Msg("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight drain is cancelled
// between operations.
func (d *Daemon) Stop() error {
	d.once.Do(func() {
		d.config.Logger.Info().Msg("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Info().Msg("Daemon stopped")
	})
	return nil
}

// Trigger asks for a tick as soon as possible. Requests made while one is
// already queued are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the schedule without restarting the daemon. It never
// blocks: a queued change not yet applied is replaced, and calls after Stop
// are ignored.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case d.reset <- interval:
			return
		default:
		}
		select {
		case <-d.reset:
		default:
		}
	}
}

// LastReport returns the report of the latest drain, or nil.
func (d *Daemon) LastReport() *estoquesync.Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastReport
}

// LastTick returns when the latest tick finished.
func (d *Daemon) LastTick() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastTick
}

// RunOnce refreshes the summary and drains the outbox once.
func (d *Daemon) RunOnce(ctx context.Context) (*local.Summary, estoquesync.Report, error) {
	sum, res := d.summary.Refresh(ctx)
	if res.OK {
		d.publish(EventSummary, sum)
	} else {
		// The drain is independent of the read side.
		d.config.Logger.Warn().Str("error", res.Message).Msg("Summary refresh failed")
	}

	report, err := d.reconciler.Drain(ctx)

	d.mu.Lock()
	d.lastReport = &report
	d.lastTick = time.Now()
	d.mu.Unlock()

	d.publish(EventSyncReport, report)
	if err != nil {
		return sum, report, fmt.Errorf("drain failed: %w", err)
	}
	return sum, report, nil
}

// loop runs ticks until the daemon stops.
func (d *Daemon) loop() {
	defer d.wg.Done()

	interval := d.config.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick()
	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.tick()

		case <-d.trigger:
			d.tick()

		case next := <-d.reset:
			if next != interval {
				interval = next
				ticker.Reset(interval)
				d.config.Logger.Info().Dur("interval", interval).Msg("Schedule changed")
			}
		}
	}
}

func (d *Daemon) tick() {
	if _, _, err := d.RunOnce(d.ctx); err != nil {
		if d.ctx.Err() != nil {
			return
		}
		d.config.Logger.Error().Err(err).Msg("Tick failed")
	}
}

func (d *Daemon) publish(kind string, payload any) {
	if d.config.Publisher != nil {
		d.config.Publisher.Publish(kind, payload)
	}
}
