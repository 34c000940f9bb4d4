package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/service"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/recovery"
	estoquesync "github.com/Isaquewa/estoqueapp-sub000/internal/sync"
)

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     stdsync.Mutex
	events []string
}

func (r *recorder) Publish(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == kind {
			n++
		}
	}
	return n
}

type setup struct {
	mgr      *db.Manager
	store    *local.Store
	queue    *outbox.Queue
	remote   *backend.Memory
	tracker  *backend.Tracker
	services *service.Services
	rm       *recovery.Manager
}

// newSetup wires a store, a memory remote and the services. The schema is
// created unless the store file is meant to stay damaged.
func newSetup(t *testing.T, damaged bool) *setup {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "estoque.db")
	if damaged {
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("garbage!"), 512), 0o644))
	}
	mgr, err := db.NewManager(db.Config{Path: path, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.CloseAll() })

	s := &setup{
		mgr:     mgr,
		store:   local.New(mgr, local.DefaultOwner, zerolog.Nop()),
		remote:  backend.NewMemory(),
		tracker: backend.NewTracker(zerolog.Nop()),
		rm:      recovery.New(recovery.Config{Manager: mgr}),
	}
	if !damaged {
		conn, err := s.store.Conn(ctx)
		require.NoError(t, err)
		require.NoError(t, migrate.Ensure(ctx, conn))
	}
	s.queue = outbox.New(s.store, zerolog.Nop())
	coord := estoquesync.NewCoordinator(estoquesync.CoordinatorConfig{
		Store: s.store, Queue: s.queue, Remote: s.remote, Tracker: s.tracker,
	})
	s.services = service.New(coord, s.store, service.Options{})
	return s
}

func (s *setup) reconciler() estoquesync.Reconciler {
	background := s.store.WithOwner("scheduler")
	return estoquesync.NewReconciler(estoquesync.Config{
		Queue:   outbox.New(background, zerolog.Nop()),
		Remote:  s.remote,
		Tracker: s.tracker,
	})
}

func TestNew(t *testing.T) {
	s := newSetup(t, false)

	tests := []struct {
		name       string
		reconciler estoquesync.Reconciler
		summary    *service.SummaryService
		config     *Config
		wantErr    bool
	}{
		{name: "valid configuration", reconciler: s.reconciler(), summary: s.services.Summary},
		{name: "nil reconciler", summary: s.services.Summary, wantErr: true},
		{name: "nil summary", reconciler: s.reconciler(), wantErr: true},
		{
			name:       "zero interval",
			reconciler: s.reconciler(),
			summary:    s.services.Summary,
			config:     &Config{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.reconciler, tt.summary, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d == nil {
				t.Fatal("New() returned nil daemon")
			}
		})
	}
}

// TestDaemon_DrainsOfflineWrites tests that writes made while the remote was
// down reach it once it comes back.
func TestDaemon_DrainsOfflineWrites(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, false)

	s.remote.SetAvailable(false)
	_, r := s.services.Products.Create(ctx, &model.Item{Name: "Tape", Quantity: 3})
	require.True(t, r.OK, r.Message)

	rec := &recorder{}
	d, err := New(s.reconciler(), s.services.Summary, s.rm, &Config{
		Interval:  20 * time.Millisecond,
		Publisher: rec,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Start(runCtx) }()

	require.Eventually(t, func() bool { return rec.count(EventSyncReport) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.remote.Len(model.CollectionProducts))
	report := d.LastReport()
	require.NotNil(t, report)
	assert.True(t, report.Offline)

	s.remote.SetAvailable(true)
	require.Eventually(t, func() bool {
		return s.remote.Len(model.CollectionProducts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, rec.count(EventSummary))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.LastTick().IsZero())
}

// TestDaemon_RecoversOnStart tests the startup integrity check.
func TestDaemon_RecoversOnStart(t *testing.T) {
	s := newSetup(t, true)
	rec := &recorder{}

	d, err := New(s.reconciler(), s.services.Summary, s.rm, &Config{
		Interval:      time.Hour,
		VerifyOnStart: true,
		Publisher:     rec,
	})
	require.NoError(t, err)

	go func() { _ = d.Start(context.Background()) }()
	t.Cleanup(func() { _ = d.Stop() })

	require.Eventually(t, func() bool { return rec.count(EventSyncReport) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.count(EventRecovery))

	snaps, err := s.rm.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestDaemon_TriggerAndSetInterval(t *testing.T) {
	s := newSetup(t, false)
	rec := &recorder{}

	d, err := New(s.reconciler(), s.services.Summary, nil, &Config{Interval: time.Hour, Publisher: rec})
	require.NoError(t, err)
	go func() { _ = d.Start(context.Background()) }()
	t.Cleanup(func() { _ = d.Stop() })

	require.Eventually(t, func() bool { return rec.count(EventSyncReport) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Trigger()
	require.Eventually(t, func() bool { return rec.count(EventSyncReport) == 2 }, 2*time.Second, 10*time.Millisecond)

	d.SetInterval(10 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventSyncReport) >= 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, false)

	_, r := s.services.Residues.Create(ctx, &model.Item{Name: "Glass", Quantity: 12})
	require.True(t, r.OK, r.Message)

	d, err := New(s.reconciler(), s.services.Summary, nil, nil)
	require.NoError(t, err)

	sum, report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.Residues)
	assert.Equal(t, 0, report.Total, "the online write was mirrored directly")
	require.NotNil(t, d.LastReport())
	assert.Equal(t, report.Total, d.LastReport().Total)
}

func TestSetInterval_NeverBlocks(t *testing.T) {
	s := newSetup(t, false)
	d, err := New(s.reconciler(), s.services.Summary, nil, &Config{Interval: time.Hour})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Not started: nothing reads the queued change.
		var wg stdsync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				d.SetInterval(time.Duration(n) * time.Second)
			}(i)
		}
		wg.Wait()

		assert.NoError(t, d.Stop())
		d.SetInterval(time.Minute)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetInterval blocked")
	}
}
