package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Store *local.Store
	Queue *outbox.Queue

	// Remote may be nil, in which case every change stays pending until a
	// drain with a configured remote picks it up.
	Remote  backend.StorageBackend
	Tracker *backend.Tracker

	// MirrorTimeout bounds each direct remote call. Zero selects
	// DefaultOpTimeout.
	MirrorTimeout time.Duration

	// Gate is shared with the reconciler draining the same queue. Nil
	// creates a private gate.
	Gate *KeyGate

	Logger zerolog.Logger
}

// Coordinator is the single write path of the domain.
type Coordinator struct {
	store   *local.Store
	queue   *outbox.Queue
	remote  backend.StorageBackend
	tracker *backend.Tracker
	gate    *KeyGate
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = DefaultOpTimeout
	}
	if cfg.Tracker == nil {
		cfg.Tracker = backend.NewTracker(cfg.Logger)
	}
	if cfg.Gate == nil {
		cfg.Gate = NewKeyGate()
	}
	return &Coordinator{
		store:   cfg.Store,
		queue:   cfg.Queue,
		remote:  cfg.Remote,
		tracker: cfg.Tracker,
		gate:    cfg.Gate,
		timeout: cfg.MirrorTimeout,
		logger:  cfg.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// Tracker returns the connectivity tracker shared with the reconciler.
func (c *Coordinator) Tracker() *backend.Tracker {
	return c.tracker
}

// Gate returns the per-key gate a reconciler of the same queue must use.
func (c *Coordinator) Gate() *KeyGate {
	return c.gate
}

// Store returns the local store written by the coordinator.
func (c *Coordinator) Store() *local.Store {
	return c.store
}

// mirrorable is a committed mutation with its outbox entry.
type mirrorable struct {
	mut model.Mutation
	id  string
	// behind is set when an older entry of the same key is still pending;
	// the drain delivers this one after it.
	behind bool
}

// Apply commits the mutations and their outbox entries in one local
// transaction, then mirrors them to the remote when it is reachable.
//
// The returned error only ever reflects the local write. A failed or
// skipped mirror leaves the entries pending for the reconciler.
func (c *Coordinator) Apply(ctx context.Context, muts ...model.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	return c.ApplyFunc(ctx, func(*sql.Tx) ([]model.Mutation, error) {
		return muts, nil
	})
}

// ApplyFunc is Apply for mutations that depend on the current local
// state. build runs inside the write transaction, so whatever it reads
// cannot change before its mutations commit. An error from build rolls
// the transaction back and is returned as is.
func (c *Coordinator) ApplyFunc(ctx context.Context, build func(tx *sql.Tx) ([]model.Mutation, error)) error {
	var entries []mirrorable
	var built bool
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		muts, err := build(tx)
		if err != nil {
			return err
		}
		built = true
		for _, m := range muts {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("%w: %w", db.ErrConstraint, err)
			}
		}

		entries = make([]mirrorable, len(muts))
		for i, m := range muts {
			if err := backend.ApplyTx(ctx, tx, m); err != nil {
				return err
			}
			id, err := c.queue.EnqueueTx(ctx, tx, m.Op, m.Collection, m.DocumentID, m.Data)
			if err != nil {
				return err
			}
			older, err := c.queue.PendingBeforeTx(ctx, tx, m.Collection, m.DocumentID, id)
			if err != nil {
				return err
			}
			entries[i] = mirrorable{mut: m, id: id, behind: older > 0}
		}
		return nil
	})
	if err != nil {
		if !built {
			return err
		}
		return fmt.Errorf("failed to apply local write: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	c.mirror(ctx, entries)
	return nil
}

// mirror pushes committed entries to the remote. It never fails: anything
// not confirmed stays pending.
func (c *Coordinator) mirror(ctx context.Context, entries []mirrorable) {
	if c.remote == nil {
		return
	}
	if !c.tracker.Online() {
		c.logger.Debug().Int("count", len(entries)).Msg("Offline, changes left for the next drain")
		return
	}

	book := context.WithoutCancel(ctx)
	blocked := make(map[model.Key]bool)
	for _, e := range entries {
		key := e.mut.Key()
		if e.behind || blocked[key] {
			blocked[key] = true
			continue
		}

		unlock := c.gate.Lock(key)
		if !c.push(ctx, book, e, key, blocked) {
			unlock()
			return
		}
		unlock()
	}
}

// push mirrors one entry while its key is held. It returns false when the
// remote went away and the rest of the batch should be left to the drain.
func (c *Coordinator) push(ctx, book context.Context, e mirrorable, key model.Key, blocked map[model.Key]bool) bool {
	// A drain may have delivered the entry, and later ones of the same
	// key, while the local write was committing.
	pending, err := c.queue.IsPending(book, e.id)
	if err != nil || !pending {
		blocked[key] = true
		return true
	}

	mctx, cancel := context.WithTimeout(ctx, c.timeout)
	err = backend.Apply(mctx, c.remote, e.mut)
	cancel()

	if err != nil && !errors.Is(err, backend.ErrStale) {
		c.tracker.Observe(err)
		blocked[key] = true
		c.logger.Warn().Err(err).Str("op_id", e.id).Str("key", key.String()).
			Msg("Mirror failed, change stays pending")
		return !backend.IsUnavailable(err) && ctx.Err() == nil
	}

	c.tracker.Observe(nil)
	if err := c.queue.MarkCompleted(book, e.id); err != nil {
		// The drain will replay it; upserts and deletes are idempotent.
		c.logger.Warn().Err(err).Str("op_id", e.id).Msg("Failed to mark mirrored change synced")
	}
	return true
}
