package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/backend"
	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/outbox"
)

const (
	// DefaultMaxAttempts is the failure budget of one operation.
	DefaultMaxAttempts = 5

	// DefaultOpTimeout bounds one remote call.
	DefaultOpTimeout = 10 * time.Second
)

// Config configures a Reconciler.
type Config struct {
	Queue   *outbox.Queue
	Remote  backend.StorageBackend
	Tracker *backend.Tracker

	// MaxAttempts is the number of failures after which an operation is
	// dead-lettered. Zero selects DefaultMaxAttempts; a negative value
	// never dead-letters.
	MaxAttempts int

	// OpTimeout bounds each remote call. Zero selects DefaultOpTimeout.
	OpTimeout time.Duration

	// Gate must be the Coordinator's gate when one writes to Queue.
	Gate *KeyGate

	Logger zerolog.Logger
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	queue       *outbox.Queue
	remote      backend.StorageBackend
	tracker     *backend.Tracker
	maxAttempts int
	opTimeout   time.Duration
	gate        *KeyGate
	logger      zerolog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(cfg Config) Reconciler {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Tracker == nil {
		cfg.Tracker = backend.NewTracker(cfg.Logger)
	}
	if cfg.Gate == nil {
		cfg.Gate = NewKeyGate()
	}
	return &reconciler{
		queue:       cfg.Queue,
		remote:      cfg.Remote,
		tracker:     cfg.Tracker,
		maxAttempts: cfg.MaxAttempts,
		opTimeout:   cfg.OpTimeout,
		gate:        cfg.Gate,
		logger:      cfg.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Drain implements Reconciler.Drain.
func (r *reconciler) Drain(ctx context.Context) (report Report, err error) {
	report.StartedAt = time.Now().UTC()
	defer func() { report.FinishedAt = time.Now().UTC() }()

	ops, err := r.queue.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read pending operations: %w", err)
	}
	report.Total = len(ops)
	if len(ops) == 0 {
		return report, nil
	}

	if !r.tracker.Online() && !r.reachable(ctx) {
		report.Offline = true
		report.Deferred = len(ops)
		r.logger.Info().Int("pending", len(ops)).Msg("Remote offline, drain deferred")
		return report, nil
	}

	// Bookkeeping must land even when ctx is cancelled mid-drain.
	book := context.WithoutCancel(ctx)
	blocked := make(map[model.Key]bool)

	for i, op := range ops {
		if ctx.Err() != nil {
			report.Aborted = true
			report.Deferred += len(ops) - i
			break
		}

		key := op.Key()
		if blocked[key] {
			report.Deferred++
			continue
		}

		if err := outbox.Decode(op); err != nil {
			r.logger.Error().Err(err).Str("op_id", op.ID).Str("key", key.String()).
				Msg("Malformed operation")
			if err := r.queue.DeadLetter(book, op.ID, err.Error()); err != nil {
				return report, err
			}
			report.Malformed++
			report.fail(op, err)
			continue
		}

		applyErr, delivered := r.deliver(ctx, op)
		if delivered {
			continue
		}
		if applyErr == nil || errors.Is(applyErr, backend.ErrStale) {
			r.tracker.Observe(nil)
			if err := r.queue.MarkCompleted(book, op.ID); err != nil {
				return report, err
			}
			if applyErr == nil {
				report.Synced++
			} else {
				report.Conflicts++
				r.logger.Warn().Str("op_id", op.ID).Str("key", key.String()).
					Msg("Remote holds a newer copy, operation superseded")
			}
			continue
		}

		if ctx.Err() != nil {
			// Cancelled while the call was in flight: not the operation's fault.
			report.Aborted = true
			report.Deferred += len(ops) - i
			break
		}

		// Continue with the rest - one failure must not stop the drain.
		r.tracker.Observe(applyErr)
		blocked[key] = true
		report.fail(op, applyErr)

		dead, err := r.queue.RecordFailure(book, op.ID, applyErr, r.maxAttempts)
		if err != nil {
			return report, err
		}
		if dead {
			report.DeadLettered++
			r.logger.Error().Err(applyErr).Str("op_id", op.ID).Str("key", key.String()).
				Int("attempts", op.Attempts+1).Msg("Operation dead-lettered")
		} else {
			report.Failed++
			r.logger.Warn().Err(applyErr).Str("op_id", op.ID).Str("key", key.String()).
				Int("attempts", op.Attempts+1).Msg("Operation failed, will retry")
		}

		if backend.IsUnavailable(applyErr) && !r.reachable(ctx) {
			report.Offline = true
			report.Deferred += len(ops) - i - 1
			break
		}
	}

	r.logger.Info().
		Int("synced", report.Synced).
		Int("conflicts", report.Conflicts).
		Int("failed", report.Failed).
		Int("dead_lettered", report.DeadLettered).
		Int("malformed", report.Malformed).
		Int("deferred", report.Deferred).
		Msg("Drain complete")

	return report, nil
}

// deliver pushes op while its key is held. delivered is true when the
// coordinator's mirror completed op after the pending list was read.
func (r *reconciler) deliver(ctx context.Context, op *model.SyncOperation) (applyErr error, delivered bool) {
	defer r.gate.Lock(op.Key())()

	pending, err := r.queue.IsPending(ctx, op.ID)
	if err == nil && !pending {
		r.logger.Debug().Str("op_id", op.ID).Msg("Already mirrored")
		return nil, true
	}
	return r.apply(ctx, op), false
}

// apply runs one operation against the remote within the operation timeout.
func (r *reconciler) apply(ctx context.Context, op *model.SyncOperation) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return backend.Apply(opCtx, r.remote, op.Mutation())
}

// reachable pings the remote and records the outcome.
func (r *reconciler) reachable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	err := r.remote.Ping(pingCtx)
	r.tracker.Observe(err)
	return err == nil
}
