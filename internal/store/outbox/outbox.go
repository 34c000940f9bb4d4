// Package outbox is the append-only ledger of intended remote effects.
//
// Every domain write records its remote effect here in the same local
// transaction (EnqueueTx), so the intent survives a crash between the local
// commit and the remote mirror. Entries are never deleted: completion sets
// the synced flag, and an entry that keeps failing is moved aside as a
// dead letter until an operator requeues it.
//
// The queue heals a missing sync_operations table by running the schema
// manager's creation path for that table instead of failing.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/db"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/local"
	"github.com/Isaquewa/estoqueapp-sub000/internal/store/migrate"
)

// ErrSerialization is returned when a stored payload cannot be decoded.
var ErrSerialization = errors.New("malformed sync operation")

const opColumns = `id, operation_type, collection, document_id, payload, timestamp,
	synced, attempts, last_error, dead_letter, synced_at`

// Stats summarizes the ledger.
type Stats struct {
	Total         int    `json:"total" yaml:"total"`
	Pending       int    `json:"pending" yaml:"pending"`
	Synced        int    `json:"synced" yaml:"synced"`
	DeadLetter    int    `json:"dead_letter" yaml:"dead_letter"`
	OldestPending string `json:"oldest_pending,omitempty" yaml:"oldest_pending,omitempty"`
}

// Queue is the outbox as seen by one worker of the local store.
type Queue struct {
	store  *local.Store
	clock  *Clock
	logger zerolog.Logger

	// ready caches a successful table check; cleared on failure.
	ready atomic.Bool
}

// New creates a Queue over store.
func New(store *local.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  store,
		clock:  processClock,
		logger: logger.With().Str("component", "outbox").Logger(),
	}
}

// Store returns the local store the queue writes to.
func (q *Queue) Store() *local.Store {
	return q.store
}

// Enqueue records an intent in its own transaction and returns its id.
func (q *Queue) Enqueue(ctx context.Context, op model.OpType, c model.Collection, documentID string, payload model.Document) (string, error) {
	var id string
	err := q.store.Write(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, op, c, documentID, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueTx records an intent inside the caller's transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, op model.OpType, c model.Collection, documentID string, payload model.Document) (string, error) {
	if err := (model.Mutation{Op: op, Collection: c, DocumentID: documentID, Data: payload}).Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", db.ErrConstraint, err)
	}
	data, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: payload of %s/%s: %w", db.ErrConstraint, c, documentID, err)
	}

	if err := q.ensure(ctx, tx); err != nil {
		return "", err
	}

	id := uuid.NewString()
	ts := model.FormatTime(q.clock.Next())
	insert := func() error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_operations (id, operation_type, collection, document_id, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(op), string(c), documentID, string(data), ts)
		return err
	}

	if err := insert(); err != nil {
		// The table may have vanished since the last check.
		if healErr := q.heal(ctx, tx); healErr != nil {
			return "", fmt.Errorf("failed to enqueue %s %s/%s: %w", op, c, documentID, err)
		}
		if err := insert(); err != nil {
			return "", fmt.Errorf("failed to enqueue %s %s/%s: %w", op, c, documentID, db.Classify(err))
		}
	}

	q.logger.Debug().Str("op_id", id).Str("op", string(op)).
		Str("key", string(c)+"/"+documentID).Msg("Enqueued")
	return id, nil
}

// PendingBeforeTx counts the entries of the same key that are still
// waiting for the remote, other than exclude. A direct mirror of a newer
// entry must not overtake them.
func (q *Queue) PendingBeforeTx(ctx context.Context, tx *sql.Tx, c model.Collection, documentID, exclude string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_operations
		 WHERE collection = ? AND document_id = ? AND synced = 0 AND dead_letter = 0 AND id != ?`,
		string(c), documentID, exclude).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect pending operations of %s/%s: %w", c, documentID, db.Classify(err))
	}
	return n, nil
}

// Pending returns every entry not yet synced and not dead-lettered, oldest
// first. It does not change state and may be called repeatedly. Payloads
// are not decoded; see Decode.
func (q *Queue) Pending(ctx context.Context) ([]*model.SyncOperation, error) {
	return q.list(ctx, `WHERE synced = 0 AND dead_letter = 0`)
}

// DeadLetters returns the dead-lettered entries, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*model.SyncOperation, error) {
	return q.list(ctx, `WHERE synced = 0 AND dead_letter = 1`)
}

// Get reads one entry.
func (q *Queue) Get(ctx context.Context, id string) (*model.SyncOperation, error) {
	ops, err := q.list(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("sync operation %s: %w", id, db.ErrNotFound)
	}
	return ops[0], nil
}

// IsPending reports whether the entry still waits for delivery. Synced
// and dead-lettered entries are not pending.
func (q *Queue) IsPending(ctx context.Context, id string) (bool, error) {
	op, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return !op.Synced && !op.DeadLetter, nil
}

// MarkCompleted sets the synced flag. Completing an entry twice is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	now := model.FormatTime(time.Now())
	res, err := q.store.Execute(ctx,
		`UPDATE sync_operations SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0`, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure counts a failed attempt. Once attempts reach maxAttempts
// (when positive) the entry is dead-lettered; the return value reports it.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error, maxAttempts int) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var deadLettered bool
	err := q.store.Write(ctx, func(tx *sql.Tx) error {
		var dl int
		err := tx.QueryRowContext(ctx,
			`UPDATE sync_operations
			 SET attempts = attempts + 1,
			     last_error = ?,
			     dead_letter = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN 1 ELSE dead_letter END
			 WHERE id = ? AND synced = 0
			 RETURNING dead_letter`,
			msg, maxAttempts, maxAttempts, id).Scan(&dl)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending sync operation %s: %w", id, db.ErrNotFound)
		}
		if err != nil {
			return err
		}
		deadLettered = dl == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record failure of %s: %w", id, err)
	}
	return deadLettered, nil
}

// DeadLetter moves an entry aside immediately, e.g. for a malformed payload.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	res, err := q.store.Execute(ctx,
		`UPDATE sync_operations SET dead_letter = 1, attempts = attempts + 1, last_error = ?
		 WHERE id = ? AND synced = 0`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending sync operation %s: %w", id, db.ErrNotFound)
	}
	q.logger.Warn().Str("op_id", id).Str("reason", reason).Msg("Dead-lettered")
	return nil
}

// Requeue returns a dead letter to the pending set with a fresh budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	res, err := q.store.Execute(ctx,
		`UPDATE sync_operations SET dead_letter = 0, attempts = 0, last_error = NULL
		 WHERE id = ? AND dead_letter = 1 AND synced = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-lettered sync operation %s: %w", id, db.ErrNotFound)
	}
	return nil
}

// Stats summarizes the ledger.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := q.check(ctx); err != nil {
		return st, err
	}

	var oldest sql.NullString
	err := q.store.QueryRow(ctx,
		[]any{&st.Total, &st.Pending, &st.Synced, &st.DeadLetter, &oldest},
		`SELECT COUNT(*),
		        COALESCE(SUM(synced = 0 AND dead_letter = 0), 0),
		        COALESCE(SUM(synced = 1), 0),
		        COALESCE(SUM(synced = 0 AND dead_letter = 1), 0),
		        MIN(CASE WHEN synced = 0 AND dead_letter = 0 THEN timestamp END)
		 FROM sync_operations`)
	if err != nil {
		return st, fmt.Errorf("failed to compute outbox stats: %w", err)
	}
	st.OldestPending = oldest.String
	return st, nil
}

// Decode parses the stored payload into op.Data. Any failure wraps
// ErrSerialization; such entries can never be replayed.
func Decode(op *model.SyncOperation) error {
	if !op.OperationType.IsValid() {
		return fmt.Errorf("%w: %s: unknown operation type %q", ErrSerialization, op.ID, op.OperationType)
	}
	if !op.Collection.IsValid() {
		return fmt.Errorf("%w: %s: unknown collection %q", ErrSerialization, op.ID, op.Collection)
	}
	doc, err := model.DecodeDocument([]byte(op.Payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSerialization, op.ID, err)
	}
	if op.OperationType.IsUpsert() {
		if id := doc.ID(); id != "" && id != op.DocumentID {
			return fmt.Errorf("%w: %s: payload id %q does not match document %q",
				ErrSerialization, op.ID, id, op.DocumentID)
		}
	}
	op.Data = doc
	return nil
}

func (q *Queue) list(ctx context.Context, clause string, args ...any) ([]*model.SyncOperation, error) {
	if err := q.check(ctx); err != nil {
		return nil, err
	}

	rows, err := q.store.Query(ctx,
		`SELECT `+opColumns+` FROM sync_operations `+clause+` ORDER BY timestamp, rowid`, args...)
	if err != nil {
		q.ready.Store(false)
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var ops []*model.SyncOperation
	for rows.Next() {
		var (
			op                  model.SyncOperation
			opType, collection  string
			synced, deadLetter  int
			lastError, syncedAt sql.NullString
		)
		if err := rows.Scan(&op.ID, &opType, &collection, &op.DocumentID, &op.Payload, &op.Timestamp,
			&synced, &op.Attempts, &lastError, &deadLetter, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync operation: %w", err)
		}
		op.OperationType = model.OpType(opType)
		op.Collection = model.Collection(collection)
		op.Synced = synced != 0
		op.DeadLetter = deadLetter != 0
		op.LastError = lastError.String
		op.SyncedAt = syncedAt.String
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return ops, nil
}

// check makes sure the table exists, creating it when absent.
func (q *Queue) check(ctx context.Context) error {
	if q.ready.Load() {
		return nil
	}
	conn, err := q.store.Conn(ctx)
	if err != nil {
		return err
	}
	return q.ensure(ctx, conn)
}

func (q *Queue) ensure(ctx context.Context, qr migrate.Querier) error {
	if q.ready.Load() {
		return nil
	}
	if err := q.heal(ctx, qr); err != nil {
		return err
	}
	q.ready.Store(true)
	return nil
}

func (q *Queue) heal(ctx context.Context, qr migrate.Querier) error {
	q.ready.Store(false)
	present, err := migrate.TableExists(ctx, qr, migrate.TableSyncOperations)
	if err != nil {
		return db.Classify(err)
	}
	if present == migrate.Present {
		return nil
	}
	q.logger.Warn().Msg("sync_operations table missing, recreating")
	if err := migrate.EnsureTable(ctx, qr, migrate.TableSyncOperations); err != nil {
		return fmt.Errorf("failed to recreate outbox table: %w", err)
	}
	return nil
}
