package sync

import (
	"context"
	"time"

	"github.com/Isaquewa/estoqueapp-sub000/internal/model"
)

// Reconciler drains the outbox against the remote store.
//
// The reconciler is designed to be resilient - individual operation
// failures do not stop the drain. Errors are logged, counted in the report
// and the drain continues with the next operation.
type Reconciler interface {
	// Drain replays every currently pending operation at most once.
	//
	// Operations are applied in timestamp order: add and update as
	// upsert-by-id, delete as delete-by-id, each bounded by the operation
	// timeout. Operations enqueued while the drain runs are left for the
	// next drain.
	//
	// When the remote is known to be offline and a ping confirms it, no
	// operation is attempted and all of them are reported as Deferred.
	//
	// Returns an error only if the outbox itself cannot be read or
	// updated; remote failures are reported, never returned.
	//
	// Example:
	//   report, err := reconciler.Drain(ctx)
	//   fmt.Println(report.Synced, report.Failed)
	Drain(ctx context.Context) (Report, error)
}

// Report summarizes one drain.
type Report struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// Total is the number of pending operations in the drain's snapshot.
	Total int `json:"total" yaml:"total"`

	Synced       int `json:"synced" yaml:"synced"`
	Conflicts    int `json:"conflicts" yaml:"conflicts"`
	Failed       int `json:"failed" yaml:"failed"`
	DeadLettered int `json:"dead_lettered" yaml:"dead_lettered"`
	Malformed    int `json:"malformed" yaml:"malformed"`

	// Deferred counts operations not attempted: their key was blocked by
	// an earlier failure, the remote was offline, or the drain was aborted.
	Deferred int `json:"deferred" yaml:"deferred"`

	Offline bool `json:"offline" yaml:"offline"`
	Aborted bool `json:"aborted" yaml:"aborted"`

	Failures []Failure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Failure describes one failed operation.
type Failure struct {
	OpID  string `json:"op_id" yaml:"op_id"`
	Key   string `json:"key" yaml:"key"`
	Error string `json:"error" yaml:"error"`
}

func (r *Report) fail(op *model.SyncOperation, err error) {
	r.Failures = append(r.Failures, Failure{OpID: op.ID, Key: op.Key().String(), Error: err.Error()})
}

// Attempted returns how many operations reached the remote (or were
// dead-lettered without reaching it).
func (r Report) Attempted() int {
	return r.Synced + r.Conflicts + r.Failed + r.DeadLettered + r.Malformed
}

// Duration returns how long the drain ran.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
