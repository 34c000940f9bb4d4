// Package sync moves locally committed changes to the remote store of record.
//
// # Write path
//
// Every domain write goes through the Coordinator:
//
//	coord := sync.NewCoordinator(sync.CoordinatorConfig{
//	    Store:   store,
//	    Queue:   queue,
//	    Remote:  remote,
//	    Tracker: tracker,
//	})
//	err := coord.Apply(ctx, model.Upsert(model.OpAdd, model.CollectionProducts, item.Document()))
//
// Apply commits the local change and its outbox entry in one transaction.
// That commit is the success boundary: once it returns nil the change is
// durable locally and will reach the remote eventually. The coordinator then
// mirrors the change to the remote with a bounded timeout; if the mirror
// succeeds the entry is marked synced, otherwise it stays pending.
//
// # Drain
//
// The Reconciler replays pending entries in timestamp order:
//
//	r := sync.NewReconciler(sync.Config{
//	    Queue:   queue,
//	    Remote:  remote,
//	    Tracker: tracker,
//	    Gate:    coord.Gate(),
//	})
//	report, err := r.Drain(ctx)
//
// The coordinator and the reconciler push a document only while holding its
// key in the shared KeyGate, and skip entries no longer pending. A mirror
// still in flight can therefore never land after a drain delivered a later
// change of the same document.
//
// A failing entry does not stop the drain. It is counted, its key is blocked
// for the rest of the run so later entries of the same document never
// overtake it, and the drain moves on. An entry that fails MaxAttempts
// times is dead-lettered. Entries whose payload cannot be decoded are
// dead-lettered at once.
//
// # Conflicts
//
// Remote upserts are last-write-wins on updated_at. An entry older than the
// remote copy is rejected by the backend (backend.ErrStale); it is counted
// as a conflict and marked synced, since the remote already holds newer
// state.
package sync
