// Package reconcile defines the Reconciliation contract of spec §4.7:
// bringing the local blob store and the local LocationDB index back into
// agreement after crashes, partial writes, or missed events.
package reconcile

import "context"

// Stats summarizes one reconciliation cycle.
type Stats struct {
	Scanned      int
	Added        int
	Removed      int
	UpToDateSkip bool
}

// Engine runs bounded reconciliation cycles between a machine's local blob
// store and its LocationDB index.
type Engine interface {
	// RunCycle performs one bounded reconciliation cycle: it diffs at most
	// ReconciliationMaxCycleSize entries between the blob store and the
	// index, applying additions and removals as EventAddContentLocation /
	// EventReconcile batches. If IsReconcileUpToDate is true and
	// AllowSkipReconciliation is set, RunCycle returns immediately with
	// Stats.UpToDateSkip set, unless force is true, which always runs a
	// full cycle regardless of AllowSkipReconciliation or how recently the
	// machine last reconciled.
	RunCycle(ctx context.Context, force bool) (Stats, error)

	// MarkReconciled records that reconciliation has caught up to the
	// current state, so a subsequent IsReconcileUpToDate call can report
	// true until the next local mutation.
	MarkReconciled(ctx context.Context) error

	// IsReconcileUpToDate reports whether the local index and blob store
	// were already believed consistent as of the last MarkReconciled call.
	IsReconcileUpToDate(ctx context.Context) (bool, error)
}
