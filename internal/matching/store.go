// Package matching implements the task-dispatch service: bounded
// per-(namespace, task_queue) priority queues with visibility delays,
// leases, redelivery backoff, and a two-level rate limiter.
package matching

import (
	"context"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// TaskStore is the durable write-through layer behind the in-memory
// priority heaps. The in-memory variant exists for tests and local DAG
// execution.
type TaskStore interface {
	// Insert persists a task. Inserting an existing task_id is a no-op
	// returning inserted=false; this is the at-most-once-per-fingerprint
	// guarantee for deterministic task ids.
	Insert(ctx context.Context, task *types.Task) (inserted bool, err error)

	// Delete removes a completed or canceled task.
	Delete(ctx context.Context, taskID string) error

	// SaveLease records an issued lease so a restarted instance knows
	// the task is in flight until expiry.
	SaveLease(ctx context.Context, taskID, token string, expiry time.Time, attempts int32) error

	// ClearLease releases the lease and reschedules visibility, used for
	// redelivery after failure or lease expiry.
	ClearLease(ctx context.Context, taskID string, visibleAt time.Time, attempts int32) error

	// ListPollable returns tasks with no lease or an expired lease,
	// used to rebuild the heaps after a crash.
	ListPollable(ctx context.Context, now time.Time) ([]*types.Task, error)
}
