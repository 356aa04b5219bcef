// Package timer implements shard-scoped durable timers with a due-scan
// loop that fires them into the engine.
package timer

import (
	"context"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// Store persists timers. Status transitions are guarded by an optimistic
// version column; Pending -> Fired|Canceled is terminal.
type Store interface {
	// Create inserts a Pending timer. types.ErrAlreadyExists when the
	// timer_id already exists within the run.
	Create(ctx context.Context, t *types.Timer) error

	// Get returns the timer or types.ErrNotFound.
	Get(ctx context.Context, key types.ExecutionKey, timerID string) (*types.Timer, error)

	// Due returns up to limit Pending timers on the shard with
	// fire_time <= now, ordered by fire_time, using lock-and-skip
	// semantics on the durable backend.
	Due(ctx context.Context, shardID int32, now time.Time, limit int) ([]*types.Timer, error)

	// UpdateStatus transitions the timer at version == expectedVersion,
	// bumping the version. types.ErrOptimisticLock on mismatch.
	UpdateStatus(ctx context.Context, key types.ExecutionKey, timerID string, status types.TimerStatus, expectedVersion int64) error

	// PurgeClosed deletes Fired/Canceled timers older than the cutoff.
	PurgeClosed(ctx context.Context, cutoff time.Time) (int64, error)
}
