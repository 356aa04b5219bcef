// Package history implements the append-only Event Store: the durable,
// per-run history of HistoryEvents that the engine replays from.
package history

import (
	"context"

	"github.com/linkflow/engine/internal/types"
)

// EventStore persists per-execution history events. Appends are
// idempotent by (run, event_id) and guarded by an optimistic version
// precondition on the current max event id.
type EventStore interface {
	// AppendEvents appends events transactionally. When expectedVersion
	// is >= 0 the current max event id must equal it or
	// types.ErrVersionMismatch is returned. A duplicate (run, event_id)
	// insert is treated as idempotent success for that event.
	AppendEvents(ctx context.Context, key types.ExecutionKey, events []*types.HistoryEvent, expectedVersion int64) error

	// GetEvents returns events with firstEventID <= event_id <= lastEventID,
	// ascending. Empty slice when none exist.
	GetEvents(ctx context.Context, key types.ExecutionKey, firstEventID, lastEventID int64) ([]*types.HistoryEvent, error)

	// GetEventCount returns the number of events recorded for the run.
	GetEventCount(ctx context.Context, key types.ExecutionKey) (int64, error)

	// GetLatestEventID returns the max event id, 0 when the run has no
	// history.
	GetLatestEventID(ctx context.Context, key types.ExecutionKey) (int64, error)

	// DeleteEvents removes the run's history. Retention only.
	DeleteEvents(ctx context.Context, key types.ExecutionKey) error
}
