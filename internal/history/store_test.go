package history

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/engine/internal/types"
)

func testKey() types.ExecutionKey {
	return types.ExecutionKey{NamespaceID: "ns1", WorkflowID: "wf1", RunID: "run1"}
}

func makeEvents(first int64, count int) []*types.HistoryEvent {
	events := make([]*types.HistoryEvent, count)
	for i := range events {
		events[i] = &types.HistoryEvent{
			EventID:   first + int64(i),
			EventType: types.EventTypeActivityScheduled,
			Version:   1,
			Timestamp: time.Now().UTC(),
		}
	}
	return events
}

func TestMemoryStore_AppendAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := testKey()

	require.NoError(t, store.AppendEvents(ctx, key, makeEvents(1, 3), 0))

	events, err := store.GetEvents(ctx, key, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.EventID)
	}

	latest, err := store.GetLatestEventID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestMemoryStore_VersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := testKey()

	require.NoError(t, store.AppendEvents(ctx, key, makeEvents(1, 2), 0))

	// Stale writer believes history is still empty.
	err := store.AppendEvents(ctx, key, makeEvents(1, 1), 0)
	require.ErrorIs(t, err, types.ErrVersionMismatch)

	// Correct precondition succeeds.
	require.NoError(t, store.AppendEvents(ctx, key, makeEvents(3, 1), 2))
}

func TestMemoryStore_IdempotentAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := testKey()

	batch := makeEvents(1, 2)
	require.NoError(t, store.AppendEvents(ctx, key, batch, 0))

	// A retried append of the same batch at the unchecked version is
	// swallowed per (run, event_id).
	require.NoError(t, store.AppendEvents(ctx, key, batch, -1))

	count, err := store.GetEventCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMemoryStore_GetEventsRange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := testKey()

	require.NoError(t, store.AppendEvents(ctx, key, makeEvents(1, 5), 0))

	events, err := store.GetEvents(ctx, key, 2, 4)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(2), events[0].EventID)
	assert.Equal(t, int64(4), events[2].EventID)
}

// Event ids form the contiguous sequence [1..history_length] no matter
// how appends are batched.
func TestEventIDsContiguous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("ids contiguous from 1", prop.ForAll(
		func(batchSizes []int) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			key := testKey()

			next := int64(1)
			for _, size := range batchSizes {
				if size < 1 || size > 10 {
					continue
				}
				if err := store.AppendEvents(ctx, key, makeEvents(next, size), next-1); err != nil {
					return false
				}
				next += int64(size)
			}

			events, err := store.GetEvents(ctx, key, 1, next)
			if err != nil || int64(len(events)) != next-1 {
				return false
			}
			for i, ev := range events {
				if ev.EventID != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 10)),
	))

	properties.TestingRun(t)
}
