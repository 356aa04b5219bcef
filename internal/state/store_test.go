package state

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/types"
)

func newTestState(key types.ExecutionKey) *MutableState {
	ms := NewMutableState(&ExecutionInfo{
		NamespaceID:  key.NamespaceID,
		WorkflowID:   key.WorkflowID,
		RunID:        key.RunID,
		WorkflowType: "test",
	})
	ms.StartTime = time.Now().UTC()
	return ms
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(codec.NewJSON())
	key := types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf", RunID: "r1"}

	ms := newTestState(key)
	require.NoError(t, store.Update(ctx, key, ms, 0))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.DBVersion)
	assert.Equal(t, int64(2), got.NextEventID)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.NotNil(t, got.PendingActivities)
	assert.NotNil(t, got.CompletedNodes)
}

func TestMemoryStore_NotFound(t *testing.T) {
	store := NewMemoryStore(codec.NewJSON())
	_, err := store.Get(context.Background(), types.ExecutionKey{NamespaceID: "ns", WorkflowID: "x", RunID: "y"})
	require.ErrorIs(t, err, types.ErrExecutionNotFound)
}

func TestMemoryStore_OptimisticLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(codec.NewJSON())
	key := types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf", RunID: "r1"}

	require.NoError(t, store.Update(ctx, key, newTestState(key), 0))

	// Two writers load version 1; only the first wins.
	first, err := store.Get(ctx, key)
	require.NoError(t, err)
	second, err := store.Get(ctx, key)
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, key, first, first.DBVersion))
	err = store.Update(ctx, key, second, 1)
	require.ErrorIs(t, err, types.ErrOptimisticLock)
}

func TestMemoryStore_ListRunning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(codec.NewJSON())

	open := types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf-open", RunID: "r1"}
	closed := types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf-closed", RunID: "r2"}

	require.NoError(t, store.Update(ctx, open, newTestState(open), 0))
	done := newTestState(closed)
	done.Status = types.StatusCompleted
	require.NoError(t, store.Update(ctx, closed, done, 0))

	keys, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, open, keys[0])
}

// db_version increments by exactly 1 per successful update and never
// moves backwards.
func TestDBVersionMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("version +1 per update", prop.ForAll(
		func(updates int) bool {
			ctx := context.Background()
			store := NewMemoryStore(codec.NewJSON())
			key := types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf", RunID: "r"}

			ms := newTestState(key)
			if store.Update(ctx, key, ms, 0) != nil {
				return false
			}

			for i := 0; i < updates; i++ {
				cur, err := store.Get(ctx, key)
				if err != nil {
					return false
				}
				if cur.DBVersion != int64(i+1) {
					return false
				}
				cur.NextEventID++
				if store.Update(ctx, key, cur, cur.DBVersion) != nil {
					return false
				}
			}

			final, err := store.Get(ctx, key)
			return err == nil && final.DBVersion == int64(updates+1)
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestDeterministicContext_Replay(t *testing.T) {
	var d DeterministicContext
	first := d.Now()
	second := d.Now()
	require.True(t, second.After(first) || second.Equal(first))

	d.Rewind()
	assert.Equal(t, first, d.Now())
	assert.Equal(t, second, d.Now())
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("payload"))
	b := Checksum([]byte("payload"))
	c := Checksum([]byte("payload!"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
