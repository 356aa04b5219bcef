package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisGuard(t *testing.T) *RedisStartGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStartGuard(client)
}

func TestRedisStartGuard_FirstCallerStarts(t *testing.T) {
	guard := newRedisGuard(t)
	ctx := context.Background()

	calls := 0
	runID, started, err := guard.Execute(ctx, "ns:wf:key", func(ctx context.Context) (string, error) {
		calls++
		return "run-1", nil
	})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, 1, calls)

	// A repeat with the same fingerprint reuses the published result.
	runID, started, err = guard.Execute(ctx, "ns:wf:key", func(ctx context.Context) (string, error) {
		calls++
		return "run-2", nil
	})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, 1, calls)
}

func TestRedisStartGuard_DistinctKeysAreIndependent(t *testing.T) {
	guard := newRedisGuard(t)
	ctx := context.Background()

	runA, _, err := guard.Execute(ctx, "ns:wf:a", func(ctx context.Context) (string, error) { return "run-a", nil })
	require.NoError(t, err)
	runB, _, err := guard.Execute(ctx, "ns:wf:b", func(ctx context.Context) (string, error) { return "run-b", nil })
	require.NoError(t, err)
	assert.NotEqual(t, runA, runB)
}

func TestRedisStartGuard_StartErrorReleasesLock(t *testing.T) {
	guard := newRedisGuard(t)
	ctx := context.Background()

	boom := errors.New("postgres down")
	_, _, err := guard.Execute(ctx, "ns:wf:key", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	// No result was published, so a later attempt starts fresh.
	runID, started, err := guard.Execute(ctx, "ns:wf:key", func(ctx context.Context) (string, error) {
		return "run-2", nil
	})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "run-2", runID)
}

func TestRedisStartGuard_ConcurrentCallersConverge(t *testing.T) {
	guard := newRedisGuard(t)
	ctx := context.Background()

	var starts sync.Map
	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID, _, err := guard.Execute(ctx, "ns:wf:key", func(ctx context.Context) (string, error) {
				id := "run-started"
				starts.Store(i, id)
				return id, nil
			})
			results[i] = runID
			errs[i] = err
		}(i)
	}
	wg.Wait()

	startCount := 0
	starts.Range(func(_, _ any) bool { startCount++; return true })
	assert.Equal(t, 1, startCount, "exactly one caller runs the start")

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "run-started", results[i])
	}
}

func TestMemoryStartGuard(t *testing.T) {
	guard := NewMemoryStartGuard()
	ctx := context.Background()

	runID, started, err := guard.Execute(ctx, "k", func(ctx context.Context) (string, error) { return "r1", nil })
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "r1", runID)

	runID, started, err = guard.Execute(ctx, "k", func(ctx context.Context) (string, error) { return "r2", nil })
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "r1", runID)
}
