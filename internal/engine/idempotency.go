package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StartGuard deduplicates StartWorkflow on the caller's idempotency
// fingerprint. Execute runs the start exactly once per key; concurrent
// and repeat callers get the winner's run_id with started=false.
type StartGuard interface {
	Execute(ctx context.Context, key string, start func(ctx context.Context) (string, error)) (runID string, started bool, err error)
}

const (
	startLockPrefix   = "linkflow:start:lock:"
	startResultPrefix = "linkflow:start:result:"

	// Lock expiry is twice the longest expected start latency so a
	// crashed starter cannot wedge the key.
	startLockTTL   = 60 * time.Second
	startResultTTL = 24 * time.Hour
	startWait      = 30 * time.Second
)

// RedisStartGuard is the two-phase LOCK/RESULT guard: the winner holds
// the lock while creating the run, then publishes the run_id; losers
// poll for the result.
type RedisStartGuard struct {
	client *redis.Client
}

func NewRedisStartGuard(client *redis.Client) *RedisStartGuard {
	return &RedisStartGuard{client: client}
}

func (g *RedisStartGuard) Execute(ctx context.Context, key string, start func(ctx context.Context) (string, error)) (string, bool, error) {
	resultKey := startResultPrefix + key
	lockKey := startLockPrefix + key

	if runID, err := g.client.Get(ctx, resultKey).Result(); err == nil {
		return runID, false, nil
	} else if !errors.Is(err, redis.Nil) {
		return "", false, err
	}

	acquired, err := g.client.SetNX(ctx, lockKey, "1", startLockTTL).Result()
	if err != nil {
		return "", false, err
	}
	if !acquired {
		runID, err := g.waitForResult(ctx, resultKey)
		return runID, false, err
	}
	defer g.client.Del(context.WithoutCancel(ctx), lockKey)

	// Double-check: a winner may have published between our GET and SETNX.
	if runID, err := g.client.Get(ctx, resultKey).Result(); err == nil {
		return runID, false, nil
	} else if !errors.Is(err, redis.Nil) {
		return "", false, err
	}

	runID, err := start(ctx)
	if err != nil {
		return "", false, err
	}
	if err := g.client.Set(ctx, resultKey, runID, startResultTTL).Err(); err != nil {
		// The run exists; losing the cached result only costs a
		// redundant-but-idempotent start later.
		return runID, true, nil
	}
	return runID, true, nil
}

func (g *RedisStartGuard) waitForResult(ctx context.Context, resultKey string) (string, error) {
	deadline := time.Now().Add(startWait)
	backoff := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		runID, err := g.client.Get(ctx, resultKey).Result()
		if err == nil {
			return runID, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > time.Second {
			backoff = time.Second
		}
	}
	return "", fmt.Errorf("timed out waiting for concurrent start of %q", resultKey)
}

// MemoryStartGuard is the in-process variant for tests and local runs.
type MemoryStartGuard struct {
	mu      sync.Mutex
	results map[string]string
}

func NewMemoryStartGuard() *MemoryStartGuard {
	return &MemoryStartGuard{results: make(map[string]string)}
}

func (g *MemoryStartGuard) Execute(ctx context.Context, key string, start func(ctx context.Context) (string, error)) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if runID, ok := g.results[key]; ok {
		return runID, false, nil
	}
	runID, err := start(ctx)
	if err != nil {
		return "", false, err
	}
	g.results[key] = runID
	return runID, true, nil
}
