package timer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// MemoryStore implements Store in memory for tests and local execution.
type MemoryStore struct {
	mu     sync.Mutex
	timers map[string]*types.Timer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[string]*types.Timer)}
}

func timerKey(key types.ExecutionKey, timerID string) string {
	return key.String() + "/" + timerID
}

func (s *MemoryStore) Create(ctx context.Context, t *types.Timer) error {
	if t.FireTime.Before(t.CreatedAt) {
		return fmt.Errorf("fire_time %s before created_at %s", t.FireTime, t.CreatedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey(t.ExecutionKey(), t.TimerID)
	if _, exists := s.timers[k]; exists {
		return fmt.Errorf("%w: timer %s", types.ErrAlreadyExists, t.TimerID)
	}
	clone := *t
	s.timers[k] = &clone
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key types.ExecutionKey, timerID string) (*types.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[timerKey(key, timerID)]
	if !ok {
		return nil, fmt.Errorf("%w: timer %s", types.ErrNotFound, timerID)
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) Due(ctx context.Context, shardID int32, now time.Time, limit int) ([]*types.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*types.Timer
	for _, t := range s.timers {
		if t.ShardID == shardID && t.Status == types.TimerStatusPending && !t.FireTime.After(now) {
			clone := *t
			due = append(due, &clone)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireTime.Before(due[j].FireTime) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, key types.ExecutionKey, timerID string, status types.TimerStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[timerKey(key, timerID)]
	if !ok || t.Version != expectedVersion || t.Status != types.TimerStatusPending {
		return fmt.Errorf("%w: timer %s at version %d", types.ErrOptimisticLock, timerID, expectedVersion)
	}
	t.Status = status
	t.Version++
	if status == types.TimerStatusFired {
		now := time.Now()
		t.FiredAt = &now
	}
	return nil
}

func (s *MemoryStore) PurgeClosed(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for k, t := range s.timers {
		if t.Status != types.TimerStatusPending && t.CreatedAt.Before(cutoff) {
			delete(s.timers, k)
			purged++
		}
	}
	return purged, nil
}
