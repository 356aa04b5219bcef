package matching

import (
	"context"
	"sync"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// MemoryTaskStore implements TaskStore in memory.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*memoryTaskRow
}

type memoryTaskRow struct {
	task        types.Task
	leaseToken  string
	leaseExpiry time.Time
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*memoryTaskRow)}
}

func (s *MemoryTaskStore) Insert(ctx context.Context, task *types.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return false, nil
	}
	s.tasks[task.TaskID] = &memoryTaskRow{task: *task}
	return true, nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryTaskStore) SaveLease(ctx context.Context, taskID, token string, expiry time.Time, attempts int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.tasks[taskID]; ok {
		row.leaseToken = token
		row.leaseExpiry = expiry
		row.task.Attempts = attempts
	}
	return nil
}

func (s *MemoryTaskStore) ClearLease(ctx context.Context, taskID string, visibleAt time.Time, attempts int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.tasks[taskID]; ok {
		row.leaseToken = ""
		row.leaseExpiry = time.Time{}
		row.task.VisibleAt = visibleAt
		row.task.Attempts = attempts
	}
	return nil
}

func (s *MemoryTaskStore) ListPollable(ctx context.Context, now time.Time) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []*types.Task
	for _, row := range s.tasks {
		if row.leaseToken == "" || !row.leaseExpiry.After(now) {
			clone := row.task
			tasks = append(tasks, &clone)
		}
	}
	return tasks, nil
}
