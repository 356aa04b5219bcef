package matching

import (
	"container/heap"
	"sync"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// readyHeap orders pollable tasks: higher priority first, ties broken by
// earlier scheduled_at.
type readyHeap []*types.Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*types.Task)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// delayedHeap orders not-yet-visible tasks by visible_at so promotion is
// a cheap peek.
type delayedHeap []*types.Task

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].VisibleAt.Before(h[j].VisibleAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*types.Task)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}

// taskQueue is one bounded per-(namespace, task_queue) priority queue.
// Tasks sit in the delayed heap until visible_at, then migrate to the
// ready heap on the next Pop or Promote.
type taskQueue struct {
	mu       sync.Mutex
	ready    readyHeap
	delayed  delayedHeap
	capacity int
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{capacity: capacity}
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

// Push enqueues a task, returning types.ErrQueueFull at capacity.
func (q *taskQueue) Push(task *types.Task, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready)+len(q.delayed) >= q.capacity {
		return types.ErrQueueFull
	}
	if task.VisibleAt.After(now) {
		heap.Push(&q.delayed, task)
	} else {
		heap.Push(&q.ready, task)
	}
	return nil
}

// Pop returns the highest-priority task with visible_at <= now, or nil.
func (q *taskQueue) Pop(now time.Time) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked(now)
	if len(q.ready) == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*types.Task)
}

// Remove drops a task by id from either heap. Used when a canceled
// execution invalidates outstanding dispatches.
func (q *taskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.ready {
		if t.TaskID == taskID {
			heap.Remove(&q.ready, i)
			return true
		}
	}
	for i, t := range q.delayed {
		if t.TaskID == taskID {
			heap.Remove(&q.delayed, i)
			return true
		}
	}
	return false
}

func (q *taskQueue) promoteLocked(now time.Time) {
	for len(q.delayed) > 0 && !q.delayed[0].VisibleAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}
