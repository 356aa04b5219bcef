package matching

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/types"
)

func testConfig() Config {
	return Config{
		QueueCapacity:  100,
		GlobalRPS:      100000,
		GlobalBurst:    100000,
		NamespaceRPS:   100000,
		NamespaceBurst: 100000,
		DefaultTimeout: 30 * time.Second,
	}
}

func newTask(id string, priority int32) *types.Task {
	return &types.Task{
		TaskID:      id,
		Namespace:   "ns",
		TaskQueue:   "default",
		Execution:   types.ExecutionKey{NamespaceID: "ns", WorkflowID: "wf", RunID: "r1"},
		NodeID:      "n-" + id,
		NodeType:    "noop",
		TaskType:    types.TaskTypeActivity,
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func TestService_EnqueuePollComplete(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))

	task, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)
	assert.Equal(t, int32(1), task.Attempts)
	assert.Len(t, token, 64)

	require.NoError(t, svc.Complete(ctx, task.TaskID, token))

	_, _, err = svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_ExpiredLeaseExhaustionSignalsHandler(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	exhausted := make(chan *types.Task, 1)
	svc.SetExhaustedHandler(func(task *types.Task) { exhausted <- task })

	task := newTask("t1", types.PriorityNormal)
	task.MaxAttempts = 1
	task.Timeout = 20 * time.Millisecond
	require.NoError(t, svc.Enqueue(ctx, task))

	// The worker leases the final attempt and goes silent.
	leased, _, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)
	require.Equal(t, int32(1), leased.Attempts)

	select {
	case got := <-exhausted:
		assert.Equal(t, "t1", got.TaskID)
		assert.Equal(t, int32(1), got.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion was never signaled")
	}

	// The task is retired, not redelivered.
	_, _, err = svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("low", types.PriorityLow)))
	require.NoError(t, svc.Enqueue(ctx, newTask("high", types.PriorityHigh)))
	require.NoError(t, svc.Enqueue(ctx, newTask("normal", types.PriorityNormal)))

	var got []string
	for i := 0; i < 3; i++ {
		task, token, err := svc.PollOne(ctx, "ns", "default", "w1")
		require.NoError(t, err)
		got = append(got, task.TaskID)
		require.NoError(t, svc.Complete(ctx, task.TaskID, token))
	}
	assert.Equal(t, []string{"high", "normal", "low"}, got)
}

func TestService_DuplicateEnqueueIsNoop(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	a := newTask("dup", types.PriorityNormal)
	b := newTask("dup", types.PriorityNormal)
	require.NoError(t, svc.Enqueue(ctx, a))
	require.NoError(t, svc.Enqueue(ctx, b))

	task, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, task.TaskID, token))

	_, _, err = svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_QueueFull(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.QueueCapacity = 2
	svc := NewService(NewMemoryTaskStore(), cfg, zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("a", 0)))
	require.NoError(t, svc.Enqueue(ctx, newTask("b", 0)))
	err := svc.Enqueue(ctx, newTask("c", 0))
	require.ErrorIs(t, err, types.ErrQueueFull)
}

func TestService_RateLimited(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.GlobalRPS = 0.001
	cfg.GlobalBurst = 1
	svc := NewService(NewMemoryTaskStore(), cfg, zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("a", 0)))
	err := svc.Enqueue(ctx, newTask("b", 0))
	require.ErrorIs(t, err, types.ErrRateLimited)
}

func TestService_FailRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	task := newTask("t1", types.PriorityNormal)
	task.MaxAttempts = 3
	require.NoError(t, svc.Enqueue(ctx, task))

	leased, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)

	disp, err := svc.Fail(ctx, leased.TaskID, token, types.ErrorKindRetryable)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetrying, disp)

	// The retry is not visible until its backoff elapses.
	_, _, err = svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_FailExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	task := newTask("t1", types.PriorityNormal)
	task.MaxAttempts = 1
	require.NoError(t, svc.Enqueue(ctx, task))

	leased, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)

	disp, err := svc.Fail(ctx, leased.TaskID, token, types.ErrorKindRetryable)
	require.NoError(t, err)
	assert.Equal(t, DispositionExhausted, disp)
}

func TestService_FailNonRetryableDrops(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))
	leased, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)

	disp, err := svc.Fail(ctx, leased.TaskID, token, types.ErrorKindNonRetryable)
	require.NoError(t, err)
	assert.Equal(t, DispositionDropped, disp)

	_, _, err = svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_StaleLeaseToken(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))
	task, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)

	err = svc.Complete(ctx, task.TaskID, "not-the-token")
	require.ErrorIs(t, err, types.ErrLeaseInvalid)

	// The real token still works.
	require.NoError(t, svc.Complete(ctx, task.TaskID, token))
	// And is single-use.
	err = svc.Complete(ctx, task.TaskID, token)
	require.ErrorIs(t, err, types.ErrLeaseInvalid)
}

func TestService_ExtendLease(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))
	task, token, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)

	require.NoError(t, svc.ExtendLease(ctx, task.TaskID, token, time.Minute))
	err = svc.ExtendLease(ctx, task.TaskID, "bogus", time.Minute)
	require.ErrorIs(t, err, types.ErrLeaseInvalid)
}

func TestService_RemoveQueuedTask(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryTaskStore(), testConfig(), zap.NewNop())
	defer svc.Close()

	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))
	require.NoError(t, svc.RemoveTask(ctx, "ns", "default", "t1"))

	_, _, err := svc.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)
}

func TestService_RecoverRebuildsQueues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTaskStore()

	svc := NewService(store, testConfig(), zap.NewNop())
	require.NoError(t, svc.Enqueue(ctx, newTask("t1", types.PriorityNormal)))
	svc.Close()

	// A fresh instance over the same store starts with empty heaps.
	restarted := NewService(store, testConfig(), zap.NewNop())
	defer restarted.Close()

	_, _, err := restarted.PollOne(ctx, "ns", "default", "w1")
	require.ErrorIs(t, err, types.ErrNoTask)

	require.NoError(t, restarted.Recover(ctx))
	task, _, err := restarted.PollOne(ctx, "ns", "default", "w1")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.TaskID)
}

func TestBackoffLadder(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 5*time.Second, Backoff(3))
	assert.Equal(t, 10*time.Second, Backoff(4))
	assert.Equal(t, 30*time.Second, Backoff(5))
	assert.Equal(t, 60*time.Second, Backoff(6))
	assert.Equal(t, 60*time.Second, Backoff(100))
}

// Poll order never inverts priority: a popped task's priority is >= every
// task still visible in the queue.
func TestQueuePriorityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pops are priority-ordered", prop.ForAll(
		func(priorities []int) bool {
			now := time.Now().UTC()
			q := newTaskQueue(1000)
			for i, p := range priorities {
				task := newTask("t-"+strconv.Itoa(i), int32(p))
				task.ScheduledAt = now
				task.VisibleAt = now
				if q.Push(task, now) != nil {
					return false
				}
			}
			prev := int32(1 << 30)
			for {
				task := q.Pop(now)
				if task == nil {
					break
				}
				if task.Priority > prev {
					return false
				}
				prev = task.Priority
			}
			return q.Len() == 0
		},
		gen.SliceOf(gen.IntRange(0, 10)),
	))

	properties.TestingRun(t)
}

func TestQueueVisibilityDelay(t *testing.T) {
	now := time.Now().UTC()
	q := newTaskQueue(10)

	delayed := newTask("delayed", types.PriorityHigh)
	delayed.VisibleAt = now.Add(time.Minute)
	ready := newTask("ready", types.PriorityLow)
	ready.VisibleAt = now

	require.NoError(t, q.Push(delayed, now))
	require.NoError(t, q.Push(ready, now))

	// High priority but invisible loses to visible low priority.
	got := q.Pop(now)
	require.NotNil(t, got)
	assert.Equal(t, "ready", got.TaskID)

	assert.Nil(t, q.Pop(now))

	// Once the clock passes visible_at the delayed task surfaces.
	got = q.Pop(now.Add(2 * time.Minute))
	require.NotNil(t, got)
	assert.Equal(t, "delayed", got.TaskID)
}

func TestTwoLevelLimiter(t *testing.T) {
	l := newTwoLevelLimiter(1000, 1000, 0.001, 1)

	ok, _ := l.Allow("ns1")
	assert.True(t, ok)
	ok, scope := l.Allow("ns1")
	assert.False(t, ok)
	assert.Equal(t, "namespace", scope)

	// Another namespace has its own bucket.
	ok, _ = l.Allow("ns2")
	assert.True(t, ok)

	l.SetNamespaceLimit("ns1", 1000, 1000)
	ok, _ = l.Allow("ns1")
	assert.True(t, ok)
}
