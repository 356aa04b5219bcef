package matching

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/types"
)

// Disposition is the outcome of a task failure report.
type Disposition string

const (
	// DispositionRetrying means the task was re-enqueued with backoff.
	DispositionRetrying Disposition = "retrying"
	// DispositionExhausted means a retryable failure ran out of attempts.
	DispositionExhausted Disposition = "exhausted"
	// DispositionDropped means the failure was non-retryable.
	DispositionDropped Disposition = "dropped"
)

// Config holds the service knobs.
type Config struct {
	QueueCapacity  int
	GlobalRPS      float64
	GlobalBurst    int
	NamespaceRPS   float64
	NamespaceBurst int
	DefaultTimeout time.Duration
}

type lease struct {
	token  string
	expiry time.Time
	task   *types.Task
}

// ExhaustedHandler is invoked when lease-expiry redelivery runs a task
// out of attempts with no worker report.
type ExhaustedHandler func(task *types.Task)

// Service is the Matching service: it owns the per-queue heaps, the
// durable write-through store, leases, and the limiters.
type Service struct {
	store     TaskStore
	limiter   *twoLevelLimiter
	cfg       Config
	logger    *zap.Logger
	exhausted ExhaustedHandler

	mu     sync.RWMutex
	queues map[string]*taskQueue
	leases map[string]*lease

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewService(store TaskStore, cfg Config, logger *zap.Logger) *Service {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = 1000
		cfg.GlobalBurst = 2000
	}
	if cfg.NamespaceRPS <= 0 {
		cfg.NamespaceRPS = 100
		cfg.NamespaceBurst = 200
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	s := &Service{
		store:   store,
		limiter: newTwoLevelLimiter(cfg.GlobalRPS, cfg.GlobalBurst, cfg.NamespaceRPS, cfg.NamespaceBurst),
		cfg:     cfg,
		logger:  logger,
		queues:  make(map[string]*taskQueue),
		leases:  make(map[string]*lease),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.leaseSweeper()
	return s
}

// SetExhaustedHandler installs the hook for lease-expiry exhaustion.
func (s *Service) SetExhaustedHandler(h ExhaustedHandler) {
	s.mu.Lock()
	s.exhausted = h
	s.mu.Unlock()
}

// Close stops the background sweeper.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func queueKey(namespace, taskQueue string) string { return namespace + "/" + taskQueue }

func (s *Service) queueFor(namespace, taskQueue string) *taskQueue {
	key := queueKey(namespace, taskQueue)

	s.mu.RLock()
	q, ok := s.queues[key]
	s.mu.RUnlock()
	if ok {
		return q
	}

	// Double-checked lazy insertion.
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok = s.queues[key]; ok {
		return q
	}
	q = newTaskQueue(s.cfg.QueueCapacity)
	s.queues[key] = q
	return q
}

// Enqueue adds a task. Deterministic task ids make a repeated enqueue
// for the same scheduled event a no-op success.
func (s *Service) Enqueue(ctx context.Context, task *types.Task) error {
	if allowed, scope := s.limiter.Allow(task.Namespace); !allowed {
		observability.RateLimited.WithLabelValues(scope).Inc()
		observability.MatchingOperations.WithLabelValues("enqueue", "rate_limited").Inc()
		return types.ErrRateLimited
	}

	now := time.Now().UTC()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = task.ScheduledAt
	}
	if task.Timeout <= 0 {
		task.Timeout = s.cfg.DefaultTimeout
	}
	if task.TaskID == "" {
		task.TaskID = types.DeterministicTaskID(task.Execution, task.TaskType, task.ScheduledEventID)
	}

	q := s.queueFor(task.Namespace, task.TaskQueue)
	if q.Len() >= s.cfg.QueueCapacity {
		observability.MatchingOperations.WithLabelValues("enqueue", "queue_full").Inc()
		return types.ErrQueueFull
	}

	inserted, err := s.store.Insert(ctx, task)
	if err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	if !inserted {
		// Already dispatched for this scheduled event.
		observability.MatchingOperations.WithLabelValues("enqueue", "duplicate").Inc()
		return nil
	}

	if err := q.Push(task, now); err != nil {
		return err
	}
	observability.MatchingOperations.WithLabelValues("enqueue", "ok").Inc()
	observability.TaskQueueDepth.WithLabelValues(task.Namespace, task.TaskQueue).Set(float64(q.Len()))
	return nil
}

// PollOne returns the highest-priority visible task and a lease for it,
// or types.ErrNoTask.
func (s *Service) PollOne(ctx context.Context, namespace, taskQueue, workerID string) (*types.Task, string, error) {
	if allowed, scope := s.limiter.Allow(namespace); !allowed {
		observability.RateLimited.WithLabelValues(scope).Inc()
		observability.MatchingOperations.WithLabelValues("poll", "rate_limited").Inc()
		return nil, "", types.ErrRateLimited
	}

	now := time.Now().UTC()
	q := s.queueFor(namespace, taskQueue)
	task := q.Pop(now)
	if task == nil {
		return nil, "", types.ErrNoTask
	}

	task.Attempts++
	token, err := newLeaseToken()
	if err != nil {
		// Put the task back rather than lose it.
		_ = q.Push(task, now)
		return nil, "", err
	}

	expiry := now.Add(task.Timeout)
	if err := s.store.SaveLease(ctx, task.TaskID, token, expiry, task.Attempts); err != nil {
		_ = q.Push(task, now)
		return nil, "", fmt.Errorf("persist lease: %w", err)
	}

	s.mu.Lock()
	s.leases[task.TaskID] = &lease{token: token, expiry: expiry, task: task}
	s.mu.Unlock()

	observability.MatchingOperations.WithLabelValues("poll", "ok").Inc()
	observability.TaskQueueDepth.WithLabelValues(namespace, taskQueue).Set(float64(q.Len()))
	s.logger.Debug("task leased",
		zap.String("task_id", task.TaskID),
		zap.String("worker_id", workerID),
		zap.Int32("attempt", task.Attempts))
	return task, token, nil
}

// Complete acknowledges successful processing and retires the task.
func (s *Service) Complete(ctx context.Context, taskID, token string) error {
	if _, err := s.takeLease(taskID, token); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, taskID); err != nil {
		return err
	}
	observability.MatchingOperations.WithLabelValues("complete", "ok").Inc()
	return nil
}

// Fail reports a processing failure. Retryable kinds re-enqueue with
// backoff until max_attempts, then the disposition is Exhausted.
func (s *Service) Fail(ctx context.Context, taskID, token string, kind types.ErrorKind) (Disposition, error) {
	l, err := s.takeLease(taskID, token)
	if err != nil {
		return "", err
	}
	task := l.task

	if kind.Retryable() && task.Attempts < task.MaxAttempts {
		visibleAt := time.Now().UTC().Add(Backoff(task.Attempts))
		if err := s.store.ClearLease(ctx, taskID, visibleAt, task.Attempts); err != nil {
			return "", err
		}
		task.VisibleAt = visibleAt
		if err := s.queueFor(task.Namespace, task.TaskQueue).Push(task, time.Now().UTC()); err != nil {
			return "", err
		}
		observability.TaskRedeliveries.Inc()
		observability.MatchingOperations.WithLabelValues("fail", "retrying").Inc()
		return DispositionRetrying, nil
	}

	if err := s.store.Delete(ctx, taskID); err != nil {
		return "", err
	}
	if kind.Retryable() {
		observability.MatchingOperations.WithLabelValues("fail", "exhausted").Inc()
		return DispositionExhausted, nil
	}
	observability.MatchingOperations.WithLabelValues("fail", "dropped").Inc()
	return DispositionDropped, nil
}

// ExtendLease pushes the lease expiry out for a long-running task.
func (s *Service) ExtendLease(ctx context.Context, taskID, token string, extra time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[taskID]
	if !ok || l.token != token {
		return types.ErrLeaseInvalid
	}
	l.expiry = l.expiry.Add(extra)
	return s.store.SaveLease(ctx, taskID, token, l.expiry, l.task.Attempts)
}

// RemoveTask drops a queued (unleased) task, used when its execution is
// canceled. In-flight tasks are left to their lease; the engine ignores
// their completion.
func (s *Service) RemoveTask(ctx context.Context, namespace, taskQueue, taskID string) error {
	s.queueFor(namespace, taskQueue).Remove(taskID)
	return s.store.Delete(ctx, taskID)
}

// Recover rebuilds the heaps from the durable store after a restart.
// Tasks whose lease expired while the process was down become pollable
// again.
func (s *Service) Recover(ctx context.Context) error {
	now := time.Now().UTC()
	tasks, err := s.store.ListPollable(ctx, now)
	if err != nil {
		return fmt.Errorf("list pollable tasks: %w", err)
	}
	for _, task := range tasks {
		if err := s.queueFor(task.Namespace, task.TaskQueue).Push(task, now); err != nil {
			s.logger.Warn("dropping task on recovery", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}
	if len(tasks) > 0 {
		s.logger.Info("recovered matching tasks", zap.Int("count", len(tasks)))
	}
	return nil
}

// SetNamespaceLimit installs a custom per-namespace rate limit.
func (s *Service) SetNamespaceLimit(namespace string, rps float64, burst int) {
	s.limiter.SetNamespaceLimit(namespace, rps, burst)
}

// RemoveNamespaceLimit reverts a namespace to the default limit.
func (s *Service) RemoveNamespaceLimit(namespace string) {
	s.limiter.RemoveNamespaceLimit(namespace)
}

func (s *Service) takeLease(taskID, token string) (*lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[taskID]
	if !ok || l.token != token {
		return nil, types.ErrLeaseInvalid
	}
	delete(s.leases, taskID)
	return l, nil
}

// leaseSweeper redelivers tasks whose worker went silent past the lease
// expiry.
func (s *Service) leaseSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpiredLeases()
		}
	}
}

func (s *Service) sweepExpiredLeases() {
	now := time.Now().UTC()

	s.mu.Lock()
	handler := s.exhausted
	var expired []*lease
	for taskID, l := range s.leases {
		if l.expiry.Before(now) {
			expired = append(expired, l)
			delete(s.leases, taskID)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, l := range expired {
		task := l.task
		if task.Attempts >= task.MaxAttempts {
			if err := s.store.Delete(ctx, task.TaskID); err != nil {
				s.logger.Warn("delete exhausted task", zap.String("task_id", task.TaskID), zap.Error(err))
			}
			s.logger.Warn("task lease expired with attempts exhausted",
				zap.String("task_id", task.TaskID),
				zap.Int32("attempts", task.Attempts))
			if handler != nil {
				handler(task)
			}
			continue
		}

		visibleAt := now.Add(Backoff(task.Attempts))
		if err := s.store.ClearLease(ctx, task.TaskID, visibleAt, task.Attempts); err != nil {
			s.logger.Warn("clear expired lease", zap.String("task_id", task.TaskID), zap.Error(err))
			continue
		}
		task.VisibleAt = visibleAt
		if err := s.queueFor(task.Namespace, task.TaskQueue).Push(task, now); err != nil {
			s.logger.Warn("requeue expired lease", zap.String("task_id", task.TaskID), zap.Error(err))
			continue
		}
		observability.TaskRedeliveries.Inc()
		s.logger.Info("task lease expired, redelivering",
			zap.String("task_id", task.TaskID),
			zap.Int32("attempts", task.Attempts),
			zap.Time("visible_at", visibleAt))
	}
}

func newLeaseToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.New("lease token entropy unavailable")
	}
	return hex.EncodeToString(b), nil
}
