package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/matching"
	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/types"
)

// Reporter is the engine surface the pool reports results to.
type Reporter interface {
	RespondActivityCompleted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, output json.RawMessage, workerID string) error
	RespondActivityFailed(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, kind types.ErrorKind, message, workerID string) error
}

// Assignment is one (namespace, task_queue) pair a pool polls.
type Assignment struct {
	Namespace string
	TaskQueue string
}

// PoolConfig holds pool sizing and polling knobs.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	Breaker      BreakerConfig
	Bulkhead     BulkheadConfig
}

func (c *PoolConfig) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
}

// Pool runs N workers polling Matching and executing nodes under the
// resilience stack.
type Pool struct {
	matching    *matching.Service
	reporter    Reporter
	registry    *Registry
	breakers    *breakerRegistry
	bulkheads   *bulkheadRegistry
	assignments []Assignment
	cfg         PoolConfig
	logger      *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPool(m *matching.Service, reporter Reporter, registry *Registry, assignments []Assignment, cfg PoolConfig, logger *zap.Logger) *Pool {
	cfg.defaults()
	return &Pool{
		matching:    m,
		reporter:    reporter,
		registry:    registry,
		breakers:    newBreakerRegistry(cfg.Breaker),
		bulkheads:   newBulkheadRegistry(cfg.Bulkhead),
		assignments: assignments,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(workerID)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("assignments", len(p.assignments)))
}

// Stop drains the workers. In-flight executions finish; their leases
// are long enough to cover the report.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(workerID string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		if !p.pollOnce(workerID) {
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// pollOnce polls each assignment round-robin; returns true when a task
// was processed.
func (p *Pool) pollOnce(workerID string) bool {
	ctx := context.Background()
	for _, a := range p.assignments {
		task, token, err := p.matching.PollOne(ctx, a.Namespace, a.TaskQueue, workerID)
		if errors.Is(err, types.ErrNoTask) || errors.Is(err, types.ErrRateLimited) {
			continue
		}
		if err != nil {
			p.logger.Warn("poll failed",
				zap.String("namespace", a.Namespace),
				zap.String("task_queue", a.TaskQueue),
				zap.Error(err))
			continue
		}
		p.process(ctx, workerID, task, token)
		return true
	}
	return false
}

func (p *Pool) process(ctx context.Context, workerID string, task *types.Task, token string) {
	started := time.Now()
	output, execErr := p.execute(ctx, task)
	observability.WorkerExecutionDuration.WithLabelValues(task.NodeType).Observe(time.Since(started).Seconds())

	// The engine owns retry policy: the matching task is retired here
	// and any retry arrives as a freshly scheduled task.
	if err := p.matching.Complete(ctx, task.TaskID, token); err != nil {
		p.logger.Warn("complete task failed",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}

	if execErr == nil {
		observability.WorkerExecutions.WithLabelValues(task.NodeType, "ok").Inc()
		if err := p.reporter.RespondActivityCompleted(ctx, task.Execution, task.ScheduledEventID, output, workerID); err != nil {
			p.logger.Error("report completion failed",
				zap.String("task_id", task.TaskID), zap.Error(err))
		}
		return
	}

	kind := classify(execErr)
	observability.WorkerExecutions.WithLabelValues(task.NodeType, string(kind)).Inc()
	p.logger.Warn("node execution failed",
		zap.String("task_id", task.TaskID),
		zap.String("node_type", task.NodeType),
		zap.String("kind", string(kind)),
		zap.Error(execErr))
	if err := p.reporter.RespondActivityFailed(ctx, task.Execution, task.ScheduledEventID, kind, execErr.Error(), workerID); err != nil {
		p.logger.Error("report failure failed",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// execute runs the node under bulkhead, circuit breaker, and timeout.
func (p *Pool) execute(ctx context.Context, task *types.Task) (json.RawMessage, error) {
	ex, err := p.registry.Get(task.NodeType)
	if err != nil {
		return nil, &NodeError{Kind: types.ErrorKindNonRetryable, Message: err.Error()}
	}

	bh := p.bulkheads.get(task.NodeType)
	if err := bh.acquire(ctx); err != nil {
		if errors.Is(err, ErrBulkheadRejected) {
			rejectBulkhead()
			return nil, &NodeError{Kind: types.ErrorKindRetryable, Message: "bulkhead saturated"}
		}
		return nil, err
	}
	defer bh.release()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := p.breakers.get(task.NodeType)
	result, err := cb.Execute(func() (any, error) {
		return ex.Execute(execCtx, task.Payload)
	})
	if err != nil {
		return nil, err
	}
	output, _ := result.(json.RawMessage)
	return output, nil
}

// classify maps an execution error to its retry class.
func classify(err error) types.ErrorKind {
	var nodeErr *NodeError
	switch {
	case errors.As(err, &nodeErr):
		return nodeErr.Kind
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.ErrorKindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrorKindTimeout
	default:
		return types.ErrorKindRetryable
	}
}
