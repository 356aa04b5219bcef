package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/callback"
	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/history"
	"github.com/linkflow/engine/internal/matching"
	"github.com/linkflow/engine/internal/observability"
	"github.com/linkflow/engine/internal/state"
	"github.com/linkflow/engine/internal/stream"
	"github.com/linkflow/engine/internal/timer"
	"github.com/linkflow/engine/internal/types"
	"github.com/linkflow/engine/internal/variables"
	"github.com/linkflow/engine/internal/visibility"
)

// Config holds engine knobs.
type Config struct {
	ShardCount int32

	// UpdateRetries bounds the reload-and-rebuild loop on optimistic
	// lock conflicts.
	UpdateRetries int

	DefaultTaskQueue     string
	DefaultMaxAttempts   int32
	DefaultTaskTimeout   time.Duration
	DefaultExecTimeout   time.Duration
	TimeoutSweepEvery    time.Duration
	SendSensitiveContext bool
}

func (c *Config) defaults() {
	if c.ShardCount <= 0 {
		c.ShardCount = 16
	}
	if c.UpdateRetries <= 0 {
		c.UpdateRetries = 5
	}
	if c.DefaultTaskQueue == "" {
		c.DefaultTaskQueue = "default"
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Second
	}
	if c.TimeoutSweepEvery <= 0 {
		c.TimeoutSweepEvery = 30 * time.Second
	}
}

// Engine is the workflow state machine. It is single-threaded per run:
// concurrent updates to the same execution serialize through the
// mutable state optimistic lock, everything else runs in parallel.
type Engine struct {
	history    history.EventStore
	state      state.Store
	visibility visibility.Store
	matching   *matching.Service
	timers     *timer.Service
	resolver   *variables.Resolver
	notifier   *callback.Notifier
	hub        *stream.Hub
	guard      StartGuard
	codec      codec.Serializer
	cfg        Config
	logger     *zap.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// Deps bundles the engine's collaborators. Notifier and Hub are
// optional; the rest are required.
type Deps struct {
	History    history.EventStore
	State      state.Store
	Visibility visibility.Store
	Matching   *matching.Service
	Timers     *timer.Service
	Resolver   *variables.Resolver
	Notifier   *callback.Notifier
	Hub        *stream.Hub
	Guard      StartGuard
	Codec      codec.Serializer
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	e := &Engine{
		history:    deps.History,
		state:      deps.State,
		visibility: deps.Visibility,
		matching:   deps.Matching,
		timers:     deps.Timers,
		resolver:   deps.Resolver,
		notifier:   deps.Notifier,
		hub:        deps.Hub,
		guard:      deps.Guard,
		codec:      deps.Codec,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go e.timeoutSweeper()
	return e
}

// Close stops the execution-timeout sweeper.
func (e *Engine) Close() {
	close(e.stopCh)
	<-e.done
}

// errSkipDecision aborts a decision batch as a benign no-op: the
// triggering signal is stale or duplicated and nothing is persisted.
var errSkipDecision = errors.New("decision skipped")

// timerInsert is a durable timer scheduled as a batch side effect.
type timerInsert struct {
	timerID  string
	fireTime time.Time
}

// taskRemoval drops a queued matching task as a batch side effect.
type taskRemoval struct {
	namespace string
	taskQueue string
	taskID    string
}

// decisions accumulates one batch: events plus the side effects that
// run only after both persistences commit.
type decisions struct {
	events       []*types.HistoryEvent
	tasks        []*types.Task
	timers       []timerInsert
	cancelTimers []string
	removeTasks  []taskRemoval
	callbacks    []*callback.Payload
	streamEvents []*stream.Event
	closed       bool
}

// updateExecution runs one decision batch with bounded optimistic
// retry: load state, let apply derive events and side effects, append
// history at the expected version, write state at the expected
// db_version, then fire side effects. A version conflict on either
// store discards the batch and re-derives from a fresh read.
func (e *Engine) updateExecution(ctx context.Context, key types.ExecutionKey, signal string, apply func(ctx context.Context, ms *state.MutableState, d *decisions) error) error {
	started := time.Now()
	defer func() {
		observability.DecisionBatchDuration.Observe(time.Since(started).Seconds())
	}()

	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < e.cfg.UpdateRetries; attempt++ {
		ms, err := e.state.Get(ctx, key)
		if err != nil {
			return err
		}
		expectedDBVersion := ms.DBVersion
		firstNewEventID := ms.NextEventID
		ms.DetContext.Rewind()

		d := &decisions{}
		if err := apply(ctx, ms, d); err != nil {
			if errors.Is(err, errSkipDecision) {
				observability.DecisionBatches.WithLabelValues(signal, "skipped").Inc()
				return nil
			}
			return err
		}

		for _, ev := range d.events {
			ev.Version = expectedDBVersion + 1
		}

		if len(d.events) > 0 {
			err = e.history.AppendEvents(ctx, key, d.events, firstNewEventID-1)
			if errors.Is(err, types.ErrVersionMismatch) {
				observability.DecisionBatches.WithLabelValues(signal, "conflict").Inc()
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			if err != nil {
				return fmt.Errorf("append events: %w", err)
			}
		}

		err = e.state.Update(ctx, key, ms, expectedDBVersion)
		if errors.Is(err, types.ErrOptimisticLock) {
			observability.DecisionBatches.WithLabelValues(signal, "conflict").Inc()
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if err != nil {
			return fmt.Errorf("update mutable state: %w", err)
		}

		observability.DecisionBatches.WithLabelValues(signal, "ok").Inc()
		e.applySideEffects(ctx, key, ms, d)
		return nil
	}
	return fmt.Errorf("%w: decision batch for %s gave up after %d attempts", types.ErrOptimisticLock, key, e.cfg.UpdateRetries)
}

// applySideEffects runs after the batch committed. Failures here never
// unwind the batch: matching inserts are idempotent by task id, timers
// by timer id, and callbacks are retried by the notifier.
func (e *Engine) applySideEffects(ctx context.Context, key types.ExecutionKey, ms *state.MutableState, d *decisions) {
	for _, t := range d.tasks {
		if err := e.matching.Enqueue(ctx, t); err != nil {
			e.logger.Error("enqueue task failed",
				zap.String("task_id", t.TaskID),
				zap.String("execution", key.String()),
				zap.Error(err))
		}
	}
	for _, ti := range d.timers {
		err := e.timers.CreateTimer(ctx, key, ti.timerID, ti.fireTime, key.ShardID(e.cfg.ShardCount))
		if err != nil && !errors.Is(err, types.ErrAlreadyExists) {
			e.logger.Error("create timer failed",
				zap.String("timer_id", ti.timerID),
				zap.String("execution", key.String()),
				zap.Error(err))
		}
	}
	for _, timerID := range d.cancelTimers {
		if err := e.timers.CancelTimer(ctx, key, timerID); err != nil && !errors.Is(err, types.ErrNotFound) {
			e.logger.Warn("cancel timer failed",
				zap.String("timer_id", timerID), zap.Error(err))
		}
	}
	for _, rm := range d.removeTasks {
		if err := e.matching.RemoveTask(ctx, rm.namespace, rm.taskQueue, rm.taskID); err != nil {
			e.logger.Warn("remove task failed", zap.String("task_id", rm.taskID), zap.Error(err))
		}
	}

	if d.closed {
		e.recordClosed(ctx, ms)
	}

	if e.notifier != nil && ms.ExecutionInfo.CallbackURL != "" {
		for _, p := range d.callbacks {
			e.notifier.NotifyAsync(p)
		}
	}
	if e.hub != nil {
		for _, ev := range d.streamEvents {
			e.hub.Publish(ev)
		}
	}
}

func (e *Engine) recordClosed(ctx context.Context, ms *state.MutableState) {
	now := time.Now().UTC()
	rec := &types.VisibilityRecord{
		NamespaceID:   ms.ExecutionInfo.NamespaceID,
		WorkflowID:    ms.ExecutionInfo.WorkflowID,
		RunID:         ms.ExecutionInfo.RunID,
		WorkflowType:  ms.ExecutionInfo.WorkflowType,
		StartTime:     ms.StartTime,
		CloseTime:     &now,
		Status:        ms.Status,
		HistoryLength: ms.NextEventID - 1,
	}
	// Visibility is a secondary index; a failed upsert is logged, not
	// propagated.
	if err := e.visibility.RecordClosed(ctx, rec); err != nil {
		e.logger.Error("record closed visibility failed",
			zap.String("execution", ms.Key().String()), zap.Error(err))
	}
}

// callbackPayload builds the control-plane notification for this run.
func (e *Engine) callbackPayload(ms *state.MutableState, event string, data json.RawMessage) *callback.Payload {
	return &callback.Payload{
		Event:       event,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		WorkspaceID: ms.ExecutionInfo.NamespaceID,
		WorkflowID:  ms.ExecutionInfo.WorkflowID,
		ExecutionID: ms.ExecutionInfo.WorkflowID,
		RunID:       ms.ExecutionInfo.RunID,
		Data:        data,
	}
}

func (e *Engine) streamEvent(ms *state.MutableState, event string, data json.RawMessage) *stream.Event {
	return &stream.Event{
		Event:       event,
		NamespaceID: ms.ExecutionInfo.NamespaceID,
		WorkflowID:  ms.ExecutionInfo.WorkflowID,
		RunID:       ms.ExecutionInfo.RunID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// definition decodes the DAG pinned to this run at start.
func (e *Engine) definition(ms *state.MutableState) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := e.codec.Decode(ms.Definition, &def); err != nil {
		return nil, fmt.Errorf("decode workflow definition for %s: %w", ms.Key(), err)
	}
	return &def, nil
}
