package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/matching"
	"github.com/linkflow/engine/internal/state"
	"github.com/linkflow/engine/internal/types"
)

// StartRequest asks the engine to create a run.
type StartRequest struct {
	NamespaceID      string              `json:"namespace_id"`
	WorkflowID       string              `json:"workflow_id"`
	WorkflowType     string              `json:"workflow_type"`
	Definition       *WorkflowDefinition `json:"definition"`
	Input            json.RawMessage     `json:"input,omitempty"`
	CallbackURL      string              `json:"callback_url,omitempty"`
	IdempotencyKey   string              `json:"idempotency_key,omitempty"`
	TaskQueue        string              `json:"task_queue,omitempty"`
	ExecutionTimeout time.Duration       `json:"execution_timeout,omitempty"`
	Memo             map[string]string   `json:"memo,omitempty"`
}

// StartResponse reports the run that serves this start request.
// Started is false when an earlier request already created it.
type StartResponse struct {
	RunID   string `json:"run_id"`
	Started bool   `json:"started"`
}

// StartWorkflow creates a run, appends WorkflowStarted, schedules the
// root nodes, and records visibility. Idempotent on
// (namespace, workflow_id, idempotency_key).
func (e *Engine) StartWorkflow(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if req.NamespaceID == "" || req.WorkflowID == "" {
		return nil, fmt.Errorf("namespace_id and workflow_id are required")
	}
	if req.Definition == nil {
		return nil, fmt.Errorf("%w: missing definition", types.ErrInvalidWorkflow)
	}
	if err := req.Definition.Validate(); err != nil {
		return nil, err
	}

	fingerprint := req.NamespaceID + ":" + req.WorkflowID + ":" + req.IdempotencyKey
	runID, started, err := e.guard.Execute(ctx, fingerprint, func(ctx context.Context) (string, error) {
		return e.startRun(ctx, req, uuid.NewString(), "")
	})
	if err != nil {
		return nil, err
	}
	return &StartResponse{RunID: runID, Started: started}, nil
}

// startRun performs the non-idempotent part of a start. Exactly one
// caller per fingerprint reaches it through the StartGuard.
func (e *Engine) startRun(ctx context.Context, req *StartRequest, runID, previousRunID string) (string, error) {
	now := time.Now().UTC()
	info := &state.ExecutionInfo{
		NamespaceID:      req.NamespaceID,
		WorkflowID:       req.WorkflowID,
		RunID:            runID,
		WorkflowType:     req.WorkflowType,
		TaskQueue:        req.TaskQueue,
		CallbackURL:      req.CallbackURL,
		ExecutionTimeout: req.ExecutionTimeout,
		IdempotencyKey:   req.IdempotencyKey,
	}
	ms := state.NewMutableState(info)
	ms.StartTime = now
	ms.CurrentInput = req.Input
	ms.DetContext.Seed = now.UnixNano()

	defBlob, err := e.codec.Encode(req.Definition)
	if err != nil {
		return "", fmt.Errorf("encode definition: %w", err)
	}
	ms.Definition = defBlob

	d := &decisions{}
	startedEvent, err := newEvent(e.codec, 1, types.EventTypeWorkflowStarted, now,
		&WorkflowStartedAttributes{
			WorkflowType:   req.WorkflowType,
			Definition:     req.Definition,
			Input:          req.Input,
			CallbackURL:    req.CallbackURL,
			IdempotencyKey: req.IdempotencyKey,
			Seed:           ms.DetContext.Seed,
			PreviousRunID:  previousRunID,
		})
	if err != nil {
		return "", err
	}
	d.events = append(d.events, startedEvent)

	for _, root := range req.Definition.RootNodes() {
		if err := e.scheduleNode(ctx, ms, d, req.Definition, root, time.Time{}); err != nil {
			return "", err
		}
	}

	// The start batch writes db_version 1.
	for _, ev := range d.events {
		ev.Version = 1
	}

	key := ms.Key()
	if err := e.history.AppendEvents(ctx, key, d.events, 0); err != nil {
		return "", fmt.Errorf("append start events: %w", err)
	}
	if err := e.state.Update(ctx, key, ms, 0); err != nil {
		return "", fmt.Errorf("write initial state: %w", err)
	}

	if err := e.visibility.RecordStarted(ctx, &types.VisibilityRecord{
		NamespaceID:  req.NamespaceID,
		WorkflowID:   req.WorkflowID,
		RunID:        runID,
		WorkflowType: req.WorkflowType,
		StartTime:    now,
		Status:       ms.Status,
		Memo:         req.Memo,
	}); err != nil {
		e.logger.Error("record started visibility failed",
			zap.String("execution", key.String()), zap.Error(err))
	}

	d.callbacks = append(d.callbacks, e.callbackPayload(ms, callbackEventStarted, nil))
	d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventStarted, nil))
	e.applySideEffects(ctx, key, ms, d)

	e.logger.Info("workflow started",
		zap.String("execution", key.String()),
		zap.String("workflow_type", req.WorkflowType),
		zap.Int("root_nodes", len(req.Definition.RootNodes())))
	return runID, nil
}

const (
	callbackEventStarted  = "execution.started"
	callbackEventFailed   = "execution.failed"
	callbackEventCanceled = "execution.canceled"
	callbackEventTimedOut = "execution.timed_out"
	callbackEventNodeDone = "node.completed"
	callbackEventNodeFail = "node.failed"
)

// RespondActivityCompleted ingests a successful worker report.
func (e *Engine) RespondActivityCompleted(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, output json.RawMessage, workerID string) error {
	return e.updateExecution(ctx, key, "activity_completed", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ai, ok := ms.PendingActivities[scheduledEventID]
		if !ok {
			// Duplicate or stale report; already applied.
			return errSkipDecision
		}
		delete(ms.PendingActivities, scheduledEventID)

		def, err := e.definition(ms)
		if err != nil {
			return err
		}

		startedEv, err := newEvent(e.codec, ms.NextID(), types.EventTypeActivityStarted, ms.DetContext.Now(),
			&ActivityStartedAttributes{ScheduledEventID: scheduledEventID, Attempt: ai.Attempts + 1, WorkerID: workerID})
		if err != nil {
			return err
		}
		completedID := ms.NextID()
		completedEv, err := newEvent(e.codec, completedID, types.EventTypeActivityCompleted, ms.DetContext.Now(),
			&ActivityCompletedAttributes{ScheduledEventID: scheduledEventID, NodeID: ai.NodeID, Output: output})
		if err != nil {
			return err
		}
		d.events = append(d.events, startedEv, completedEv)

		if err := e.completeNode(ctx, ms, d, def, ai.NodeID, output, completedID); err != nil {
			return err
		}
		d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventNodeDone, output))
		return e.checkCompletion(ms, d)
	})
}

// RespondActivityFailed ingests a failed worker report. Retryable
// failures below max_attempts re-schedule the node with backoff; the
// rest follow an error edge or fail the run.
func (e *Engine) RespondActivityFailed(ctx context.Context, key types.ExecutionKey, scheduledEventID int64, kind types.ErrorKind, message, workerID string) error {
	return e.updateExecution(ctx, key, "activity_failed", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ai, ok := ms.PendingActivities[scheduledEventID]
		if !ok {
			return errSkipDecision
		}
		delete(ms.PendingActivities, scheduledEventID)

		def, err := e.definition(ms)
		if err != nil {
			return err
		}
		failedAttempt := ai.Attempts + 1

		startedEv, err := newEvent(e.codec, ms.NextID(), types.EventTypeActivityStarted, ms.DetContext.Now(),
			&ActivityStartedAttributes{ScheduledEventID: scheduledEventID, Attempt: failedAttempt, WorkerID: workerID})
		if err != nil {
			return err
		}
		failedType := types.EventTypeActivityFailed
		if kind == types.ErrorKindTimeout {
			failedType = types.EventTypeActivityTimedOut
		}
		failedEv, err := newEvent(e.codec, ms.NextID(), failedType, ms.DetContext.Now(),
			&ActivityFailedAttributes{
				ScheduledEventID: scheduledEventID,
				NodeID:           ai.NodeID,
				Kind:             kind,
				Message:          message,
				Attempt:          failedAttempt,
			})
		if err != nil {
			return err
		}
		d.events = append(d.events, startedEv, failedEv)

		if kind.Retryable() && failedAttempt < ai.MaxAttempts {
			node := def.Node(ai.NodeID)
			if node == nil {
				return fmt.Errorf("%w: node %q vanished from definition", types.ErrInvalidWorkflow, ai.NodeID)
			}
			visibleAt := ms.DetContext.Now().Add(matching.Backoff(failedAttempt))
			return e.scheduleActivity(ctx, ms, d, def, node, failedAttempt+1, visibleAt)
		}

		return e.failNode(ctx, ms, d, def, ai.NodeID, kind, message)
	})
}

// failNode handles a permanent node failure: follow error edges when
// the workflow declares them, otherwise fail the run.
func (e *Engine) failNode(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, nodeID string, kind types.ErrorKind, message string) error {
	errorOutput, err := json.Marshal(map[string]string{"error": message, "kind": string(kind)})
	if err != nil {
		return err
	}
	d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventNodeFail, errorOutput))

	if edges := def.ErrorEdges(nodeID); len(edges) > 0 {
		ms.CompletedNodes[nodeID] = &state.NodeResult{
			NodeID:      nodeID,
			Output:      errorOutput,
			CompletedAt: ms.DetContext.Now(),
		}
		for _, edge := range edges {
			target := def.Node(edge.To)
			if target == nil || !e.nodeReady(ms, def, target) {
				continue
			}
			if err := e.scheduleNode(ctx, ms, d, def, target, time.Time{}); err != nil {
				return err
			}
		}
		return e.checkCompletion(ms, d)
	}

	ev, err := newEvent(e.codec, ms.NextID(), types.EventTypeWorkflowFailed, ms.DetContext.Now(),
		&WorkflowFailedAttributes{NodeID: nodeID, Kind: kind, Message: message})
	if err != nil {
		return err
	}
	d.events = append(d.events, ev)
	ms.FailedNodeID = nodeID
	e.closeRun(ms, d, types.StatusFailed)
	d.callbacks = append(d.callbacks, e.callbackPayload(ms, callbackEventFailed, errorOutput))
	d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventFailed, errorOutput))
	return nil
}

// OnTaskExhausted ingests a matching lease-sweeper report: the worker
// holding the task's final attempt went silent past its lease, so no
// retry budget remains and the node fails as timed out.
func (e *Engine) OnTaskExhausted(ctx context.Context, task *types.Task) error {
	return e.updateExecution(ctx, task.Execution, "task_exhausted", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ai, ok := ms.PendingActivities[task.ScheduledEventID]
		if !ok {
			return errSkipDecision
		}
		delete(ms.PendingActivities, task.ScheduledEventID)

		def, err := e.definition(ms)
		if err != nil {
			return err
		}
		message := fmt.Sprintf("%s: worker lease expired on final attempt %d", types.ErrAttemptsExhausted, task.Attempts)
		ev, err := newEvent(e.codec, ms.NextID(), types.EventTypeActivityTimedOut, ms.DetContext.Now(),
			&ActivityFailedAttributes{
				ScheduledEventID: task.ScheduledEventID,
				NodeID:           ai.NodeID,
				Kind:             types.ErrorKindTimeout,
				Message:          message,
				Attempt:          task.Attempts,
			})
		if err != nil {
			return err
		}
		d.events = append(d.events, ev)
		return e.failNode(ctx, ms, d, def, ai.NodeID, types.ErrorKindTimeout, message)
	})
}

// OnTimerFired is the timer service FireHandler: it advances the delay
// or wait node blocked on the fired timer.
func (e *Engine) OnTimerFired(ctx context.Context, t *types.Timer) error {
	key := t.ExecutionKey()
	return e.updateExecution(ctx, key, "timer_fired", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ti, ok := ms.PendingTimers[t.TimerID]
		if !ok {
			// Redelivered or canceled; the fired edge already applied.
			return errSkipDecision
		}
		delete(ms.PendingTimers, t.TimerID)

		def, err := e.definition(ms)
		if err != nil {
			return err
		}
		firedID := ms.NextID()
		ev, err := newEvent(e.codec, firedID, types.EventTypeTimerFired, ms.DetContext.Now(),
			&TimerFiredAttributes{TimerID: t.TimerID, NodeID: ti.NodeID})
		if err != nil {
			return err
		}
		d.events = append(d.events, ev)

		switch {
		case strings.HasPrefix(t.TimerID, timerPrefixDelay):
			if err := e.completeNode(ctx, ms, d, def, ti.NodeID, nil, firedID); err != nil {
				return err
			}
		case strings.HasPrefix(t.TimerID, timerPrefixWaitTimeout):
			// The wait node ran out its deadline without a signal.
			for signal, wait := range ms.PendingWaits {
				if wait.NodeID == ti.NodeID {
					delete(ms.PendingWaits, signal)
				}
			}
			if len(ms.PendingWaits) == 0 && ms.Status == types.StatusWaiting {
				ms.Status = types.StatusRunning
			}
			if err := e.failNode(ctx, ms, d, def, ti.NodeID, types.ErrorKindTimeout, "wait deadline exceeded"); err != nil {
				return err
			}
		default:
			e.logger.Warn("fired timer with unknown id shape",
				zap.String("timer_id", t.TimerID), zap.String("execution", key.String()))
		}
		return e.checkCompletion(ms, d)
	})
}

// SendSignal delivers an external signal to the workflow's current run.
// A signal no wait node is blocked on is buffered for later.
func (e *Engine) SendSignal(ctx context.Context, namespaceID, workflowID, signalName string, data json.RawMessage) error {
	key, err := e.resolveRun(ctx, namespaceID, workflowID)
	if err != nil {
		return err
	}
	return e.updateExecution(ctx, key, "signal", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		eventID := ms.NextID()
		ev, err := newEvent(e.codec, eventID, types.EventTypeSignalReceived, ms.DetContext.Now(),
			&SignalReceivedAttributes{SignalName: signalName, Data: data})
		if err != nil {
			return err
		}
		d.events = append(d.events, ev)

		wait, ok := ms.PendingWaits[signalName]
		if !ok {
			ms.BufferedEvents = append(ms.BufferedEvents, ev)
			return nil
		}
		delete(ms.PendingWaits, signalName)
		if wait.Deadline != nil {
			timerID := timerPrefixWaitTimeout + wait.NodeID
			delete(ms.PendingTimers, timerID)
			d.cancelTimers = append(d.cancelTimers, timerID)
		}
		if len(ms.PendingWaits) == 0 && ms.Status == types.StatusWaiting {
			ms.Status = types.StatusRunning
		}

		def, err := e.definition(ms)
		if err != nil {
			return err
		}
		if err := e.completeNode(ctx, ms, d, def, wait.NodeID, data, eventID); err != nil {
			return err
		}
		return e.checkCompletion(ms, d)
	})
}

// CancelExecution terminates the current run of a workflow.
func (e *Engine) CancelExecution(ctx context.Context, namespaceID, workflowID, reason string) error {
	key, err := e.resolveRun(ctx, namespaceID, workflowID)
	if err != nil {
		return err
	}
	return e.updateExecution(ctx, key, "cancel", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ev, err := newEvent(e.codec, ms.NextID(), types.EventTypeWorkflowCanceled, ms.DetContext.Now(),
			&WorkflowCanceledAttributes{Reason: reason})
		if err != nil {
			return err
		}
		d.events = append(d.events, ev)
		e.closeRun(ms, d, types.StatusCanceled)
		d.callbacks = append(d.callbacks, e.callbackPayload(ms, callbackEventCanceled, nil))
		d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventCanceled, nil))
		return nil
	})
}

// RetryExecution starts a fresh run of a closed workflow: a new run_id
// under the same workflow_id, replaying the original definition and
// input.
func (e *Engine) RetryExecution(ctx context.Context, namespaceID, workflowID string) (*StartResponse, error) {
	key, err := e.resolveRun(ctx, namespaceID, workflowID)
	if err != nil {
		return nil, err
	}
	ms, err := e.state.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ms.Status.Open() {
		return nil, fmt.Errorf("%w: run %s is still open", types.ErrAlreadyExists, key.RunID)
	}

	events, err := e.history.GetEvents(ctx, key, 1, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, types.ErrExecutionNotFound
	}
	var attrs WorkflowStartedAttributes
	if err := e.codec.Decode(events[0].Payload, &attrs); err != nil {
		return nil, fmt.Errorf("decode started event: %w", err)
	}

	runID, err := e.startRun(ctx, &StartRequest{
		NamespaceID:      namespaceID,
		WorkflowID:       workflowID,
		WorkflowType:     attrs.WorkflowType,
		Definition:       attrs.Definition,
		Input:            attrs.Input,
		CallbackURL:      attrs.CallbackURL,
		TaskQueue:        ms.ExecutionInfo.TaskQueue,
		ExecutionTimeout: ms.ExecutionInfo.ExecutionTimeout,
	}, uuid.NewString(), key.RunID)
	if err != nil {
		return nil, err
	}
	return &StartResponse{RunID: runID, Started: true}, nil
}

// ContinueAsNew closes the current run with a ContinueAsNew event and
// immediately starts a successor run under the same workflow_id with
// fresh history.
func (e *Engine) ContinueAsNew(ctx context.Context, key types.ExecutionKey, input json.RawMessage) (*StartResponse, error) {
	newRunID := uuid.NewString()
	err := e.updateExecution(ctx, key, "continue_as_new", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
		if ms.Status.Terminal() {
			return errSkipDecision
		}
		ev, err := newEvent(e.codec, ms.NextID(), types.EventTypeContinueAsNew, ms.DetContext.Now(),
			&ContinueAsNewAttributes{NewRunID: newRunID, Input: input})
		if err != nil {
			return err
		}
		d.events = append(d.events, ev)
		e.closeRun(ms, d, types.StatusCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ms, err := e.state.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var def WorkflowDefinition
	if err := e.codec.Decode(ms.Definition, &def); err != nil {
		return nil, err
	}
	runID, err := e.startRun(ctx, &StartRequest{
		NamespaceID:      key.NamespaceID,
		WorkflowID:       key.WorkflowID,
		WorkflowType:     ms.ExecutionInfo.WorkflowType,
		Definition:       &def,
		Input:            input,
		CallbackURL:      ms.ExecutionInfo.CallbackURL,
		TaskQueue:        ms.ExecutionInfo.TaskQueue,
		ExecutionTimeout: ms.ExecutionInfo.ExecutionTimeout,
	}, newRunID, key.RunID)
	if err != nil {
		return nil, err
	}
	return &StartResponse{RunID: runID, Started: true}, nil
}

// ExecutionDetails is the read model returned by GetExecution.
type ExecutionDetails struct {
	ExecutionInfo  *state.ExecutionInfo `json:"execution_info"`
	Status         types.WorkflowStatus `json:"status"`
	StartTime      time.Time            `json:"start_time"`
	HistoryLength  int64                `json:"history_length"`
	CompletedNodes []string             `json:"completed_nodes,omitempty"`
	FailedNodeID   string               `json:"failed_node_id,omitempty"`
}

// GetExecution returns the current run of a workflow.
func (e *Engine) GetExecution(ctx context.Context, namespaceID, workflowID string) (*ExecutionDetails, error) {
	key, err := e.resolveRun(ctx, namespaceID, workflowID)
	if err != nil {
		return nil, err
	}
	ms, err := e.state.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	details := &ExecutionDetails{
		ExecutionInfo: ms.ExecutionInfo,
		Status:        ms.Status,
		StartTime:     ms.StartTime,
		HistoryLength: ms.NextEventID - 1,
		FailedNodeID:  ms.FailedNodeID,
	}
	for nodeID := range ms.CompletedNodes {
		details.CompletedNodes = append(details.CompletedNodes, nodeID)
	}
	return details, nil
}

// GetHistoryPage returns one page of a run's history. The token is the
// first event id of the next page; empty means done.
func (e *Engine) GetHistoryPage(ctx context.Context, key types.ExecutionKey, pageSize int, pageToken string) ([]*types.HistoryEvent, string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	first := int64(1)
	if pageToken != "" {
		parsed, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil || parsed < 1 {
			return nil, "", fmt.Errorf("malformed page token %q", pageToken)
		}
		first = parsed
	}

	events, err := e.history.GetEvents(ctx, key, first, first+int64(pageSize)-1)
	if err != nil {
		return nil, "", err
	}
	nextToken := ""
	if len(events) == pageSize {
		latest, err := e.history.GetLatestEventID(ctx, key)
		if err == nil && latest >= first+int64(pageSize) {
			nextToken = strconv.FormatInt(first+int64(pageSize), 10)
		}
	}
	return events, nextToken, nil
}

// Recover rebuilds volatile dispatch state after a restart. Durable
// timers need no help; their scan loop reads from the store.
func (e *Engine) Recover(ctx context.Context) error {
	return e.matching.Recover(ctx)
}

// resolveRun maps (namespace, workflow_id) to the workflow's current
// run via the visibility index.
func (e *Engine) resolveRun(ctx context.Context, namespaceID, workflowID string) (types.ExecutionKey, error) {
	rec, err := e.visibility.GetCurrentRun(ctx, namespaceID, workflowID)
	if err != nil {
		return types.ExecutionKey{}, err
	}
	return types.ExecutionKey{
		NamespaceID: namespaceID,
		WorkflowID:  workflowID,
		RunID:       rec.RunID,
	}, nil
}

// timeoutSweeper closes runs that exceeded their execution timeout.
func (e *Engine) timeoutSweeper() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TimeoutSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepTimeouts()
		}
	}
}

func (e *Engine) sweepTimeouts() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TimeoutSweepEvery)
	defer cancel()

	keys, err := e.state.ListRunning(ctx)
	if err != nil {
		e.logger.Warn("timeout sweep: list running failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()

	for _, key := range keys {
		ms, err := e.state.Get(ctx, key)
		if err != nil {
			continue
		}
		timeout := ms.ExecutionInfo.ExecutionTimeout
		if timeout <= 0 {
			timeout = e.cfg.DefaultExecTimeout
		}
		if timeout <= 0 || now.Before(ms.StartTime.Add(timeout)) {
			continue
		}

		err = e.updateExecution(ctx, key, "execution_timeout", func(ctx context.Context, ms *state.MutableState, d *decisions) error {
			if ms.Status.Terminal() {
				return errSkipDecision
			}
			ev, err := newEvent(e.codec, ms.NextID(), types.EventTypeWorkflowTimedOut, ms.DetContext.Now(),
				&WorkflowTimedOutAttributes{Timeout: timeout})
			if err != nil {
				return err
			}
			d.events = append(d.events, ev)
			e.closeRun(ms, d, types.StatusTimedOut)
			d.callbacks = append(d.callbacks, e.callbackPayload(ms, callbackEventTimedOut, nil))
			d.streamEvents = append(d.streamEvents, e.streamEvent(ms, callbackEventTimedOut, nil))
			return nil
		})
		if err != nil {
			e.logger.Warn("timeout sweep failed for execution",
				zap.String("execution", key.String()), zap.Error(err))
		} else {
			e.logger.Info("execution timed out",
				zap.String("execution", key.String()),
				zap.Duration("timeout", timeout))
		}
	}
}
