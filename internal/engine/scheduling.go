package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkflow/engine/internal/state"
	"github.com/linkflow/engine/internal/types"
)

// Timer id prefixes distinguishing what a fired timer advances.
const (
	timerPrefixDelay       = "delay:"
	timerPrefixWaitTimeout = "waittimeout:"
)

// nodeInput is the payload handed to a worker executor.
type nodeInput struct {
	Config    json.RawMessage            `json:"config,omitempty"`
	Input     json.RawMessage            `json:"input,omitempty"`
	Upstream  map[string]json.RawMessage `json:"upstream,omitempty"`
	Variables map[string]string          `json:"variables,omitempty"`
}

// scheduleNode dispatches one ready node: activities go to Matching,
// delay nodes become durable timers, wait nodes pause the run until
// their signal arrives.
func (e *Engine) scheduleNode(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, node *Node, visibleAt time.Time) error {
	switch node.Type {
	case NodeTypeDelay:
		return e.scheduleDelay(ms, d, node)
	case NodeTypeWait:
		return e.scheduleWait(ctx, ms, d, def, node)
	default:
		return e.scheduleActivity(ctx, ms, d, def, node, 1, visibleAt)
	}
}

func (e *Engine) scheduleDelay(ms *state.MutableState, d *decisions, node *Node) error {
	timerID := timerPrefixDelay + node.ID
	fireTime := ms.DetContext.Now().Add(node.DelayDuration)

	eventID := ms.NextID()
	ev, err := newEvent(e.codec, eventID, types.EventTypeTimerStarted, ms.DetContext.Now(),
		&TimerStartedAttributes{TimerID: timerID, NodeID: node.ID, FireTime: fireTime})
	if err != nil {
		return err
	}
	d.events = append(d.events, ev)

	ms.PendingTimers[timerID] = &state.TimerInfo{
		TimerID:        timerID,
		StartedEventID: eventID,
		NodeID:         node.ID,
		FireTime:       fireTime,
	}
	d.timers = append(d.timers, timerInsert{timerID: timerID, fireTime: fireTime})
	return nil
}

func (e *Engine) scheduleWait(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, node *Node) error {
	if node.SignalName == "" {
		return fmt.Errorf("%w: wait node %q has no signal_name", types.ErrInvalidWorkflow, node.ID)
	}

	// A signal that arrived before the node became ready was buffered;
	// consume it instead of pausing.
	for i, buffered := range ms.BufferedEvents {
		if buffered.EventType != types.EventTypeSignalReceived {
			continue
		}
		var attrs SignalReceivedAttributes
		if err := e.codec.Decode(buffered.Payload, &attrs); err != nil {
			continue
		}
		if attrs.SignalName != node.SignalName {
			continue
		}
		ms.BufferedEvents = append(ms.BufferedEvents[:i], ms.BufferedEvents[i+1:]...)
		return e.completeNode(ctx, ms, d, def, node.ID, attrs.Data, buffered.EventID)
	}

	eventID := ms.NextID()
	ev, err := newEvent(e.codec, eventID, types.EventTypeActivityScheduled, ms.DetContext.Now(),
		&ActivityScheduledAttributes{NodeID: node.ID, NodeType: NodeTypeWait})
	if err != nil {
		return err
	}
	d.events = append(d.events, ev)

	wait := &state.WaitInfo{
		NodeID:         node.ID,
		SignalName:     node.SignalName,
		StartedEventID: eventID,
	}
	if node.WaitTimeout > 0 {
		deadline := ms.DetContext.Now().Add(node.WaitTimeout)
		wait.Deadline = &deadline
		timerID := timerPrefixWaitTimeout + node.ID
		ms.PendingTimers[timerID] = &state.TimerInfo{
			TimerID:        timerID,
			StartedEventID: eventID,
			NodeID:         node.ID,
			FireTime:       deadline,
		}
		d.timers = append(d.timers, timerInsert{timerID: timerID, fireTime: deadline})
	}
	ms.PendingWaits[node.SignalName] = wait
	ms.Status = types.StatusWaiting
	return nil
}

func (e *Engine) scheduleActivity(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, node *Node, attempt int32, visibleAt time.Time) error {
	input, err := e.buildNodeInput(ctx, ms, def, node)
	if err != nil {
		return err
	}

	maxAttempts := node.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTaskTimeout
	}
	taskQueue := ms.ExecutionInfo.TaskQueue
	if taskQueue == "" {
		taskQueue = e.cfg.DefaultTaskQueue
	}

	now := ms.DetContext.Now()
	eventID := ms.NextID()
	ev, err := newEvent(e.codec, eventID, types.EventTypeActivityScheduled, now,
		&ActivityScheduledAttributes{
			NodeID:      node.ID,
			NodeType:    node.Type,
			TaskQueue:   taskQueue,
			Input:       input,
			Priority:    node.Priority,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			VisibleAt:   visibleAt,
		})
	if err != nil {
		return err
	}
	d.events = append(d.events, ev)

	ms.PendingActivities[eventID] = &state.ActivityInfo{
		ScheduledEventID: eventID,
		NodeID:           node.ID,
		NodeType:         node.Type,
		TaskQueue:        taskQueue,
		Input:            input,
		Priority:         node.Priority,
		Attempts:         attempt - 1,
		MaxAttempts:      maxAttempts,
		Timeout:          timeout,
		ScheduledAt:      now,
	}

	key := ms.Key()
	d.tasks = append(d.tasks, &types.Task{
		TaskID:           types.DeterministicTaskID(key, types.TaskTypeActivity, eventID),
		Namespace:        key.NamespaceID,
		TaskQueue:        taskQueue,
		Execution:        key,
		NodeID:           node.ID,
		NodeType:         node.Type,
		TaskType:         types.TaskTypeActivity,
		Priority:         node.Priority,
		Payload:          input,
		ScheduledEventID: eventID,
		ScheduledAt:      now,
		VisibleAt:        visibleAt,
		Attempts:         attempt - 1,
		MaxAttempts:      maxAttempts,
		Timeout:          timeout,
	})
	return nil
}

// buildNodeInput assembles the executor payload: interpolated node
// config, the workflow input for root nodes, and upstream outputs for
// everything downstream.
func (e *Engine) buildNodeInput(ctx context.Context, ms *state.MutableState, def *WorkflowDefinition, node *Node) (json.RawMessage, error) {
	in := nodeInput{}

	if len(node.Config) > 0 {
		interpolated, err := e.resolver.Interpolate(ctx, ms.ExecutionInfo.NamespaceID, string(node.Config))
		if err != nil {
			return nil, fmt.Errorf("interpolate config for node %q: %w", node.ID, err)
		}
		in.Config = json.RawMessage(interpolated)
	}

	// Error edges count here so a handler node sees the failed node's
	// error payload; join readiness still only tracks success edges.
	var preds []string
	for _, edge := range def.Edges {
		if edge.To == node.ID {
			preds = append(preds, edge.From)
		}
	}
	if len(preds) == 0 {
		in.Input = ms.CurrentInput
	} else {
		in.Upstream = make(map[string]json.RawMessage, len(preds))
		for _, pred := range preds {
			if result, ok := ms.CompletedNodes[pred]; ok {
				in.Upstream[pred] = result.Output
			}
		}
	}

	if e.cfg.SendSensitiveContext {
		vars, err := e.resolver.ResolveAll(ctx, ms.ExecutionInfo.NamespaceID)
		if err != nil {
			return nil, err
		}
		in.Variables = vars
	}
	return json.Marshal(in)
}

// completeNode materializes a node result and fans out to ready
// successors.
func (e *Engine) completeNode(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, nodeID string, output json.RawMessage, eventID int64) error {
	ms.CompletedNodes[nodeID] = &state.NodeResult{
		NodeID:      nodeID,
		Output:      output,
		EventID:     eventID,
		CompletedAt: ms.DetContext.Now(),
	}
	return e.fanOut(ctx, ms, d, def, nodeID, output)
}

// fanOut schedules every successor whose edge condition and join
// precondition are satisfied.
func (e *Engine) fanOut(ctx context.Context, ms *state.MutableState, d *decisions, def *WorkflowDefinition, nodeID string, output json.RawMessage) error {
	for _, edge := range def.SuccessEdges(nodeID) {
		if !evaluateCondition(edge.Condition, output) {
			continue
		}
		target := def.Node(edge.To)
		if target == nil {
			continue
		}
		if !e.nodeReady(ms, def, target) {
			continue
		}
		if err := e.scheduleNode(ctx, ms, d, def, target, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// nodeReady reports whether a node can be scheduled now: not already
// completed or in flight, and its join precondition holds.
func (e *Engine) nodeReady(ms *state.MutableState, def *WorkflowDefinition, node *Node) bool {
	if _, done := ms.CompletedNodes[node.ID]; done {
		return false
	}
	for _, ai := range ms.PendingActivities {
		if ai.NodeID == node.ID {
			return false
		}
	}
	for _, ti := range ms.PendingTimers {
		if ti.NodeID == node.ID {
			return false
		}
	}
	for _, wi := range ms.PendingWaits {
		if wi.NodeID == node.ID {
			return false
		}
	}

	preds := def.Predecessors(node.ID)
	if len(preds) == 0 {
		return true
	}
	if node.Join == JoinAny {
		for _, pred := range preds {
			if _, ok := ms.CompletedNodes[pred]; ok {
				return true
			}
		}
		return false
	}
	for _, pred := range preds {
		if _, ok := ms.CompletedNodes[pred]; !ok {
			return false
		}
	}
	return true
}

// checkCompletion closes the run when no pending work remains.
func (e *Engine) checkCompletion(ms *state.MutableState, d *decisions) error {
	if ms.Status.Terminal() {
		return nil
	}
	if len(ms.PendingActivities) > 0 || len(ms.PendingTimers) > 0 || len(ms.PendingWaits) > 0 {
		return nil
	}

	output, err := json.Marshal(e.leafOutputs(ms))
	if err != nil {
		return err
	}
	eventID := ms.NextID()
	ev, err := newEvent(e.codec, eventID, types.EventTypeWorkflowCompleted, ms.DetContext.Now(),
		&WorkflowCompletedAttributes{Output: output})
	if err != nil {
		return err
	}
	d.events = append(d.events, ev)
	ms.Status = types.StatusCompleted
	d.closed = true
	d.callbacks = append(d.callbacks, e.callbackPayload(ms, "execution.completed", output))
	d.streamEvents = append(d.streamEvents, e.streamEvent(ms, "execution.completed", output))
	return nil
}

// leafOutputs collects the results of completed nodes with no outgoing
// success edges; they form the workflow output.
func (e *Engine) leafOutputs(ms *state.MutableState) map[string]json.RawMessage {
	def, err := e.definition(ms)
	if err != nil {
		return nil
	}
	out := make(map[string]json.RawMessage)
	for nodeID, result := range ms.CompletedNodes {
		if len(def.SuccessEdges(nodeID)) == 0 {
			out[nodeID] = result.Output
		}
	}
	return out
}

// closeRun transitions to a terminal status and tears down pending
// work: timers are canceled, queued tasks removed. In-flight tasks keep
// their lease; their eventual report is ignored by the terminal check.
func (e *Engine) closeRun(ms *state.MutableState, d *decisions, status types.WorkflowStatus) {
	ms.Status = status
	d.closed = true

	key := ms.Key()
	for timerID := range ms.PendingTimers {
		d.cancelTimers = append(d.cancelTimers, timerID)
	}
	for eventID, ai := range ms.PendingActivities {
		d.removeTasks = append(d.removeTasks, taskRemoval{
			namespace: key.NamespaceID,
			taskQueue: ai.TaskQueue,
			taskID:    types.DeterministicTaskID(key, types.TaskTypeActivity, eventID),
		})
	}
}
