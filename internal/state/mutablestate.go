// Package state holds the per-execution mutable state snapshot and its
// optimistically versioned stores.
package state

import (
	"encoding/json"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// ExecutionInfo carries the immutable facts of a run.
type ExecutionInfo struct {
	NamespaceID      string        `json:"namespace_id"`
	WorkflowID       string        `json:"workflow_id"`
	RunID            string        `json:"run_id"`
	WorkflowType     string        `json:"workflow_type"`
	TaskQueue        string        `json:"task_queue"`
	CallbackURL      string        `json:"callback_url,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty"`
	IdempotencyKey   string        `json:"idempotency_key,omitempty"`
}

// ActivityInfo tracks one outstanding node dispatch, keyed by its
// ActivityScheduled event id.
type ActivityInfo struct {
	ScheduledEventID int64           `json:"scheduled_event_id"`
	NodeID           string          `json:"node_id"`
	NodeType         string          `json:"node_type"`
	TaskQueue        string          `json:"task_queue"`
	Input            json.RawMessage `json:"input,omitempty"`
	Priority         int32           `json:"priority"`
	Attempts         int32           `json:"attempts"`
	MaxAttempts      int32           `json:"max_attempts"`
	Timeout          time.Duration   `json:"timeout,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
}

// TimerInfo tracks one outstanding durable timer.
type TimerInfo struct {
	TimerID        string    `json:"timer_id"`
	StartedEventID int64     `json:"started_event_id"`
	NodeID         string    `json:"node_id"`
	FireTime       time.Time `json:"fire_time"`
}

// WaitInfo tracks one node paused on an external signal, keyed by the
// signal name it resumes on.
type WaitInfo struct {
	NodeID         string     `json:"node_id"`
	SignalName     string     `json:"signal_name"`
	StartedEventID int64      `json:"started_event_id"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// NodeResult is the materialized output of a completed node, used for
// fan-out evaluation and downstream input assembly.
type NodeResult struct {
	NodeID      string          `json:"node_id"`
	Output      json.RawMessage `json:"output,omitempty"`
	EventID     int64           `json:"event_id"`
	CompletedAt time.Time       `json:"completed_at"`
}

// DeterministicContext is captured on first execution and replayed
// verbatim so re-running the decision pipeline is deterministic.
type DeterministicContext struct {
	Seed          int64       `json:"seed"`
	CapturedTimes []time.Time `json:"captured_times,omitempty"`

	cursor int
}

// Now returns the next captured time, recording time.Now() the first
// time a given position is reached.
func (d *DeterministicContext) Now() time.Time {
	if d.cursor < len(d.CapturedTimes) {
		t := d.CapturedTimes[d.cursor]
		d.cursor++
		return t
	}
	t := time.Now().UTC()
	d.CapturedTimes = append(d.CapturedTimes, t)
	d.cursor++
	return t
}

// Rewind resets the replay cursor before re-deriving a decision batch.
func (d *DeterministicContext) Rewind() { d.cursor = 0 }

// MutableState is the current snapshot of a run. It is the single
// serialization point for per-run concurrency: writes only succeed at
// db_version == expected.
type MutableState struct {
	ExecutionInfo *ExecutionInfo `json:"execution_info"`

	NextEventID int64                `json:"next_event_id"`
	DBVersion   int64                `json:"db_version"`
	Status      types.WorkflowStatus `json:"status"`

	PendingActivities map[int64]*ActivityInfo `json:"pending_activities"`
	PendingTimers     map[string]*TimerInfo   `json:"pending_timers"`
	PendingWaits      map[string]*WaitInfo    `json:"pending_waits,omitempty"`
	CompletedNodes    map[string]*NodeResult  `json:"completed_nodes"`
	BufferedEvents    []*types.HistoryEvent   `json:"buffered_events,omitempty"`
	DetContext        DeterministicContext    `json:"det_context"`

	// Definition is the workflow DAG this run executes, fixed at start.
	Definition json.RawMessage `json:"definition,omitempty"`

	CurrentInput json.RawMessage `json:"current_input,omitempty"`
	StartTime    time.Time       `json:"execution_start_time"`
	FailedNodeID string          `json:"failed_node_id,omitempty"`
}

// NewMutableState returns the initial snapshot for a fresh run:
// event 1 is WorkflowStarted, so the next id is 2.
func NewMutableState(info *ExecutionInfo) *MutableState {
	return &MutableState{
		ExecutionInfo:     info,
		NextEventID:       2,
		DBVersion:         0,
		Status:            types.StatusRunning,
		PendingActivities: make(map[int64]*ActivityInfo),
		PendingTimers:     make(map[string]*TimerInfo),
		PendingWaits:      make(map[string]*WaitInfo),
		CompletedNodes:    make(map[string]*NodeResult),
	}
}

// Normalize replaces nil collections with empty containers so callers
// never nil-check. The store calls this on every read.
func (m *MutableState) Normalize() {
	if m.PendingActivities == nil {
		m.PendingActivities = make(map[int64]*ActivityInfo)
	}
	if m.PendingTimers == nil {
		m.PendingTimers = make(map[string]*TimerInfo)
	}
	if m.PendingWaits == nil {
		m.PendingWaits = make(map[string]*WaitInfo)
	}
	if m.CompletedNodes == nil {
		m.CompletedNodes = make(map[string]*NodeResult)
	}
}

// Key returns the execution identity of this state.
func (m *MutableState) Key() types.ExecutionKey {
	return types.ExecutionKey{
		NamespaceID: m.ExecutionInfo.NamespaceID,
		WorkflowID:  m.ExecutionInfo.WorkflowID,
		RunID:       m.ExecutionInfo.RunID,
	}
}

// NextID hands out the next contiguous event id.
func (m *MutableState) NextID() int64 {
	id := m.NextEventID
	m.NextEventID++
	return id
}
