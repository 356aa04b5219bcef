package types

import (
	"fmt"
	"hash/fnv"
	"time"
)

// ExecutionKey is the immutable identity of a single workflow run.
// WorkflowID is caller-chosen and doubles as the start idempotency key
// within a namespace; RunID is engine-assigned and globally unique.
type ExecutionKey struct {
	NamespaceID string `json:"namespace_id"`
	WorkflowID  string `json:"workflow_id"`
	RunID       string `json:"run_id"`
}

func (k ExecutionKey) String() string {
	return k.NamespaceID + "/" + k.WorkflowID + "/" + k.RunID
}

// ShardID derives the owning shard for this execution.
// shard_id = hash(namespace_id + "/" + workflow_id) mod N. RunID is
// excluded on purpose: all runs of a workflow land on the same shard.
func (k ExecutionKey) ShardID(shardCount int32) int32 {
	h := fnv.New32a()
	h.Write([]byte(k.NamespaceID))
	h.Write([]byte{'/'})
	h.Write([]byte(k.WorkflowID))
	return int32(h.Sum32() % uint32(shardCount))
}

// EventType identifies the kind of a history event.
type EventType string

const (
	EventTypeWorkflowStarted   EventType = "WorkflowStarted"
	EventTypeWorkflowCompleted EventType = "WorkflowCompleted"
	EventTypeWorkflowFailed    EventType = "WorkflowFailed"
	EventTypeWorkflowCanceled  EventType = "WorkflowCanceled"
	EventTypeWorkflowTimedOut  EventType = "WorkflowTimedOut"
	EventTypeActivityScheduled EventType = "ActivityScheduled"
	EventTypeActivityStarted   EventType = "ActivityStarted"
	EventTypeActivityCompleted EventType = "ActivityCompleted"
	EventTypeActivityFailed    EventType = "ActivityFailed"
	EventTypeActivityTimedOut  EventType = "ActivityTimedOut"
	EventTypeTimerStarted      EventType = "TimerStarted"
	EventTypeTimerFired        EventType = "TimerFired"
	EventTypeTimerCanceled     EventType = "TimerCanceled"
	EventTypeSignalReceived    EventType = "SignalReceived"
	EventTypeContinueAsNew     EventType = "ContinueAsNew"
)

// Terminal reports whether the event closes the run.
func (t EventType) Terminal() bool {
	switch t {
	case EventTypeWorkflowCompleted, EventTypeWorkflowFailed,
		EventTypeWorkflowCanceled, EventTypeWorkflowTimedOut,
		EventTypeContinueAsNew:
		return true
	}
	return false
}

// HistoryEvent is one entry of a run's append-only history. Payload is an
// opaque blob produced by the configured codec; EventID and EventType are
// readable without deserializing it.
type HistoryEvent struct {
	EventID   int64     `json:"event_id"`
	EventType EventType `json:"event_type"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}

// WorkflowStatus is the lifecycle state of a run. Terminal statuses are
// absorbing.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "Pending"
	StatusRunning   WorkflowStatus = "Running"
	StatusWaiting   WorkflowStatus = "Waiting" // sub-state of Running, blocked on a signal
	StatusCompleted WorkflowStatus = "Completed"
	StatusFailed    WorkflowStatus = "Failed"
	StatusCanceled  WorkflowStatus = "Canceled"
	StatusTimedOut  WorkflowStatus = "TimedOut"
)

func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimedOut:
		return true
	}
	return false
}

// Open reports whether the run still makes progress. Waiting counts as
// open.
func (s WorkflowStatus) Open() bool { return !s.Terminal() }

// ErrorKind classifies a node execution failure for retry policy.
type ErrorKind string

const (
	ErrorKindRetryable    ErrorKind = "Retryable"
	ErrorKindNonRetryable ErrorKind = "NonRetryable"
	ErrorKindTimeout      ErrorKind = "Timeout"
	ErrorKindCircuitOpen  ErrorKind = "CircuitOpen"
)

// Retryable reports whether Matching should redeliver the task.
// Timeouts and open circuits count as retryable until attempts run out.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindRetryable || k == ErrorKindTimeout || k == ErrorKindCircuitOpen
}

// TaskType identifies what a matching task asks a worker to do.
type TaskType string

const (
	TaskTypeActivity TaskType = "activity"
	TaskTypeWorkflow TaskType = "workflow"
)

// Task priorities. Intermediate values are permitted; higher wins.
const (
	PriorityLow    int32 = 0
	PriorityNormal int32 = 5
	PriorityHigh   int32 = 10
)

// Task is a unit of dispatch flowing through the Matching service.
type Task struct {
	TaskID           string       `json:"task_id"`
	Namespace        string       `json:"namespace"`
	TaskQueue        string       `json:"task_queue"`
	Execution        ExecutionKey `json:"execution"`
	NodeID           string       `json:"node_id"`
	NodeType         string       `json:"node_type"`
	TaskType         TaskType     `json:"task_type"`
	Priority         int32        `json:"priority"`
	Payload          []byte       `json:"payload,omitempty"`
	ScheduledEventID int64        `json:"scheduled_event_id"`
	ScheduledAt      time.Time    `json:"scheduled_at"`
	VisibleAt        time.Time    `json:"visible_at"`
	Attempts         int32        `json:"attempts"`
	MaxAttempts      int32        `json:"max_attempts"`
	Timeout          time.Duration `json:"timeout"`
}

// DeterministicTaskID builds the at-most-once-per-fingerprint task id.
// Format: {namespace}:{workflow_id}:{run_id}:{task_type}:{scheduled_event_id}
func DeterministicTaskID(key ExecutionKey, taskType TaskType, scheduledEventID int64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", key.NamespaceID, key.WorkflowID, key.RunID, taskType, scheduledEventID)
}

// TimerStatus is the durable timer state machine. Transitions out of
// Pending are terminal.
type TimerStatus string

const (
	TimerStatusPending  TimerStatus = "Pending"
	TimerStatusFired    TimerStatus = "Fired"
	TimerStatusCanceled TimerStatus = "Canceled"
)

// Timer is a shard-scoped durable timer row.
type Timer struct {
	ShardID     int32       `json:"shard_id"`
	NamespaceID string      `json:"namespace_id"`
	WorkflowID  string      `json:"workflow_id"`
	RunID       string      `json:"run_id"`
	TimerID     string      `json:"timer_id"`
	FireTime    time.Time   `json:"fire_time"`
	Status      TimerStatus `json:"status"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	FiredAt     *time.Time  `json:"fired_at,omitempty"`
}

func (t *Timer) ExecutionKey() ExecutionKey {
	return ExecutionKey{NamespaceID: t.NamespaceID, WorkflowID: t.WorkflowID, RunID: t.RunID}
}

// VisibilityRecord is the secondary listing index entry for one run.
type VisibilityRecord struct {
	NamespaceID   string            `json:"namespace_id"`
	WorkflowID    string            `json:"workflow_id"`
	RunID         string            `json:"run_id"`
	WorkflowType  string            `json:"workflow_type"`
	StartTime     time.Time         `json:"start_time"`
	CloseTime     *time.Time        `json:"close_time,omitempty"`
	Status        WorkflowStatus    `json:"status"`
	HistoryLength int64             `json:"history_length,omitempty"`
	Memo          map[string]string `json:"memo,omitempty"`
}

// Variable is a workspace-scoped key/value entry.
type Variable struct {
	NamespaceID string `json:"namespace_id"`
	Name        string `json:"name"`
	Value       string `json:"value"`
	IsSecret    bool   `json:"is_secret"`
}
