package engine

import (
	"encoding/json"
	"time"

	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/types"
)

// Event attribute payloads. These are what the codec serializes into
// HistoryEvent.Payload; EventID and EventType live outside the blob.

type WorkflowStartedAttributes struct {
	WorkflowType   string              `json:"workflow_type"`
	Definition     *WorkflowDefinition `json:"definition"`
	Input          json.RawMessage     `json:"input,omitempty"`
	CallbackURL    string              `json:"callback_url,omitempty"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	Seed           int64               `json:"seed"`
	PreviousRunID  string              `json:"previous_run_id,omitempty"`
}

type ActivityScheduledAttributes struct {
	NodeID      string          `json:"node_id"`
	NodeType    string          `json:"node_type"`
	TaskQueue   string          `json:"task_queue"`
	Input       json.RawMessage `json:"input,omitempty"`
	Priority    int32           `json:"priority"`
	Attempt     int32           `json:"attempt"`
	MaxAttempts int32           `json:"max_attempts"`
	VisibleAt   time.Time       `json:"visible_at,omitempty"`
}

type ActivityStartedAttributes struct {
	ScheduledEventID int64  `json:"scheduled_event_id"`
	Attempt          int32  `json:"attempt"`
	WorkerID         string `json:"worker_id,omitempty"`
}

type ActivityCompletedAttributes struct {
	ScheduledEventID int64           `json:"scheduled_event_id"`
	NodeID           string          `json:"node_id"`
	Output           json.RawMessage `json:"output,omitempty"`
}

type ActivityFailedAttributes struct {
	ScheduledEventID int64           `json:"scheduled_event_id"`
	NodeID           string          `json:"node_id"`
	Kind             types.ErrorKind `json:"kind"`
	Message          string          `json:"message,omitempty"`
	Attempt          int32           `json:"attempt"`
}

type TimerStartedAttributes struct {
	TimerID  string    `json:"timer_id"`
	NodeID   string    `json:"node_id,omitempty"`
	FireTime time.Time `json:"fire_time"`
}

type TimerFiredAttributes struct {
	TimerID string `json:"timer_id"`
	NodeID  string `json:"node_id,omitempty"`
}

type TimerCanceledAttributes struct {
	TimerID string `json:"timer_id"`
}

type SignalReceivedAttributes struct {
	SignalName string          `json:"signal_name"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type WorkflowCompletedAttributes struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type WorkflowFailedAttributes struct {
	NodeID  string          `json:"node_id,omitempty"`
	Kind    types.ErrorKind `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

type WorkflowCanceledAttributes struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowTimedOutAttributes struct {
	Timeout time.Duration `json:"timeout"`
}

type ContinueAsNewAttributes struct {
	NewRunID string          `json:"new_run_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// newEvent builds a history event. Version is left zero here; the
// commit path stamps every event of a batch with the db_version the
// batch writes, so versions rise with each decision batch.
func newEvent(ser codec.Serializer, eventID int64, eventType types.EventType, at time.Time, attrs any) (*types.HistoryEvent, error) {
	payload, err := ser.Encode(attrs)
	if err != nil {
		return nil, err
	}
	return &types.HistoryEvent{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: at,
		Payload:   payload,
	}, nil
}
