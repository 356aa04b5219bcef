package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// Builtin executors, mostly useful for local DAG runs and tests.

// NoopExecutor echoes its input back as output.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

// SleepExecutor sleeps for config.duration_ms, honoring cancellation.
// Unlike a delay node, the sleep happens in the worker and occupies a
// bulkhead slot; delay nodes are the durable alternative.
type SleepExecutor struct{}

func (SleepExecutor) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Config struct {
			DurationMS int64 `json:"duration_ms"`
		} `json:"config"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, NewNodeError(types.ErrorKindNonRetryable, "malformed sleep config: %v", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(in.Config.DurationMS) * time.Millisecond):
		return json.RawMessage(`{"slept":true}`), nil
	}
}

// RegisterBuiltins installs the builtin executors.
func RegisterBuiltins(r *Registry) {
	r.Register("noop", NoopExecutor{})
	r.Register("sleep", SleepExecutor{})
}
