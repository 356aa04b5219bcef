// Package worker implements the execution side: a pool that polls
// Matching, runs node executors under a circuit breaker, bulkhead, and
// timeout, and reports results back to the engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/linkflow/engine/internal/types"
)

// Executor runs one node type. Input is the payload assembled by the
// engine (config, workflow input or upstream outputs, variables). The
// context carries the task deadline; executors must return promptly on
// cancellation.
type Executor interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// NodeError is a structured executor failure carrying its retry class.
type NodeError struct {
	Kind    types.ErrorKind
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewNodeError builds a classified executor failure.
func NewNodeError(kind types.ErrorKind, format string, args ...any) *NodeError {
	return &NodeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Registry maps node types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register installs an executor for a node type, replacing any previous
// registration.
func (r *Registry) Register(nodeType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = ex
}

// Get resolves a node type or returns types.ErrExecutorNotFound.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrExecutorNotFound, nodeType)
	}
	return ex, nil
}
