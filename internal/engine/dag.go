// Package engine implements the workflow state machine: it ingests
// start requests, worker reports, timer fires, and signals, derives
// decision batches, and persists them through the history and state
// stores.
package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linkflow/engine/internal/types"
)

// Join policies for nodes with multiple incoming edges.
const (
	JoinAll = "all" // every predecessor must complete (default)
	JoinAny = "any" // first completed predecessor triggers
)

// Node types with engine-level semantics. Anything else is dispatched
// to a worker executor by its type string.
const (
	NodeTypeDelay = "delay"
	NodeTypeWait  = "wait"
)

// Node is one vertex of a workflow DAG.
type Node struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Join        string          `json:"join,omitempty"`
	Priority    int32           `json:"priority,omitempty"`
	MaxAttempts int32           `json:"max_attempts,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`

	// Delay nodes: how long to sleep before continuing.
	DelayDuration time.Duration `json:"delay_duration,omitempty"`

	// Wait nodes: the signal that resumes the run. An optional
	// WaitTimeout bounds the pause with a durable timer.
	SignalName  string        `json:"signal_name,omitempty"`
	WaitTimeout time.Duration `json:"wait_timeout,omitempty"`
}

// Edge connects two nodes. A Condition names a field of the source
// node's output; the edge is followed only when that field is truthy.
// Error edges are followed instead of failing the run when the source
// node fails permanently.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	OnError   bool   `json:"on_error,omitempty"`
}

// WorkflowDefinition is the DAG a run executes.
type WorkflowDefinition struct {
	Name  string  `json:"name"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Validate re-checks the structural invariants the control plane is
// supposed to enforce: unique ids, no dangling edges, no cycles.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", types.ErrInvalidWorkflow)
	}

	byID := make(map[string]*Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", types.ErrInvalidWorkflow)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", types.ErrInvalidWorkflow, n.ID)
		}
		byID[n.ID] = n
	}

	indegree := make(map[string]int, len(d.Nodes))
	adjacent := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("%w: edge from unknown node %q", types.ErrInvalidWorkflow, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("%w: edge to unknown node %q", types.ErrInvalidWorkflow, e.To)
		}
		adjacent[e.From] = append(adjacent[e.From], e.To)
		indegree[e.To]++
	}

	// Kahn's algorithm; anything left over sits on a cycle.
	var frontier []string
	for id := range byID {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	visited := 0
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		visited++
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}
	if visited != len(d.Nodes) {
		return fmt.Errorf("%w: cycle detected", types.ErrInvalidWorkflow)
	}
	return nil
}

// Node returns the node with the given id, nil when absent.
func (d *WorkflowDefinition) Node(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// RootNodes returns nodes with no incoming edges; they are scheduled at
// start.
func (d *WorkflowDefinition) RootNodes() []*Node {
	hasIncoming := make(map[string]bool)
	for _, e := range d.Edges {
		hasIncoming[e.To] = true
	}
	var roots []*Node
	for _, n := range d.Nodes {
		if !hasIncoming[n.ID] {
			roots = append(roots, n)
		}
	}
	return roots
}

// Predecessors returns the source node ids of non-error edges into id.
func (d *WorkflowDefinition) Predecessors(id string) []string {
	var preds []string
	for _, e := range d.Edges {
		if e.To == id && !e.OnError {
			preds = append(preds, e.From)
		}
	}
	return preds
}

// SuccessEdges returns the non-error edges out of id.
func (d *WorkflowDefinition) SuccessEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.Edges {
		if e.From == id && !e.OnError {
			out = append(out, e)
		}
	}
	return out
}

// ErrorEdges returns the error edges out of id.
func (d *WorkflowDefinition) ErrorEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.Edges {
		if e.From == id && e.OnError {
			out = append(out, e)
		}
	}
	return out
}

// evaluateCondition checks whether the named field of the source node's
// output is truthy: true, a non-zero number, or a non-empty string,
// array, or object. A missing field or undecodable output is falsy.
func evaluateCondition(condition string, output json.RawMessage) bool {
	if condition == "" {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(output, &fields); err != nil {
		return false
	}
	raw, ok := fields[condition]
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return false
	}
}
