package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/engine/internal/types"
)

func linearDef(ids ...string) *WorkflowDefinition {
	def := &WorkflowDefinition{Name: "linear"}
	for _, id := range ids {
		def.Nodes = append(def.Nodes, &Node{ID: id, Type: "noop"})
	}
	for i := 1; i < len(ids); i++ {
		def.Edges = append(def.Edges, &Edge{From: ids[i-1], To: ids[i]})
	}
	return def
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *WorkflowDefinition
		ok   bool
	}{
		{"linear", linearDef("a", "b", "c"), true},
		{"single node", linearDef("a"), true},
		{"empty", &WorkflowDefinition{}, false},
		{"empty node id", &WorkflowDefinition{Nodes: []*Node{{ID: ""}}}, false},
		{"duplicate ids", &WorkflowDefinition{Nodes: []*Node{{ID: "a"}, {ID: "a"}}}, false},
		{"dangling from", &WorkflowDefinition{
			Nodes: []*Node{{ID: "a"}},
			Edges: []*Edge{{From: "ghost", To: "a"}},
		}, false},
		{"dangling to", &WorkflowDefinition{
			Nodes: []*Node{{ID: "a"}},
			Edges: []*Edge{{From: "a", To: "ghost"}},
		}, false},
		{"two-node cycle", &WorkflowDefinition{
			Nodes: []*Node{{ID: "a"}, {ID: "b"}},
			Edges: []*Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
		}, false},
		{"self loop", &WorkflowDefinition{
			Nodes: []*Node{{ID: "a"}},
			Edges: []*Edge{{From: "a", To: "a"}},
		}, false},
		{"diamond", &WorkflowDefinition{
			Nodes: []*Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
			Edges: []*Edge{
				{From: "a", To: "b"}, {From: "a", To: "c"},
				{From: "b", To: "d"}, {From: "c", To: "d"},
			},
		}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, types.ErrInvalidWorkflow)
			}
		})
	}
}

func TestRootNodes(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []*Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []*Edge{{From: "a", To: "c"}, {From: "b", To: "c"}},
	}
	roots := def.RootNodes()
	require.Len(t, roots, 2)
	ids := []string{roots[0].ID, roots[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestPredecessorsSkipErrorEdges(t *testing.T) {
	def := &WorkflowDefinition{
		Nodes: []*Node{{ID: "a"}, {ID: "b"}, {ID: "handler"}},
		Edges: []*Edge{
			{From: "a", To: "b"},
			{From: "a", To: "handler", OnError: true},
		},
	}
	assert.Equal(t, []string{"a"}, def.Predecessors("b"))
	assert.Empty(t, def.Predecessors("handler"))
	require.Len(t, def.ErrorEdges("a"), 1)
	require.Len(t, def.SuccessEdges("a"), 1)
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		output    string
		want      bool
	}{
		{"empty condition always follows", "", `{}`, true},
		{"true bool", "ok", `{"ok":true}`, true},
		{"false bool", "ok", `{"ok":false}`, false},
		{"nonzero number", "count", `{"count":3}`, true},
		{"zero number", "count", `{"count":0}`, false},
		{"nonempty string", "msg", `{"msg":"hi"}`, true},
		{"empty string", "msg", `{"msg":""}`, false},
		{"nonempty array", "items", `{"items":[1]}`, true},
		{"empty array", "items", `{"items":[]}`, false},
		{"nonempty object", "meta", `{"meta":{"a":1}}`, true},
		{"null", "x", `{"x":null}`, false},
		{"missing field", "x", `{"y":1}`, false},
		{"non-object output", "x", `[1,2]`, false},
		{"nil output", "x", ``, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateCondition(tc.condition, json.RawMessage(tc.output)))
		})
	}
}
