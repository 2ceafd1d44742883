//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderMachine = `{
  "title": "order flow",
  "nodes": [
    {"name": "start"},
    {"name": "review", "type": "task",
     "attributes": [{"name": "prompt", "value": "\"Review the order\""}]},
    {"name": "Order", "type": "context",
     "attributes": [{"name": "total", "type": "number", "value": "42"}]},
    {"name": "done", "type": "state"}
  ],
  "edges": [
    {"source": "start", "target": "review"},
    {"source": "review", "target": "done"},
    {"source": "Order", "target": "review", "type": "data"}
  ]
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(orderMachine))
	require.NoError(t, err)
	assert.Equal(t, "order flow", m.Title)
	assert.Len(t, m.Nodes, 4)
	assert.Len(t, m.Edges, 3)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "malformed json",
			json: `{"nodes": [`,
			want: "malformed machine JSON",
		},
		{
			name: "schema violation",
			json: `{"nodes": [{"name": "a", "type": "banana"}]}`,
			want: "does not match schema",
		},
		{
			name: "duplicate node",
			json: `{"nodes": [{"name": "a"}, {"name": "a"}]}`,
			want: "duplicate node name",
		},
		{
			name: "unknown edge target",
			json: `{"nodes": [{"name": "a"}], "edges": [{"source": "a", "target": "b"}]}`,
			want: "unknown target",
		},
		{
			name: "unknown parent",
			json: `{"nodes": [{"name": "a", "parent": "nope"}]}`,
			want: "unknown parent",
		},
		{
			name: "no executable nodes",
			json: `{"nodes": [{"name": "c", "type": "context"}]}`,
			want: "no executable nodes",
		},
		{
			name: "parent cycle",
			json: `{"nodes": [{"name": "a", "parent": "b"}, {"name": "b", "parent": "a"}]}`,
			want: "circular parent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
			var ge *GraphError
			require.ErrorAs(t, err, &ge)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNodeLookups(t *testing.T) {
	m, err := Parse([]byte(orderMachine))
	require.NoError(t, err)

	require.NotNil(t, m.NodeByName("review"))
	assert.Nil(t, m.NodeByName("missing"))

	out := m.OutgoingEdges("review")
	require.Len(t, out, 1)
	assert.Equal(t, "done", out[0].Target)

	in := m.IncomingEdges("review")
	require.Len(t, in, 2)

	ctx := m.ContextNodes()
	require.Len(t, ctx, 1)
	assert.Equal(t, "Order", ctx[0].Name)
}

func TestPrompt(t *testing.T) {
	m, err := Parse([]byte(orderMachine))
	require.NoError(t, err)

	review := m.NodeByName("review")
	assert.True(t, review.HasPrompt())
	assert.Equal(t, "Review the order", review.Prompt())

	start := m.NodeByName("start")
	assert.False(t, start.HasPrompt())
	assert.Empty(t, start.Prompt())
}

func TestHashStableUnderClone(t *testing.T) {
	m, err := Parse([]byte(orderMachine))
	require.NoError(t, err)

	clone := m.Clone()
	assert.Equal(t, m.Hash(), clone.Hash())

	clone.Nodes[0].Name = "renamed"
	assert.NotEqual(t, m.Hash(), clone.Hash())
	// The original is untouched by clone mutation.
	assert.Equal(t, "start", m.Nodes[0].Name)
}

func TestIsExecutable(t *testing.T) {
	tests := []struct {
		typ  NodeType
		want bool
	}{
		{NodeTypeTask, true},
		{NodeTypeState, true},
		{NodeTypeInit, true},
		{"", true},
		{NodeTypeContext, false},
		{NodeTypeStyle, false},
	}
	for _, tt := range tests {
		n := &Node{Name: "n", Type: tt.typ}
		assert.Equal(t, tt.want, n.IsExecutable(), "type %q", tt.typ)
	}
}

func TestIsModule(t *testing.T) {
	m, err := Parse([]byte(`{
	  "nodes": [
	    {"name": "outer", "type": "state"},
	    {"name": "inner", "parent": "outer"}
	  ]
	}`))
	require.NoError(t, err)
	assert.True(t, m.IsModule("outer"))
	assert.False(t, m.IsModule("inner"))

	children := m.Children("outer")
	require.Len(t, children, 1)
	assert.Equal(t, "inner", children[0].Name)
}
