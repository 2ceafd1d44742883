//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dygram-ai/dygram-go/machine"
)

func TestForFormat(t *testing.T) {
	for _, name := range []string{"", "dot", "DOT", "graphviz"} {
		g, err := ForFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, "dot", g.Format())
	}
	_, err := ForFormat("svg")
	require.Error(t, err)
}

func TestGenerateDOT(t *testing.T) {
	m, err := machine.Parse([]byte(`{
	  "title": "order flow",
	  "nodes": [
	    {"name": "review", "type": "task",
	     "annotations": [{"name": "checkpoint"}]},
	    {"name": "done", "type": "state"},
	    {"name": "Order", "type": "context"},
	    {"name": "mod", "type": "state"},
	    {"name": "inner", "parent": "mod"}
	  ],
	  "edges": [
	    {"source": "review", "target": "done", "label": "approved"},
	    {"source": "Order", "target": "review", "type": "data"}
	  ]
	}`))
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, DOT{}.Generate(&b, m))
	out := b.String()

	assert.Contains(t, out, `digraph "order flow" {`)
	assert.Contains(t, out, "rankdir=LR")
	// Node shapes by type.
	assert.Contains(t, out, `"done" [label="done", shape=ellipse]`)
	assert.Contains(t, out, `fillcolor=lightyellow`)
	assert.Contains(t, out, `shape=box, style=rounded`)
	// Annotations surface in the label.
	assert.Contains(t, out, `@checkpoint`)
	// Modules become clusters.
	assert.Contains(t, out, `subgraph "cluster_mod"`)
	assert.Contains(t, out, `"inner"`)
	// Edges: labelled control edge, dashed data edge.
	assert.Contains(t, out, `"review" -> "done" [label="approved"]`)
	assert.Contains(t, out, `"Order" -> "review" [style=dashed]`)
	assert.True(t, strings.HasSuffix(out, "}\n"))
}

func TestGenerateDOTUntitled(t *testing.T) {
	m, err := machine.Parse([]byte(`{"nodes": [{"name": "a"}]}`))
	require.NoError(t, err)
	var b strings.Builder
	require.NoError(t, DOT{}.Generate(&b, m))
	assert.Contains(t, b.String(), `digraph "machine" {`)
}
