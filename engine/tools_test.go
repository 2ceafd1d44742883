//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dygram-ai/dygram-go/tool"
)

const reviewMachine = `{
  "title": "review",
  "nodes": [
    {"name": "review", "type": "task",
     "attributes": [{"name": "prompt", "value": "\"Review\""}]},
    {"name": "approve", "type": "state"},
    {"name": "reject", "type": "state"},
    {"name": "audit"},
    {"name": "Order", "type": "context",
     "attributes": [
       {"name": "total", "type": "number", "value": "42"},
       {"name": "status", "value": "\"pending\""}
     ]}
  ],
  "edges": [
    {"source": "review", "target": "approve", "label": "approved"},
    {"source": "review", "target": "reject", "label": "rejected"},
    {"source": "review", "target": "audit", "annotations": [{"name": "async"}]},
    {"source": "Order", "target": "review", "type": "data"},
    {"source": "review", "target": "Order", "label": "writes status"}
  ]
}`

func declNames(decls []tool.Declaration) []string {
	out := make([]string, 0, len(decls))
	for _, d := range decls {
		out = append(out, d.Name)
	}
	return out
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"approve", "approve"},
		{"Order Review", "Order_Review"},
		{"a.b-c", "a_b_c"},
		{"_leading_", "leading"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeToolName(tt.in))
	}
}

func TestSynthesizeTools(t *testing.T) {
	s := mustState(t, reviewMachine)
	n := s.Machine.NodeByName("review")

	names := declNames(SynthesizeTools(s, n))
	assert.Equal(t, []string{
		"transition_to_approve",
		"transition_to_reject",
		"spawn_async_to_audit",
		"read_Order",
		"write_Order",
	}, names)
}

func TestSynthesizeToolsFieldRestrictedWrite(t *testing.T) {
	s := mustState(t, reviewMachine)
	n := s.Machine.NodeByName("review")

	var write *tool.Declaration
	for _, d := range SynthesizeTools(s, n) {
		if d.Name == "write_Order" {
			d := d
			write = &d
		}
	}
	require.NotNil(t, write)
	// "writes status" restricts the schema to the status field.
	assert.Contains(t, write.InputSchema.Properties, "status")
	assert.NotContains(t, write.InputSchema.Properties, "total")
}

func TestSynthesizeToolsMeta(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "admin", "type": "task",
	     "annotations": [{"name": "meta"}],
	     "attributes": [{"name": "prompt", "value": "\"Maintain\""}]}
	  ]
	}`
	s := mustState(t, src)
	names := declNames(SynthesizeTools(s, s.Machine.NodeByName("admin")))
	assert.Contains(t, names, MetaGetMachineDefinition)
	assert.Contains(t, names, MetaUpdateDefinition)
	assert.Contains(t, names, MetaConstructTool)
	assert.Contains(t, names, MetaBuildToolFromNode)
}

func TestSynthesizeToolsDynamic(t *testing.T) {
	s := mustState(t, reviewMachine)
	s = RegisterDynamicTool(s, DynamicTool{
		Declaration: tool.Declaration{Name: "lookup_sku", Description: "Look up a SKU."},
	})
	names := declNames(SynthesizeTools(s, s.Machine.NodeByName("review")))
	assert.Contains(t, names, "lookup_sku")
}

func TestBuildSystemPrompt(t *testing.T) {
	s := mustState(t, reviewMachine)
	s = UpdateContextState(s, "Order", map[string]any{"status": "escalated"})
	n := s.Machine.NodeByName("review")
	p := s.PathByID("path-0")

	prompt := BuildSystemPrompt(s, p, n)
	assert.Contains(t, prompt, `node "review"`)
	assert.Contains(t, prompt, "Review")
	// Live context state overlays the declared attributes.
	assert.Contains(t, prompt, "escalated")
	assert.Contains(t, prompt, "transition_to_approve: approved")
	assert.Contains(t, prompt, "transition_to_reject: rejected")
}

func TestBuildSystemPromptMapItem(t *testing.T) {
	s := mustState(t, reviewMachine)
	s = SpawnMappedPaths(s, "review", "path-0", []any{"widget"}, "Order.items", "Order_items")
	p := s.PathByID("path-1")

	prompt := BuildSystemPrompt(s, p, s.Machine.NodeByName("review"))
	assert.Contains(t, prompt, `processing item 0: "widget"`)
}

func TestBuildSystemPromptTerminalNode(t *testing.T) {
	const src = `{
	  "nodes": [{"name": "summarize", "type": "task",
	    "attributes": [{"name": "prompt", "value": "\"Summarize\""}]}]
	}`
	s := mustState(t, src)
	prompt := BuildSystemPrompt(s, s.PathByID("path-0"), s.Machine.NodeByName("summarize"))
	assert.Contains(t, prompt, "no outbound transitions")
}

func TestNodeForToolSuffix(t *testing.T) {
	s := mustState(t, reviewMachine)
	n := NodeForToolSuffix(s.Machine, "approve")
	require.NotNil(t, n)
	assert.Equal(t, "approve", n.Name)
	assert.Nil(t, NodeForToolSuffix(s.Machine, "missing"))
}

func TestContextPermissions(t *testing.T) {
	s := mustState(t, reviewMachine)
	perms := ContextPermissions(s.Machine, "review")
	require.Contains(t, perms, "Order")
	p := perms["Order"]
	assert.True(t, p.Read)
	assert.True(t, p.Write)
	assert.Equal(t, []string{"status"}, p.Fields)

	// Unrelated nodes get nothing.
	assert.Empty(t, ContextPermissions(s.Machine, "approve"))
}

func TestResolveQualified(t *testing.T) {
	s := mustState(t, reviewMachine)

	v, ok := ResolveQualified(s, "Order.total")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	// Live state shadows the declared attribute.
	s = UpdateContextState(s, "Order", map[string]any{"total": int64(7)})
	v, ok = ResolveQualified(s, "Order.total")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = ResolveQualified(s, "Order.missing")
	assert.False(t, ok)
	_, ok = ResolveQualified(s, "notqualified")
	assert.False(t, ok)
}
