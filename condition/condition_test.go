//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() map[string]any {
	return map[string]any{
		"Order": map[string]any{
			"total":  int64(42),
			"status": "pending",
			"items":  []any{"a", "b"},
		},
		"retries": int64(2),
	}
}

func TestEval(t *testing.T) {
	env := testEnv()
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"Order.total > 10", true},
		{"Order.total < 10", false},
		{`Order.status == "pending"`, true},
		{`Order.status === "pending"`, true},
		{`when Order.status !== "shipped"`, true},
		{`{{Order.total}} == 42`, true},
		{`"a" in Order.items`, true},
		{"Order.total > 10 && retries < 3", true},
		{"Order.total > 10 || retries > 5", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.expr, env))
		})
	}
}

func TestEvalFailsClosed(t *testing.T) {
	env := testEnv()
	// Unknown variables, parse errors and non-boolean results are all
	// treated as false rather than failing the run.
	assert.False(t, Eval("Missing.field == 1", env))
	assert.False(t, Eval("Order.total >", env))
	assert.False(t, Eval("Order.total", env))
}

func TestEvalValue(t *testing.T) {
	env := testEnv()

	v, err := EvalValue("Order.total", env)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = EvalValue("Order.items", env)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	v, err = EvalValue("Order.total + retries", env)
	require.NoError(t, err)
	assert.Equal(t, int64(44), v)

	_, err = EvalValue("", env)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"when x == 1", "x == 1"},
		{"x === 1", "x == 1"},
		{"x !== 1", "x != 1"},
		{"{{Order.total}} > 10", "Order.total > 10"},
		{"  x == 1  ", "x == 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestIsSimple(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"Order.total > 10", true},
		{"when x == 1", true},
		{`status == "done" && retries < 3`, true},
		{`"a" in Order.items`, true},
		{"size(Order.items) > 0", false},
		{"approve the request", false},
		{"x ==", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSimple(tt.expr))
		})
	}
}

func TestResolveTemplate(t *testing.T) {
	env := testEnv()
	got := ResolveTemplate("Total is {{Order.total}}, status {{Order.status}}.", env)
	assert.Equal(t, "Total is 42, status pending.", got)

	// Unresolvable variables stay verbatim.
	got = ResolveTemplate("missing: {{Nope.field}}", env)
	assert.Equal(t, "missing: {{Nope.field}}", got)

	// No variables, no change.
	assert.Equal(t, "plain text", ResolveTemplate("plain text", env))
}
