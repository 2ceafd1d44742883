//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrierFor(t *testing.T) {
	tests := []struct {
		name string
		anns []Annotation
		want *BarrierConfig
	}{
		{
			name: "none",
			anns: []Annotation{{Name: "auto"}},
			want: nil,
		},
		{
			name: "named barrier",
			anns: []Annotation{{Name: "barrier", Value: `"j"`}},
			want: &BarrierConfig{Name: "j"},
		},
		{
			name: "join defaults merge",
			anns: []Annotation{{Name: "join"}},
			want: &BarrierConfig{Merge: true},
		},
		{
			name: "group barrier",
			anns: []Annotation{{Name: "barrier", Attributes: map[string]string{"group": "Ctx_items"}}},
			want: &BarrierConfig{Group: "Ctx_items"},
		},
		{
			name: "raw attribute form",
			anns: []Annotation{{Name: "barrier", Value: "name: sync; merge: true"}},
			want: &BarrierConfig{Name: "sync", Merge: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BarrierFor(tt.anns))
		})
	}
}

func TestMapFor(t *testing.T) {
	tests := []struct {
		name string
		anns []Annotation
		want string
	}{
		{"qualified", []Annotation{{Name: "map", QualifiedValue: "Ctx.items"}}, "Ctx.items"},
		{"foreach alias", []Annotation{{Name: "foreach", QualifiedValue: "Ctx.rows"}}, "Ctx.rows"},
		{"source attribute", []Annotation{{Name: "map", Attributes: map[string]string{"source": "Ctx.items"}}}, "Ctx.items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := MapFor(tt.anns)
			require.NotNil(t, cfg)
			assert.Equal(t, tt.want, cfg.Source)
		})
	}
	assert.Nil(t, MapFor([]Annotation{{Name: "async"}}))
}

func TestAsyncFor(t *testing.T) {
	require.NotNil(t, AsyncFor([]Annotation{{Name: "async"}}))
	require.NotNil(t, AsyncFor([]Annotation{{Name: "spawn"}}))
	assert.Nil(t, AsyncFor([]Annotation{{Name: "parallel"}}))
	assert.True(t, IsParallel([]Annotation{{Name: "parallel"}}))
}

func TestRetryFor(t *testing.T) {
	n := &Node{Name: "fetch"}
	assert.Nil(t, RetryFor(n))

	n.Annotations = []Annotation{{Name: "retry"}}
	cfg := RetryFor(n)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultRetryConfig(), *cfg)

	n.Annotations = []Annotation{{Name: "retry", Attributes: map[string]string{
		"attempts": "5", "initial": "2s", "cap": "10s", "backoff": "fixed",
	}}}
	cfg = RetryFor(n)
	require.NotNil(t, cfg)
	assert.Equal(t, RetryConfig{Attempts: 5, Initial: 2 * time.Second, Cap: 10 * time.Second, Fixed: true}, *cfg)

	n.Annotations = []Annotation{{Name: "retry", Value: "4"}}
	cfg = RetryFor(n)
	require.NotNil(t, cfg)
	assert.Equal(t, 4, cfg.Attempts)
}

func TestTimeoutFor(t *testing.T) {
	n := &Node{Name: "slow"}
	assert.Zero(t, TimeoutFor(n))

	n.Annotations = []Annotation{{Name: "timeout", Value: "30s"}}
	assert.Equal(t, 30*time.Second, TimeoutFor(n))

	// Bare numbers are seconds.
	n.Annotations = []Annotation{{Name: "timeout", Value: "45"}}
	assert.Equal(t, 45*time.Second, TimeoutFor(n))
}

func TestErrorHandlingFor(t *testing.T) {
	m := &Machine{Nodes: []Node{{Name: "a"}}}
	assert.Equal(t, ErrorHandlingContinue, m.ErrorHandlingFor())

	m.Nodes[0].Annotations = []Annotation{{Name: "errorHandling", Value: "fail-fast"}}
	assert.Equal(t, ErrorHandlingFailFast, m.ErrorHandlingFor())

	m.Nodes[0].Annotations = []Annotation{{Name: "errorHandling", Value: "compensate"}}
	assert.Equal(t, ErrorHandlingCompensate, m.ErrorHandlingFor())
}

func TestAttributeParsed(t *testing.T) {
	tests := []struct {
		name string
		attr Attribute
		want any
	}{
		{"typed number", Attribute{Type: "number", Value: "42"}, int64(42)},
		{"typed bool", Attribute{Type: "boolean", Value: "true"}, true},
		{"quoted string", Attribute{Value: `"hello"`}, "hello"},
		{"shape number", Attribute{Value: "3.5"}, 3.5},
		{"shape array", Attribute{Value: `["a","b"]`}, []any{"a", "b"}},
		{"shape object", Attribute{Value: `{"k": 1}`}, map[string]any{"k": float64(1)}},
		{"null", Attribute{Value: "null"}, nil},
		{"plain string", Attribute{Value: "pending"}, "pending"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attr.Parsed())
		})
	}
}
