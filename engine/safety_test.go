//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visits(states ...string) []StateVisit {
	out := make([]StateVisit, len(states))
	for i, s := range states {
		out[i] = StateVisit{State: s}
	}
	return out
}

func TestDetectCycle(t *testing.T) {
	tests := []struct {
		name   string
		visits []StateVisit
		window int
		want   []string
	}{
		{"too few visits", visits("a", "b", "a"), 20, nil},
		{"no repetition", visits("a", "b", "c", "d"), 20, nil},
		{"pair cycle", visits("x", "a", "b", "a", "b"), 20, []string{"a", "b"}},
		{"triple cycle", visits("a", "b", "c", "a", "b", "c"), 20, []string{"a", "b", "c"}},
		{"window disabled", visits("a", "b", "a", "b"), 0, nil},
		{"cycle outside window", visits("a", "b", "a", "b", "c", "d", "e", "f"), 4, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectCycle(tt.visits, tt.window))
		})
	}
}

func TestCheckLimitsNodeInvocations(t *testing.T) {
	s := mustState(t, linearMachine)
	s.Limits.MaxNodeInvocations = 2
	s = IncrementNodeInvocation(s, "path-0", "start")
	require.NoError(t, CheckLimits(s, s.PathByID("path-0")))

	s = IncrementNodeInvocation(s, "path-0", "start")
	err := CheckLimits(s, s.PathByID("path-0"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoked 2 times")
}

func TestCheckLimitsTimeout(t *testing.T) {
	s := mustState(t, linearMachine)
	s.Limits.Timeout = time.Nanosecond
	s.Metadata.StartTime = time.Now().Add(-time.Second)
	err := CheckLimits(s, s.PathByID("path-0"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestCheckLimitsCycle(t *testing.T) {
	s := mustState(t, linearMachine)
	p := s.PathByID("path-0")
	p.StateTransitions = visits("middle", "end", "middle", "end")
	err := CheckLimits(s, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow("build"))
	cb.RecordFailure("build")
	require.NoError(t, cb.Allow("build"))
	assert.Equal(t, BreakerClosed, cb.State("build"))

	cb.RecordFailure("build")
	assert.Equal(t, BreakerOpen, cb.State("build"))
	assert.Error(t, cb.Allow("build"))

	// After the cool-down a single probe is admitted.
	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow("build"))
	assert.Equal(t, BreakerHalfOpen, cb.State("build"))

	// A probe failure reopens immediately.
	cb.RecordFailure("build")
	assert.Equal(t, BreakerOpen, cb.State("build"))
	assert.Error(t, cb.Allow("build"))

	// A probe success closes the breaker.
	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow("build"))
	cb.RecordSuccess("build")
	assert.Equal(t, BreakerClosed, cb.State("build"))
	require.NoError(t, cb.Allow("build"))

	// Breakers are per node.
	require.NoError(t, cb.Allow("deploy"))
}
