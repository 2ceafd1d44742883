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

	"github.com/dygram-ai/dygram-go/machine"
)

// mustMachine parses machine JSON or fails the test.
func mustMachine(t *testing.T, src string) *machine.Machine {
	t.Helper()
	m, err := machine.Parse([]byte(src))
	require.NoError(t, err)
	return m
}

// mustState builds the initial state with default limits.
func mustState(t *testing.T, src string) *State {
	t.Helper()
	s, err := CreateInitialState(mustMachine(t, src), DefaultLimits())
	require.NoError(t, err)
	return s
}

const linearMachine = `{
  "title": "linear",
  "nodes": [
    {"name": "start"},
    {"name": "middle", "type": "state"},
    {"name": "end", "type": "state"}
  ],
  "edges": [
    {"source": "start", "target": "middle"},
    {"source": "middle", "target": "end"}
  ]
}`

func TestClonePurity(t *testing.T) {
	s := mustState(t, linearMachine)
	s = UpdateContextState(s, "__scratch", map[string]any{"list": []any{"a"}})

	clone := s.Clone()
	clone.Paths[0].CurrentNode = "end"
	clone.Paths[0].History = append(clone.Paths[0].History, Transition{From: "start", To: "end"})
	clone.Context["__scratch"]["list"].([]any)[0] = "mutated"
	clone.Metadata.StepCount = 99

	assert.Equal(t, "start", s.Paths[0].CurrentNode)
	assert.Empty(t, s.Paths[0].History)
	assert.Equal(t, []any{"a"}, s.Context["__scratch"]["list"])
	assert.Zero(t, s.Metadata.StepCount)
}

func TestSerializeRoundTrip(t *testing.T) {
	s := mustState(t, linearMachine)
	s = RecordTransition(s, "path-0", "middle", "", nil)
	s = UpdateContextState(s, "__scratch", map[string]any{"n": 1.0})

	data, err := s.Serialize()
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, s.Machine.Hash(), got.Machine.Hash())
	require.Len(t, got.Paths, 1)
	assert.Equal(t, "middle", got.Paths[0].CurrentNode)
	assert.Equal(t, 1, got.Paths[0].StepCount)
	assert.Equal(t, map[string]any{"n": 1.0}, got.Context["__scratch"])
	require.NoError(t, got.CheckInvariants())
}

func TestDeserializeRejects(t *testing.T) {
	_, err := Deserialize([]byte(`{`))
	require.Error(t, err)

	_, err = Deserialize([]byte(`{"version": "2.0.0", "paths": [{"id": "path-0"}]}`))
	require.ErrorContains(t, err, "machine snapshot")

	_, err = Deserialize([]byte(`{"version": "2.0.0", "machineSnapshot": {"nodes": [{"name": "a"}]}}`))
	require.ErrorContains(t, err, "missing paths")
}

func TestCheckInvariants(t *testing.T) {
	s := mustState(t, linearMachine)
	require.NoError(t, s.CheckInvariants())

	t.Run("unknown node", func(t *testing.T) {
		bad := s.Clone()
		bad.Paths[0].CurrentNode = "nowhere"
		assert.ErrorContains(t, bad.CheckInvariants(), "unknown node")
	})

	t.Run("step count drift", func(t *testing.T) {
		bad := s.Clone()
		bad.Paths[0].StepCount = 5
		assert.Error(t, bad.CheckInvariants())
	})

	t.Run("history tail disagrees", func(t *testing.T) {
		bad := RecordTransition(s, "path-0", "middle", "", nil)
		bad.Paths[0].CurrentNode = "end"
		assert.ErrorContains(t, bad.CheckInvariants(), "history tail")
	})

	t.Run("foreign context bucket", func(t *testing.T) {
		bad := UpdateContextState(s, "NotANode", nil)
		assert.ErrorContains(t, bad.CheckInvariants(), "not a context node")
	})

	t.Run("internal buckets exempt", func(t *testing.T) {
		ok := UpdateContextState(s, "__code_results", map[string]any{"k": "v"})
		assert.NoError(t, ok.CheckInvariants())
	})

	t.Run("barrier waiter outside required set", func(t *testing.T) {
		bad := s.Clone()
		bad.Barriers["b"] = &Barrier{RequiredPaths: []string{"path-0"}, WaitingPaths: []string{"path-9"}}
		assert.ErrorContains(t, bad.CheckInvariants(), "required set")
	})
}

func TestTerminal(t *testing.T) {
	s := mustState(t, linearMachine)
	assert.False(t, s.Terminal())

	s = SetPathStatus(s, "path-0", PathWaiting)
	assert.False(t, s.Terminal())

	s = SetPathStatus(s, "path-0", PathCompleted)
	assert.True(t, s.Terminal())
}

func TestActivePathsAndLookup(t *testing.T) {
	s := mustState(t, linearMachine)
	s, spawned := SpawnPath(s, "middle")

	assert.Len(t, s.ActivePaths(), 2)
	assert.NotNil(t, s.PathByID(spawned))
	assert.Nil(t, s.PathByID("path-99"))

	s = SetPathStatus(s, spawned, PathFailed)
	assert.Len(t, s.ActivePaths(), 1)
}
