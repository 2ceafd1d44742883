//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dygram-ai/dygram-go/machine"
)

// run steps the state until a terminal status, bounded to catch
// accidental loops.
func run(t *testing.T, s *State) StepResult {
	t.Helper()
	res := StepResult{State: s, Status: StepContinue}
	for i := 0; i < 50; i++ {
		res = Step(res.State)
		switch res.Status {
		case StepComplete, StepError, StepWaiting:
			return res
		}
	}
	t.Fatal("execution did not terminate")
	return res
}

func effectsOfType(effects []Effect, typ EffectType) []Effect {
	var out []Effect
	for _, e := range effects {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestStepLinearChain(t *testing.T) {
	s := mustState(t, linearMachine)

	res := Step(s)
	assert.Equal(t, StepContinue, res.Status)
	assert.Equal(t, "middle", res.State.PathByID("path-0").CurrentNode)

	res = Step(res.State)
	assert.Equal(t, StepContinue, res.Status)
	assert.Equal(t, "end", res.State.PathByID("path-0").CurrentNode)

	res = Step(res.State)
	assert.Equal(t, StepComplete, res.Status)
	assert.Equal(t, PathCompleted, res.State.PathByID("path-0").Status)
	require.Len(t, effectsOfType(res.Effects, EffectComplete), 1)

	assert.Equal(t, 2, res.State.Metadata.StepCount)
	require.NoError(t, res.State.CheckInvariants())

	// The input state was never mutated.
	assert.Equal(t, "start", s.PathByID("path-0").CurrentNode)
}

func TestStepDeadlockedBarrierIsWaiting(t *testing.T) {
	// One path parks at a barrier whose required set includes a sibling
	// that completes without ever arriving. The run is stuck, not done.
	s := mustState(t, linearMachine)
	s, sibling := SpawnPath(s, "middle")
	s, released := WaitAtBarrier(s, "j", "path-0", machine.BarrierConfig{})
	require.False(t, released)
	s = SetPathStatus(s, sibling, PathCompleted)

	res := Step(s)
	assert.Equal(t, StepWaiting, res.Status)
	assert.Empty(t, effectsOfType(res.Effects, EffectComplete))
	assert.Equal(t, PathWaiting, res.State.PathByID("path-0").Status)
}

func TestStepConditionalGuards(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "decide"},
	    {"name": "high", "type": "state"},
	    {"name": "low", "type": "state"},
	    {"name": "Ctx", "type": "context",
	     "attributes": [{"name": "total", "type": "number", "value": "42"}]}
	  ],
	  "edges": [
	    {"source": "decide", "target": "high", "label": "when total > 10"},
	    {"source": "decide", "target": "low", "label": "when total <= 10"},
	    {"source": "Ctx", "target": "decide", "type": "data"}
	  ]
	}`
	s := mustState(t, src)
	res := Step(s)
	assert.Equal(t, StepContinue, res.Status)
	assert.Equal(t, "high", res.State.PathByID("path-0").CurrentNode)

	// Flipping the context flips the guard.
	s = UpdateContextState(s, "Ctx", map[string]any{"total": int64(3)})
	res = Step(s)
	assert.Equal(t, "low", res.State.PathByID("path-0").CurrentNode)
}

func TestStepParallelForkAndBarrier(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "start"},
	    {"name": "left"}, {"name": "right"},
	    {"name": "sync", "type": "state"}
	  ],
	  "edges": [
	    {"source": "start", "target": "left", "annotations": [{"name": "parallel"}]},
	    {"source": "start", "target": "right", "annotations": [{"name": "parallel"}]},
	    {"source": "left", "target": "sync", "annotations": [{"name": "barrier"}]},
	    {"source": "right", "target": "sync", "annotations": [{"name": "barrier"}]}
	  ]
	}`
	s := mustState(t, src)

	res := Step(s)
	require.Equal(t, StepContinue, res.Status)
	// The originating path ends at the fork; two forked paths run.
	assert.Equal(t, PathCompleted, res.State.PathByID("path-0").Status)
	assert.Len(t, res.State.ActivePaths(), 2)

	final := run(t, res.State)
	require.Equal(t, StepComplete, final.Status)
	// Without merge both forked paths cross the barrier.
	assert.Equal(t, "sync", final.State.PathByID("path-1").CurrentNode)
	assert.Equal(t, "sync", final.State.PathByID("path-2").CurrentNode)
	b := final.State.Barriers["sync"]
	require.NotNil(t, b)
	assert.True(t, b.IsReleased)
	require.NoError(t, final.State.CheckInvariants())
}

func TestStepMapFanOut(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "fan"},
	    {"name": "work"},
	    {"name": "collect", "type": "state"},
	    {"name": "Ctx", "type": "context",
	     "attributes": [{"name": "items", "value": "[\"a\",\"b\",\"c\"]"}]}
	  ],
	  "edges": [
	    {"source": "fan", "target": "work",
	     "annotations": [{"name": "map", "qualifiedValue": "Ctx.items"}]},
	    {"source": "work", "target": "collect",
	     "annotations": [{"name": "barrier", "attributes": {"group": "Ctx_items", "merge": "true"}}]}
	  ]
	}`
	s := mustState(t, src)

	res := Step(s)
	require.Equal(t, StepContinue, res.Status)
	assert.Equal(t, PathCompleted, res.State.PathByID("path-0").Status)

	workers := res.State.ActivePaths()
	require.Len(t, workers, 3)
	for i, p := range workers {
		require.NotNil(t, p.MapContext)
		assert.Equal(t, "Ctx_items", p.MapContext.GroupID)
		assert.Equal(t, i, p.MapContext.Index)
		assert.Equal(t, "work", p.CurrentNode)
	}

	final := run(t, res.State)
	require.Equal(t, StepComplete, final.Status)
	// The group barrier merges the fan-out back into one surviving path.
	survivors := 0
	for _, p := range final.State.Paths {
		if p.CurrentNode == "collect" {
			survivors++
		}
	}
	assert.Equal(t, 1, survivors)
	require.NoError(t, final.State.CheckInvariants())
}

func TestStepMapSourceNotAList(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "fan"},
	    {"name": "work"},
	    {"name": "Ctx", "type": "context",
	     "attributes": [{"name": "items", "value": "oops"}]}
	  ],
	  "edges": [
	    {"source": "fan", "target": "work",
	     "annotations": [{"name": "map", "qualifiedValue": "Ctx.items"}]}
	  ]
	}`
	s := mustState(t, src)
	res := Step(s)
	errs := effectsOfType(res.Effects, EffectError)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Recoverable)
	assert.Contains(t, errs[0].Message, "does not resolve to a list")
	assert.Empty(t, res.State.ActivePaths())
}

func TestStepAgentInvocation(t *testing.T) {
	const src = `{
	  "title": "review flow",
	  "nodes": [
	    {"name": "review", "type": "task",
	     "attributes": [{"name": "prompt", "value": "\"Decide on {{Order.total}}\""}]},
	    {"name": "approve", "type": "state"},
	    {"name": "reject", "type": "state"},
	    {"name": "Order", "type": "context",
	     "attributes": [{"name": "total", "type": "number", "value": "42"}]}
	  ],
	  "edges": [
	    {"source": "review", "target": "approve", "label": "approved"},
	    {"source": "review", "target": "reject", "label": "rejected"},
	    {"source": "Order", "target": "review", "type": "data"}
	  ]
	}`
	s := mustState(t, src)

	res := Step(s)
	require.Equal(t, StepWaiting, res.Status)
	assert.Equal(t, PathWaiting, res.State.PathByID("path-0").Status)

	invokes := effectsOfType(res.Effects, EffectInvokeLLM)
	require.Len(t, invokes, 1)
	eff := invokes[0]
	assert.Equal(t, "Decide on 42", eff.Prompt)
	assert.Contains(t, eff.SystemPrompt, "choose exactly one transition")

	var names []string
	for _, d := range eff.Tools {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "transition_to_approve")
	assert.Contains(t, names, "transition_to_reject")
	assert.Contains(t, names, "read_Order")

	// Folding the agent decision back in resumes the path.
	next, err := ApplyAgentResult(res.State, &AgentResult{
		PathID: "path-0", NextNode: "approve", Output: "looks fine",
	})
	require.NoError(t, err)
	assert.Equal(t, "approve", next.PathByID("path-0").CurrentNode)

	final := run(t, next)
	assert.Equal(t, StepComplete, final.Status)
}

func TestStepSingleTransitionSkipsAgent(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "ask", "type": "task",
	     "attributes": [{"name": "prompt", "value": "\"Summarize\""}]},
	    {"name": "done", "type": "state"}
	  ],
	  "edges": [{"source": "ask", "target": "done"}]
	}`
	s := mustState(t, src)
	res := Step(s)
	// One transition and nothing else to decide: no agent turn needed.
	assert.Empty(t, effectsOfType(res.Effects, EffectInvokeLLM))
	assert.Equal(t, "done", res.State.PathByID("path-0").CurrentNode)
}

func TestStepCodeTask(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "build",
	     "attributes": [{"name": "code", "value": "\"make all\""}]},
	    {"name": "done", "type": "state"}
	  ],
	  "edges": [{"source": "build", "target": "done"}]
	}`
	s := mustState(t, src)

	res := Step(s)
	require.Equal(t, StepWaiting, res.Status)
	codes := effectsOfType(res.Effects, EffectCodeTask)
	require.Len(t, codes, 1)
	assert.Equal(t, "make all", codes[0].Command)
	assert.Equal(t, PathWaiting, res.State.PathByID("path-0").Status)

	// With the result applied the node transitions on the next step.
	next := ApplyCodeResult(res.State, "path-0", "build", "ok")
	assert.True(t, HasCodeResult(next, "path-0", "build"))
	res = Step(next)
	assert.Empty(t, effectsOfType(res.Effects, EffectCodeTask))
	assert.Equal(t, "done", res.State.PathByID("path-0").CurrentNode)
}

func TestStepSpawnAsync(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "main"},
	    {"name": "audit"},
	    {"name": "next", "type": "state"}
	  ],
	  "edges": [
	    {"source": "main", "target": "audit", "annotations": [{"name": "async"}]},
	    {"source": "main", "target": "next"}
	  ]
	}`
	s := mustState(t, src)

	res := Step(s)
	// The spawn fires once; the originator continues on its plain edge.
	require.Len(t, res.State.Paths, 2)
	assert.Equal(t, "next", res.State.PathByID("path-0").CurrentNode)
	assert.Equal(t, "audit", res.State.PathByID("path-1").CurrentNode)

	final := run(t, res.State)
	assert.Equal(t, StepComplete, final.Status)
	// Revisits must not spawn again.
	assert.Len(t, final.State.Paths, 2)
}

func TestStepModuleDescent(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "start"},
	    {"name": "mod", "type": "state"},
	    {"name": "inner", "parent": "mod"},
	    {"name": "out", "type": "state"}
	  ],
	  "edges": [
	    {"source": "start", "target": "mod"},
	    {"source": "mod", "target": "out"}
	  ]
	}`
	s := mustState(t, src)

	res := Step(s)
	// Entering a module lands on its first child.
	assert.Equal(t, "inner", res.State.PathByID("path-0").CurrentNode)

	// A terminal child exits through the module's outbound edges.
	res = Step(res.State)
	assert.Equal(t, "out", res.State.PathByID("path-0").CurrentNode)

	final := run(t, res.State)
	assert.Equal(t, StepComplete, final.Status)
}

func TestStepLimitBreach(t *testing.T) {
	s := mustState(t, linearMachine)
	s.Limits.MaxSteps = 1

	res := Step(s)
	require.Equal(t, StepContinue, res.Status)

	res = Step(res.State)
	assert.Equal(t, StepError, res.Status)
	assert.Equal(t, PathFailed, res.State.PathByID("path-0").Status)
	errs := effectsOfType(res.Effects, EffectError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "step limit")
	assert.Equal(t, 1, res.State.Metadata.ErrorCount)
}

func TestStepDeadEndFails(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "fork"},
	    {"name": "a", "type": "state"},
	    {"name": "b", "type": "state"}
	  ],
	  "edges": [
	    {"source": "fork", "target": "a", "label": "take the scenic route"},
	    {"source": "fork", "target": "b", "label": "take the short route"}
	  ]
	}`
	// A promptless node with several unconditioned edges has no agent to
	// decide and no automated rule to fall back on.
	s := mustState(t, src)
	res := Step(s)
	assert.Equal(t, StepError, res.Status)
	errs := effectsOfType(res.Effects, EffectError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "no viable transition")
}

func TestStepCheckpointEffect(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "start"},
	    {"name": "save", "type": "state", "annotations": [{"name": "checkpoint"}]}
	  ],
	  "edges": [{"source": "start", "target": "save"}]
	}`
	s := mustState(t, src)
	res := Step(s)
	cps := effectsOfType(res.Effects, EffectCheckpoint)
	require.Len(t, cps, 1)
	assert.Equal(t, "save", cps[0].NodeName)
}

func TestStepPathRoundRobin(t *testing.T) {
	const src = `{
	  "nodes": [
	    {"name": "start"},
	    {"name": "left"}, {"name": "right"},
	    {"name": "lend", "type": "state"}, {"name": "rend", "type": "state"}
	  ],
	  "edges": [
	    {"source": "start", "target": "left", "annotations": [{"name": "parallel"}]},
	    {"source": "start", "target": "right", "annotations": [{"name": "parallel"}]},
	    {"source": "left", "target": "lend"},
	    {"source": "right", "target": "rend"}
	  ]
	}`
	s := mustState(t, src)
	res := Step(s)
	require.Len(t, res.State.ActivePaths(), 2)

	// Stepping one path leaves the other untouched.
	single := StepPath(res.State, "path-1")
	assert.Equal(t, "lend", single.State.PathByID("path-1").CurrentNode)
	assert.Equal(t, "right", single.State.PathByID("path-2").CurrentNode)
}

func TestApplyAgentResultCompletion(t *testing.T) {
	s := mustState(t, linearMachine)
	s = SetPathStatus(s, "path-0", PathWaiting)

	out, err := ApplyAgentResult(s, &AgentResult{PathID: "path-0", Output: "done here"})
	require.NoError(t, err)
	assert.Equal(t, PathCompleted, out.PathByID("path-0").Status)
	assert.Nil(t, out.Turn)

	_, err = ApplyAgentResult(s, &AgentResult{PathID: "path-99"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown path"))
}
