//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dygram-ai/dygram-go/condition"
	"github.com/dygram-ai/dygram-go/machine"
)

// Step advances every active path by at most one transition. It is
// pure: the input state is never mutated, all external work is
// returned as effects for the executor.
func Step(s *State) StepResult {
	active := s.ActivePaths()
	if len(active) == 0 {
		// Nothing can advance, but a path parked at a barrier (or a
		// suspended agent turn) is waiting, not done.
		status := StepComplete
		var effects []Effect
		for _, p := range s.Paths {
			switch p.Status {
			case PathWaiting:
				status = StepWaiting
			case PathFailed:
				if status != StepWaiting {
					status = StepError
				}
			}
		}
		if s.Turn != nil && s.Turn.IsWaitingForTurn {
			status = StepWaiting
		}
		if status == StepComplete {
			effects = append(effects, Effect{Type: EffectComplete})
		}
		return StepResult{State: s.Clone(), Effects: effects, Status: status}
	}

	ids := make([]string, 0, len(active))
	seqs := map[string]int{}
	for _, p := range active {
		ids = append(ids, p.ID)
		seqs[p.ID] = p.Seq
	}
	sort.Slice(ids, func(i, j int) bool { return seqs[ids[i]] < seqs[ids[j]] })

	out := s.Clone()
	var effects []Effect
	advanced := false
	for _, id := range ids {
		p := out.PathByID(id)
		if p == nil || p.Status != PathActive {
			// A barrier release or merge in this step may have already
			// moved the path.
			continue
		}
		var moved bool
		out, effects, moved = stepPath(out, id, effects)
		advanced = advanced || moved
	}

	status := StepContinue
	anyWaiting := false
	allTerminal := true
	anyFailed := false
	for _, p := range out.Paths {
		switch p.Status {
		case PathWaiting:
			anyWaiting = true
			allTerminal = false
		case PathActive:
			allTerminal = false
		case PathFailed:
			anyFailed = true
		}
	}
	switch {
	case anyWaiting:
		status = StepWaiting
	case advanced:
		status = StepContinue
	case allTerminal && anyFailed:
		status = StepError
	case allTerminal:
		status = StepComplete
		effects = append(effects, Effect{Type: EffectComplete})
	default:
		status = StepError
	}
	return StepResult{State: out, Effects: effects, Status: status}
}

// StepPath advances a single path by at most one transition, used by
// the round-robin step-path mode. Status aggregation matches Step.
func StepPath(s *State, pathID string) StepResult {
	p := s.PathByID(pathID)
	if p == nil || p.Status != PathActive {
		return StepResult{State: s.Clone(), Status: StepContinue}
	}
	out, effects, advanced := stepPath(s.Clone(), pathID, nil)
	status := StepContinue
	if !advanced {
		if q := out.PathByID(pathID); q != nil && q.Status == PathWaiting {
			status = StepWaiting
		}
	}
	if out.Terminal() {
		status = StepComplete
		effects = append(effects, Effect{Type: EffectComplete})
	}
	return StepResult{State: out, Effects: effects, Status: status}
}

// stepPath advances one path, returning the successor state, the
// accumulated effects and whether the path made progress.
func stepPath(s *State, pathID string, effects []Effect) (*State, []Effect, bool) {
	p := s.PathByID(pathID)
	n := s.Machine.NodeByName(p.CurrentNode)
	if n == nil {
		msg := fmt.Sprintf("path %s is at unknown node %q", pathID, p.CurrentNode)
		s = RecordError(s, msg)
		s = SetPathStatus(s, pathID, PathFailed)
		return s, append(effects, errorEffect(pathID, p.CurrentNode, msg, false)), false
	}
	if err := CheckLimits(s, p); err != nil {
		s = RecordError(s, err.Error())
		s = SetPathStatus(s, pathID, PathFailed)
		return s, append(effects, errorEffect(pathID, n.Name, err.Error(), false)), false
	}

	s = IncrementNodeInvocation(s, pathID, n.Name)
	if n.Type == machine.NodeTypeState {
		s = RecordStateTransition(s, pathID, n.Name)
	}
	p = s.PathByID(pathID)

	// Spawn edges fire on the first visit only; the originating path
	// stays put (or completes when nothing else leaves the node).
	spawnEdges, plainEdges := splitSpawnEdges(s.Machine, n.Name)
	if len(spawnEdges) > 0 && p.NodeInvocationCounts[n.Name] == 1 {
		env := BuildEnv(s, p, n)
		for i := range spawnEdges {
			e := &spawnEdges[i]
			if !condition.Eval(edgeCondition(e), env) {
				continue
			}
			target := DescendTarget(s.Machine, e.Target)
			if machine.AsyncFor(e.Annotations) != nil {
				var spawned string
				s, spawned = SpawnPath(s, target)
				effects = append(effects, logEffect(pathID, n.Name,
					"info", fmt.Sprintf("spawned %s at %q", spawned, target)))
				continue
			}
			mc := machine.MapFor(e.Annotations)
			source := mc.Source
			items, ok := resolveMapItems(s, source)
			if !ok {
				msg := fmt.Sprintf("map source %q does not resolve to a list", source)
				s = RecordError(s, msg)
				effects = append(effects, errorEffect(pathID, n.Name, msg, true))
				continue
			}
			group := strings.ReplaceAll(source, ".", "_")
			s = SpawnMappedPaths(s, target, pathID, items, source, group)
			effects = append(effects, logEffect(pathID, n.Name,
				"info", fmt.Sprintf("fanned out %d paths to %q (group %s)", len(items), target, group)))
		}
		p = s.PathByID(pathID)
		if len(plainEdges) == 0 {
			s = SetPathStatus(s, pathID, PathCompleted)
			return s, effects, true
		}
	}

	// A pending code task holds the node until its result arrives, even
	// when an automated transition would otherwise fire.
	if code := n.AttributeString("code"); code != "" && !HasCodeResult(s, pathID, n.Name) {
		env := BuildEnv(s, p, n)
		effects = append(effects, Effect{
			Type:     EffectCodeTask,
			PathID:   pathID,
			NodeName: n.Name,
			Command:  condition.ResolveTemplate(code, env),
			Timeout:  machine.TimeoutFor(n),
		})
		s = SetPathStatus(s, pathID, PathWaiting)
		return s, effects, false
	}

	if auto := AutomatedTransition(s, p, n); auto != nil {
		if cfg := machine.BarrierFor(auto.Annotations); cfg != nil {
			if cfg.Name == "" {
				cfg.Name = auto.Target
			}
			var released bool
			s, released = WaitAtBarrier(s, cfg.Name, pathID, *cfg)
			if !released {
				effects = append(effects, logEffect(pathID, n.Name,
					"debug", fmt.Sprintf("waiting at barrier %q", cfg.Name)))
				return s, effects, false
			}
		}
		return takeTransition(s, pathID, n, auto, nil, effects)
	}

	if forks := parallelEdges(s.Machine, n.Name); len(forks) > 0 {
		for i := range forks {
			target := DescendTarget(s.Machine, forks[i].Target)
			s, _ = SpawnPath(s, target)
		}
		s = SetPathStatus(s, pathID, PathCompleted)
		effects = append(effects, logEffect(pathID, n.Name,
			"info", fmt.Sprintf("forked %d parallel paths", len(forks))))
		return s, effects, true
	}

	if RequiresAgent(n) {
		decls := SynthesizeTools(s, n)
		if len(decls) == 1 && strings.HasPrefix(decls[0].Name, ToolPrefixTransition) {
			e := &NonAutomatedEdges(s.Machine, n.Name)[0]
			return takeTransition(s, pathID, n, e, nil, effects)
		}
		env := BuildEnv(s, p, n)
		prompt := condition.ResolveTemplate(n.Prompt(), env)
		effects = append(effects, invokeLLMEffect(
			pathID, n.Name, prompt, BuildSystemPrompt(s, p, n),
			decls, nodeModelID(n), machine.TimeoutFor(n)))
		s = SetPathStatus(s, pathID, PathWaiting)
		return s, effects, false
	}

	if len(plainEdges) == 0 {
		if fallback := ModuleFallbackEdges(s.Machine, n.Name); len(fallback) > 0 {
			env := BuildEnv(s, p, n)
			for i := range fallback {
				if condition.Eval(edgeCondition(&fallback[i]), env) {
					return takeTransition(s, pathID, n, &fallback[i], nil, effects)
				}
			}
		}
		// Completion alone is not progress; a step that only completes
		// paths aggregates to complete, not continue.
		s = SetPathStatus(s, pathID, PathCompleted)
		return s, effects, false
	}

	if len(plainEdges) == 1 {
		return takeTransition(s, pathID, n, &plainEdges[0], nil, effects)
	}

	msg := fmt.Sprintf("node %q has no viable transition", n.Name)
	s = RecordError(s, msg)
	s = SetPathStatus(s, pathID, PathFailed)
	return s, append(effects, errorEffect(pathID, n.Name, msg, true)), false
}

// takeTransition records the move along an edge, descending into
// modules and emitting a checkpoint when the target asks for one.
func takeTransition(s *State, pathID string, from *machine.Node, e *machine.Edge, output any, effects []Effect) (*State, []Effect, bool) {
	target := DescendTarget(s.Machine, e.Target)
	s = RecordTransition(s, pathID, target, e.Label, output)
	effects = append(effects, logEffect(pathID, from.Name,
		"debug", fmt.Sprintf("%s -> %s", from.Name, target)))
	if t := s.Machine.NodeByName(target); t != nil && machine.HasCheckpoint(t) {
		effects = append(effects, checkpointEffect(target))
	}
	return s, effects, true
}

// splitSpawnEdges partitions a node's control edges into spawn edges
// (@async, @map) and plain ones.
func splitSpawnEdges(m *machine.Machine, node string) (spawn, plain []machine.Edge) {
	for _, e := range controlEdges(m, node) {
		if machine.AsyncFor(e.Annotations) != nil || machine.MapFor(e.Annotations) != nil {
			spawn = append(spawn, e)
			continue
		}
		plain = append(plain, e)
	}
	return spawn, plain
}

func parallelEdges(m *machine.Machine, node string) []machine.Edge {
	var out []machine.Edge
	for _, e := range controlEdges(m, node) {
		if machine.IsParallel(e.Annotations) {
			out = append(out, e)
		}
	}
	return out
}

// resolveMapItems resolves a map source like "Ctx.items" to its list
// elements.
func resolveMapItems(s *State, source string) ([]any, bool) {
	v, ok := ResolveQualified(s, source)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	return items, ok
}

// nodeModelID returns a per-node model override from the node's
// "model" attribute.
func nodeModelID(n *machine.Node) string {
	return n.AttributeString("model")
}

// codeResultsContext is the engine-internal bucket recording code task
// outputs keyed by "pathID/node".
const codeResultsContext = "__code_results"

// HasCodeResult reports whether the path already ran its current code
// task.
func HasCodeResult(s *State, pathID, node string) bool {
	_, ok := s.Context[codeResultsContext][pathID+"/"+node]
	return ok
}

// ApplyCodeResult records a code task output and reactivates the path
// so the next step transitions past the node.
func ApplyCodeResult(s *State, pathID, node, output string) *State {
	out := UpdateContextState(s, codeResultsContext, map[string]any{pathID + "/" + node: output})
	return SetPathStatus(out, pathID, PathActive)
}

// ApplyAgentResult folds an agent decision back into the state: the
// chosen transition is recorded, context writes performed by tools are
// already in the state, and the path resumes.
func ApplyAgentResult(s *State, res *AgentResult) (*State, error) {
	p := s.PathByID(res.PathID)
	if p == nil {
		return nil, fmt.Errorf("agent result for unknown path %q", res.PathID)
	}
	out := ClearTurn(s)
	if res.NextNode == "" {
		// The agent finished without transitioning; the node is done.
		out = SetPathStatus(out, res.PathID, PathCompleted)
		return out, nil
	}
	target := DescendTarget(out.Machine, res.NextNode)
	var output any = res.Output
	if res.TransitionOutput != nil {
		output = res.TransitionOutput
	}
	out = RecordTransition(out, res.PathID, target, "agent", output)
	out = SetPathStatus(out, res.PathID, PathActive)
	return out, nil
}
