//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/dygram-ai/dygram-go/machine"
)

// The constructors in this file are the only way running state is
// mutated. Each takes a state, clones it, applies one change and
// returns the clone; inputs are never aliased into the result.

// CreateInitialState builds the initial execution state for a machine.
// One active path is created per start node. Start nodes are found by
// (i) @start annotation, (ii) name "start" case-insensitively, (iii)
// any executable node with outgoing edges and no incoming ones, (iv)
// the first executable node. Ties break in source order.
func CreateInitialState(m *machine.Machine, limits Limits) (*State, error) {
	starts := startNodes(m)
	if len(starts) == 0 {
		return nil, fmt.Errorf("machine %q has no start node", m.Title)
	}
	s := &State{
		Version:  Version,
		Machine:  m.Clone(),
		Limits:   limits,
		Metadata: Metadata{StartTime: time.Now()},
		Context:  map[string]map[string]any{},
		Barriers: map[string]*Barrier{},
	}
	for _, name := range starts {
		s.Paths = append(s.Paths, newPath(s, name, nil))
	}
	return s, nil
}

func startNodes(m *machine.Machine) []string {
	var annotated []string
	for _, n := range m.Nodes {
		if machine.IsStart(n.Annotations) {
			annotated = append(annotated, n.Name)
		}
	}
	if len(annotated) > 0 {
		return annotated
	}
	for _, n := range m.Nodes {
		if strings.EqualFold(n.Name, "start") {
			return []string{n.Name}
		}
	}
	var roots []string
	for _, n := range m.Nodes {
		if !n.IsExecutable() {
			continue
		}
		if len(m.OutgoingEdges(n.Name)) > 0 && len(m.IncomingEdges(n.Name)) == 0 {
			roots = append(roots, n.Name)
		}
	}
	if len(roots) > 0 {
		return roots
	}
	for _, n := range m.Nodes {
		if n.IsExecutable() {
			return []string{n.Name}
		}
	}
	return nil
}

// newPath appends a fresh active path to the state in place. Only the
// constructors below call it, always on a freshly cloned state.
func newPath(s *State, node string, mc *MapContext) *Path {
	seq := s.NextPathSeq
	s.NextPathSeq++
	return &Path{
		ID:          fmt.Sprintf("path-%d", seq),
		Seq:         seq,
		CurrentNode: node,
		Status:      PathActive,
		StartTime:   time.Now(),
		MapContext:  mc,
	}
}

// RecordTransition moves the path along an edge, appending a history
// record and bumping the step counters.
func RecordTransition(s *State, pathID, to, label string, output any) *State {
	out := s.Clone()
	p := out.PathByID(pathID)
	if p == nil {
		return out
	}
	p.History = append(p.History, Transition{
		From:       p.CurrentNode,
		To:         to,
		Transition: label,
		Timestamp:  time.Now(),
		Output:     output,
	})
	p.CurrentNode = to
	p.StepCount++
	out.Metadata.StepCount++
	return out
}

// IncrementNodeInvocation bumps the per-node invocation counter of a
// path.
func IncrementNodeInvocation(s *State, pathID, node string) *State {
	out := s.Clone()
	p := out.PathByID(pathID)
	if p == nil {
		return out
	}
	if p.NodeInvocationCounts == nil {
		p.NodeInvocationCounts = map[string]int{}
	}
	p.NodeInvocationCounts[node]++
	return out
}

// RecordStateTransition appends a state-node visit for cycle
// detection, bounded by the cycle detection window.
func RecordStateTransition(s *State, pathID, stateNode string) *State {
	out := s.Clone()
	p := out.PathByID(pathID)
	if p == nil {
		return out
	}
	p.StateTransitions = append(p.StateTransitions, StateVisit{State: stateNode, Timestamp: time.Now()})
	if w := out.Limits.CycleDetectionWindow; w > 0 && len(p.StateTransitions) > 2*w {
		p.StateTransitions = append([]StateVisit(nil), p.StateTransitions[len(p.StateTransitions)-2*w:]...)
	}
	return out
}

// SetPathStatus sets the status of a path.
func SetPathStatus(s *State, pathID string, status PathStatus) *State {
	out := s.Clone()
	if p := out.PathByID(pathID); p != nil {
		p.Status = status
	}
	return out
}

// RecordError increments the error counters and remembers the message.
func RecordError(s *State, msg string) *State {
	out := s.Clone()
	out.Metadata.ErrorCount++
	out.Metadata.Errors = append(out.Metadata.Errors, msg)
	const keep = 50
	if len(out.Metadata.Errors) > keep {
		out.Metadata.Errors = append([]string(nil), out.Metadata.Errors[len(out.Metadata.Errors)-keep:]...)
	}
	return out
}

// UpdateContextState overlays fields onto a context object. The
// context name must belong to a context node.
func UpdateContextState(s *State, ctxName string, fields map[string]any) *State {
	out := s.Clone()
	if out.Context[ctxName] == nil {
		out.Context[ctxName] = map[string]any{}
	}
	for k, v := range fields {
		out.Context[ctxName][k] = cloneValue(v)
	}
	return out
}

// SpawnPath creates a new active path at the target node, leaving the
// originating path where it is.
func SpawnPath(s *State, target string) (*State, string) {
	out := s.Clone()
	p := newPath(out, target, nil)
	out.Paths = append(out.Paths, p)
	return out, p.ID
}

// SpawnMappedPaths fans out one active path per item, all targeting
// the same node. An empty items list is a valid no-op.
func SpawnMappedPaths(s *State, target, sourcePathID string, items []any, mapSource, groupID string) *State {
	out := s.Clone()
	for i, item := range items {
		p := newPath(out, target, &MapContext{
			SourcePathID: sourcePathID,
			MapSource:    mapSource,
			Item:         cloneValue(item),
			Index:        i,
			GroupID:      groupID,
		})
		out.Paths = append(out.Paths, p)
	}
	return out
}

// EnsureBarrier creates the named barrier on first arrival. The
// required set is snapshotted from the currently eligible paths: the
// group members when a group is named, else every live path.
func EnsureBarrier(s *State, name string, cfg machine.BarrierConfig) *State {
	if _, ok := s.Barriers[name]; ok {
		return s.Clone()
	}
	out := s.Clone()
	b := &Barrier{Merge: cfg.Merge}
	if cfg.Group != "" {
		b.RequiredGroups = []string{cfg.Group}
	}
	for _, p := range out.Paths {
		if cfg.Group != "" {
			// A grouped path counts toward its group whether active,
			// waiting or completed.
			if p.MapContext != nil && p.MapContext.GroupID == cfg.Group {
				b.RequiredPaths = append(b.RequiredPaths, p.ID)
			}
			continue
		}
		if p.Status == PathActive || p.Status == PathWaiting {
			b.RequiredPaths = append(b.RequiredPaths, p.ID)
		}
	}
	out.Barriers[name] = b
	return out
}

// WaitAtBarrier registers the arriving path at the named barrier,
// releasing it once every required path has arrived. On release with
// merge, all waiters but the releasing one are marked completed;
// without merge, waiting paths are reactivated. The released flag on
// the returned state tells the caller whether the arrival completed
// the set.
func WaitAtBarrier(s *State, name, pathID string, cfg machine.BarrierConfig) (*State, bool) {
	out := EnsureBarrier(s, name, cfg)
	b := out.Barriers[name]
	if b.IsReleased {
		return out, true
	}
	if !contains(b.RequiredPaths, pathID) {
		// Late arrivals outside the snapshot still join the set.
		b.RequiredPaths = append(b.RequiredPaths, pathID)
	}
	if !contains(b.WaitingPaths, pathID) {
		b.WaitingPaths = append(b.WaitingPaths, pathID)
	}
	if len(b.WaitingPaths) < len(b.RequiredPaths) {
		if p := out.PathByID(pathID); p != nil {
			p.Status = PathWaiting
		}
		return out, false
	}
	b.IsReleased = true
	for _, id := range b.WaitingPaths {
		p := out.PathByID(id)
		if p == nil {
			continue
		}
		if id == pathID {
			p.Status = PathActive
			continue
		}
		if b.Merge {
			p.Status = PathCompleted
		} else {
			p.Status = PathActive
		}
	}
	return out, true
}

// UpdateMachineSnapshot installs a fresh machine snapshot, leaving the
// previous generation's snapshot untouched.
func UpdateMachineSnapshot(s *State, m *machine.Machine) *State {
	out := s.Clone()
	out.Machine = m.Clone()
	return out
}

// RegisterDynamicTool adds a dynamically constructed tool to the
// state's registry, replacing any previous definition with the same
// name.
func RegisterDynamicTool(s *State, dt DynamicTool) *State {
	out := s.Clone()
	for i := range out.DynamicTools {
		if out.DynamicTools[i].Declaration.Name == dt.Declaration.Name {
			out.DynamicTools[i] = dt
			return out
		}
	}
	out.DynamicTools = append(out.DynamicTools, dt)
	return out
}

// ClearTurn removes any in-flight turn state.
func ClearTurn(s *State) *State {
	out := s.Clone()
	out.Turn = nil
	return out
}

// SetTurn installs an in-flight turn state.
func SetTurn(s *State, t *TurnState) *State {
	out := s.Clone()
	out.Turn = t.Clone()
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
