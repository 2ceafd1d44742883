//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"github.com/dygram-ai/dygram-go/condition"
	"github.com/dygram-ai/dygram-go/machine"
)

// AutomatedTransition selects the next edge for a path at node n
// without consulting an agent, or nil when an agent decision (or
// terminality) is required:
//
//  1. A sole outbound edge of a state, init, or promptless task is
//     taken when its condition holds.
//  2. Else the first @auto edge whose condition holds.
//  3. Else the first edge whose condition is simple and holds.
func AutomatedTransition(s *State, p *Path, n *machine.Node) *machine.Edge {
	edges := controlEdges(s.Machine, n.Name)
	if len(edges) == 0 {
		return nil
	}
	env := BuildEnv(s, p, n)
	if len(edges) == 1 && deterministicNode(n) {
		if condition.Eval(edgeCondition(&edges[0]), env) {
			return &edges[0]
		}
		return nil
	}
	for i := range edges {
		if machine.IsAuto(edges[i].Annotations) && condition.Eval(edgeCondition(&edges[i]), env) {
			return &edges[i]
		}
	}
	for i := range edges {
		expr := edgeCondition(&edges[i])
		if expr == "" {
			continue
		}
		if condition.IsSimple(expr) && condition.Eval(expr, env) {
			return &edges[i]
		}
	}
	return nil
}

// NonAutomatedEdges returns the outbound control edges an agent may
// choose between: everything not taken automatically and not a spawn
// or fan-out edge.
func NonAutomatedEdges(m *machine.Machine, node string) []machine.Edge {
	var out []machine.Edge
	for _, e := range controlEdges(m, node) {
		if machine.IsAuto(e.Annotations) {
			continue
		}
		if machine.AsyncFor(e.Annotations) != nil || machine.MapFor(e.Annotations) != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// deterministicNode reports whether a sole outbound edge is taken
// without agent involvement: states, inits and promptless tasks.
func deterministicNode(n *machine.Node) bool {
	switch n.Type {
	case machine.NodeTypeState, machine.NodeTypeInit:
		return true
	case machine.NodeTypeTask, "":
		return !n.HasPrompt()
	}
	return false
}

// controlEdges returns the outbound edges that transfer control,
// excluding data edges to context nodes.
func controlEdges(m *machine.Machine, node string) []machine.Edge {
	var out []machine.Edge
	for _, e := range m.OutgoingEdges(node) {
		dst := m.NodeByName(e.Target)
		if dst == nil || !dst.IsExecutable() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// edgeCondition extracts the condition expression of an edge from its
// label. Labels that are plain descriptions (not simple conditions
// and not "when ..." guards) carry no condition.
func edgeCondition(e *machine.Edge) string {
	label := e.Label
	if label == "" {
		return ""
	}
	norm := condition.Normalize(label)
	if norm == label && !condition.IsSimple(label) {
		// Plain description, not a guard.
		return ""
	}
	return label
}

// DescendTarget resolves a transition target through module descent:
// a state with children is entered at its first child, preferring
// task over state over any other executable node, repeating while the
// child is itself a module.
func DescendTarget(m *machine.Machine, target string) string {
	for m.IsModule(target) {
		children := m.Children(target)
		next := pickChild(children, machine.NodeTypeTask)
		if next == "" {
			next = pickChild(children, machine.NodeTypeState)
		}
		if next == "" {
			for i := range children {
				if children[i].IsExecutable() {
					next = children[i].Name
					break
				}
			}
		}
		if next == "" {
			return target
		}
		target = next
	}
	return target
}

func pickChild(children []machine.Node, t machine.NodeType) string {
	for i := range children {
		if children[i].Type == t {
			return children[i].Name
		}
	}
	return ""
}

// ModuleFallbackEdges returns the outbound edges of the enclosing
// module chain for a terminal node inside a module.
func ModuleFallbackEdges(m *machine.Machine, node string) []machine.Edge {
	n := m.NodeByName(node)
	for n != nil && n.Parent != "" {
		if edges := controlEdges(m, n.Parent); len(edges) > 0 {
			return edges
		}
		n = m.NodeByName(n.Parent)
	}
	return nil
}
