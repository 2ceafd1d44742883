//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package machine defines the machine definition model consumed by the
// execution engine: typed nodes and edges with attributes and
// annotations, loaded from machine JSON.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NodeType represents the type of a node in the machine.
type NodeType string

const (
	// NodeTypeTask represents a unit of work, deterministic or agent-driven.
	NodeTypeTask NodeType = "task"
	// NodeTypeState represents a state node; state visits feed cycle detection.
	NodeTypeState NodeType = "state"
	// NodeTypeInit represents an initialization node.
	NodeTypeInit NodeType = "init"
	// NodeTypeContext represents a node holding named fields that other
	// nodes read or write via edges.
	NodeTypeContext NodeType = "context"
	// NodeTypeStyle represents a presentation-only node, never executed.
	NodeTypeStyle NodeType = "style"
)

// EdgeType represents the type of an edge in the machine.
type EdgeType string

const (
	// EdgeTypeControl transfers control between nodes.
	EdgeTypeControl EdgeType = "control"
	// EdgeTypeData grants data access between a node and a context node.
	EdgeTypeData EdgeType = "data"
	// EdgeTypeDependency records an ordering dependency.
	EdgeTypeDependency EdgeType = "dependency"
	// EdgeTypeTransform marks a transforming edge.
	EdgeTypeTransform EdgeType = "transform"
)

// Attribute is a named raw value attached to a node. The raw text is
// parsed on demand, see Attribute.Parsed.
type Attribute struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// Annotation is a parsed @annotation on a node or edge.
// Three input forms are recognized by the surface parser:
// simple (@name), value (@name("s") or @name(Node.field), the latter
// captured as QualifiedValue), and attributes (@name(k: v; ...)).
type Annotation struct {
	Name           string            `json:"name"`
	Value          string            `json:"value,omitempty"`
	QualifiedValue string            `json:"qualifiedValue,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Node is a typed node in the machine definition.
type Node struct {
	Name        string       `json:"name"`
	Type        NodeType     `json:"type,omitempty"`
	Parent      string       `json:"parent,omitempty"`
	Attributes  []Attribute  `json:"attributes,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Edge is a typed edge in the machine definition.
type Edge struct {
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Type        EdgeType     `json:"type,omitempty"`
	Label       string       `json:"label,omitempty"`
	ArrowType   string       `json:"arrowType,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Machine is the machine definition: an ordered set of nodes and edges.
type Machine struct {
	Title string `json:"title"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphError reports a structurally invalid machine. A run refuses to
// start on a GraphError.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string { return "invalid machine: " + e.Msg }

func graphErrorf(format string, args ...any) *GraphError {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// Parse decodes machine JSON, validates it against the machine schema
// and checks structural invariants.
func Parse(data []byte) (*Machine, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, graphErrorf("malformed machine JSON: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structural invariants of the machine: unique
// node names, resolvable edge endpoints and parents, and at least one
// executable node.
func (m *Machine) Validate() error {
	if len(m.Nodes) == 0 {
		return graphErrorf("machine %q has no nodes", m.Title)
	}
	seen := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Name == "" {
			return graphErrorf("node with empty name")
		}
		if seen[n.Name] {
			return graphErrorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	for _, n := range m.Nodes {
		if n.Parent != "" && !seen[n.Parent] {
			return graphErrorf("node %q references unknown parent %q", n.Name, n.Parent)
		}
	}
	executable := false
	for _, n := range m.Nodes {
		if n.IsExecutable() {
			executable = true
			break
		}
	}
	if !executable {
		return graphErrorf("machine %q has no executable nodes", m.Title)
	}
	for _, e := range m.Edges {
		if !seen[e.Source] {
			return graphErrorf("edge %s->%s references unknown source", e.Source, e.Target)
		}
		if !seen[e.Target] {
			return graphErrorf("edge %s->%s references unknown target", e.Source, e.Target)
		}
	}
	if err := m.checkParentCycles(); err != nil {
		return err
	}
	return nil
}

func (m *Machine) checkParentCycles() error {
	parents := make(map[string]string, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Parent != "" {
			parents[n.Name] = n.Parent
		}
	}
	for name := range parents {
		slow := name
		for i := 0; i < len(parents)+1; i++ {
			next, ok := parents[slow]
			if !ok {
				break
			}
			if next == name {
				return graphErrorf("circular parent chain through %q", name)
			}
			slow = next
		}
	}
	return nil
}

// NodeByName returns the named node, or nil.
func (m *Machine) NodeByName(name string) *Node {
	for i := range m.Nodes {
		if m.Nodes[i].Name == name {
			return &m.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges whose source is the named node, in
// definition order.
func (m *Machine) OutgoingEdges(name string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.Source == name {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges whose target is the named node, in
// definition order.
func (m *Machine) IncomingEdges(name string) []Edge {
	var in []Edge
	for _, e := range m.Edges {
		if e.Target == name {
			in = append(in, e)
		}
	}
	return in
}

// Children returns the nodes whose parent is the named node, in
// definition order.
func (m *Machine) Children(name string) []Node {
	var out []Node
	for _, n := range m.Nodes {
		if n.Parent == name {
			out = append(out, n)
		}
	}
	return out
}

// ContextNodes returns all context nodes in definition order.
func (m *Machine) ContextNodes() []Node {
	var out []Node
	for _, n := range m.Nodes {
		if n.Type == NodeTypeContext {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy of the machine.
func (m *Machine) Clone() *Machine {
	data, err := json.Marshal(m)
	if err != nil {
		// The model is plain data; marshal cannot fail on it.
		panic(fmt.Sprintf("machine: clone marshal: %v", err))
	}
	var out Machine
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("machine: clone unmarshal: %v", err))
	}
	return &out
}

// Hash returns the hex sha256 of the canonical JSON encoding of the
// machine. Struct field order is fixed, so the encoding is canonical.
func (m *Machine) Hash() string {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("machine: hash marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsExecutable reports whether the node takes part in execution.
// Context and style nodes hold data and presentation only.
func (n *Node) IsExecutable() bool {
	return n.Type != NodeTypeContext && n.Type != NodeTypeStyle
}

// IsModule reports whether the node is a state with children, which
// execution descends into rather than running directly.
func (m *Machine) IsModule(name string) bool {
	n := m.NodeByName(name)
	if n == nil || n.Type != NodeTypeState {
		return false
	}
	return len(m.Children(name)) > 0
}

// Attribute returns the named attribute of the node, or nil.
func (n *Node) Attribute(name string) *Attribute {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// AttributeString returns the string value of the named attribute with
// surrounding quotes stripped, or the empty string.
func (n *Node) AttributeString(name string) string {
	if a := n.Attribute(name); a != nil {
		return unquote(a.Value)
	}
	return ""
}

// Prompt returns the node's prompt text: the "prompt" attribute,
// falling back to "desc".
func (n *Node) Prompt() string {
	if p := n.AttributeString("prompt"); p != "" {
		return p
	}
	return n.AttributeString("desc")
}

// HasPrompt reports whether the node carries agent work.
func (n *Node) HasPrompt() bool { return n.Prompt() != "" }
