//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package diagram renders machine definitions into diagram formats.
package diagram

import (
	"fmt"
	"io"
	"strings"

	"github.com/dygram-ai/dygram-go/machine"
)

// Generator renders a machine into a diagram format.
type Generator interface {
	// Generate writes the rendered machine to w.
	Generate(w io.Writer, m *machine.Machine) error
	// Format names the output format.
	Format() string
}

// ForFormat returns the generator for a format name.
func ForFormat(format string) (Generator, error) {
	switch strings.ToLower(format) {
	case "", "dot", "graphviz":
		return DOT{}, nil
	}
	return nil, fmt.Errorf("unknown diagram format %q", format)
}

// DOT renders Graphviz dot output.
type DOT struct{}

// Format implements Generator.
func (DOT) Format() string { return "dot" }

// Generate implements Generator. Context nodes render as boxes, tasks
// as rounded boxes, states as ellipses; data edges are dashed.
func (DOT) Generate(w io.Writer, m *machine.Machine) error {
	var b strings.Builder
	b.WriteString("digraph ")
	b.WriteString(quote(dotName(m.Title)))
	b.WriteString(" {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n\n")

	clusters := map[string][]*machine.Node{}
	for i := range m.Nodes {
		n := &m.Nodes[i]
		clusters[n.Parent] = append(clusters[n.Parent], n)
	}
	writeNodes(&b, clusters, "", 1)

	b.WriteString("\n")
	for i := range m.Edges {
		e := &m.Edges[i]
		fmt.Fprintf(&b, "  %s -> %s", quote(e.Source), quote(e.Target))
		var attrs []string
		if label := edgeLabel(e); label != "" {
			attrs = append(attrs, fmt.Sprintf("label=%s", quote(label)))
		}
		if e.Type == machine.EdgeTypeData {
			attrs = append(attrs, "style=dashed")
		}
		if len(attrs) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(attrs, ", "))
		}
		b.WriteString(";\n")
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeNodes(b *strings.Builder, clusters map[string][]*machine.Node, parent string, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range clusters[parent] {
		if children := clusters[n.Name]; len(children) > 0 {
			fmt.Fprintf(b, "%ssubgraph %s {\n", indent, quote("cluster_"+dotName(n.Name)))
			fmt.Fprintf(b, "%s  label=%s;\n", indent, quote(n.Name))
			writeNodes(b, clusters, n.Name, depth+1)
			fmt.Fprintf(b, "%s}\n", indent)
			continue
		}
		fmt.Fprintf(b, "%s%s [%s];\n", indent, quote(n.Name), nodeAttrs(n))
	}
}

func nodeAttrs(n *machine.Node) string {
	label := n.Name
	var attrs []string
	switch n.Type {
	case machine.NodeTypeContext:
		attrs = append(attrs, "shape=box", "style=filled", "fillcolor=lightyellow")
	case machine.NodeTypeState:
		attrs = append(attrs, "shape=ellipse")
	case machine.NodeTypeInit:
		attrs = append(attrs, "shape=circle", "style=filled", "fillcolor=lightgray")
	case machine.NodeTypeStyle:
		attrs = append(attrs, "shape=note")
	default:
		attrs = append(attrs, "shape=box", "style=rounded")
	}
	for _, a := range n.Annotations {
		label += "\n@" + a.Name
	}
	attrs = append([]string{fmt.Sprintf("label=%s", quote(label))}, attrs...)
	return strings.Join(attrs, ", ")
}

func edgeLabel(e *machine.Edge) string {
	label := e.Label
	for _, a := range e.Annotations {
		if label != "" {
			label += "\n"
		}
		label += "@" + a.Name
	}
	return label
}

func dotName(s string) string {
	if s == "" {
		return "machine"
	}
	return s
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
