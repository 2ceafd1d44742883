//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"strings"

	"github.com/dygram-ai/dygram-go/machine"
)

// Reserved environment names. User nodes with these names are
// shadowed by the built-ins.
const (
	envErrorCount  = "errorCount"
	envErrors      = "errors"
	envActiveState = "activeState"
)

// Permission is the access a node holds on a context object.
type Permission struct {
	Read  bool
	Write bool
	// Fields restricts access to the named fields; empty means all.
	Fields []string
}

// ContextPermissions derives the per-context permissions of a node
// from its edges: an edge from a context node grants read; an edge to
// a context node labelled "writes"/"stores" grants write, labelled
// "reads" grants read.
func ContextPermissions(m *machine.Machine, node string) map[string]Permission {
	perms := map[string]Permission{}
	grant := func(ctxName string, read, write bool, fields []string) {
		p := perms[ctxName]
		p.Read = p.Read || read
		p.Write = p.Write || write
		if len(fields) > 0 {
			p.Fields = append(p.Fields, fields...)
		}
		perms[ctxName] = p
	}
	for _, e := range m.IncomingEdges(node) {
		src := m.NodeByName(e.Source)
		if src != nil && src.Type == machine.NodeTypeContext {
			grant(src.Name, true, false, labelFields(e.Label))
		}
	}
	for _, e := range m.OutgoingEdges(node) {
		dst := m.NodeByName(e.Target)
		if dst == nil || dst.Type != machine.NodeTypeContext {
			continue
		}
		verb, fields := labelVerb(e.Label)
		switch verb {
		case "writes", "stores":
			grant(dst.Name, false, true, fields)
		case "reads":
			grant(dst.Name, true, false, fields)
		}
	}
	return perms
}

// labelVerb splits an access label like "writes x, y" into the verb
// and the optional field list.
func labelVerb(label string) (string, []string) {
	label = strings.TrimSpace(label)
	verb, rest, _ := strings.Cut(label, " ")
	return strings.ToLower(verb), splitFields(rest)
}

// labelFields extracts a field restriction from a read edge label
// like "reads x" or a bare field list.
func labelFields(label string) []string {
	verb, fields := labelVerb(label)
	if verb == "reads" || verb == "writes" || verb == "stores" {
		return fields
	}
	return nil
}

func splitFields(rest string) []string {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(rest, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ContextObject materializes the visible fields of a context node:
// its initial attributes overlaid by the live context state,
// restricted to the permitted field set.
func ContextObject(s *State, ctxName string, perm Permission) map[string]any {
	n := s.Machine.NodeByName(ctxName)
	if n == nil {
		return nil
	}
	obj := map[string]any{}
	for i := range n.Attributes {
		obj[n.Attributes[i].Name] = n.Attributes[i].Parsed()
	}
	for k, v := range s.Context[ctxName] {
		obj[k] = cloneValue(v)
	}
	if len(perm.Fields) == 0 {
		return obj
	}
	restricted := map[string]any{}
	for _, f := range perm.Fields {
		if v, ok := obj[f]; ok {
			restricted[f] = v
		}
	}
	return restricted
}

// BuildEnv composes the condition-evaluation environment for a path
// at a node: permitted context objects (qualified and flattened), the
// node's own attributes, then the built-ins, later layers shadowing
// earlier ones.
func BuildEnv(s *State, p *Path, node *machine.Node) map[string]any {
	env := map[string]any{}
	perms := ContextPermissions(s.Machine, node.Name)
	for ctxName, perm := range perms {
		if !perm.Read {
			continue
		}
		obj := ContextObject(s, ctxName, perm)
		env[ctxName] = obj
		for k, v := range obj {
			env[k] = v
		}
	}
	for k, v := range node.AttributeEnv() {
		env[k] = v
	}
	if p != nil && p.MapContext != nil {
		env["item"] = cloneValue(p.MapContext.Item)
		env["index"] = int64(p.MapContext.Index)
	}
	env[envErrorCount] = int64(s.Metadata.ErrorCount)
	env[envErrors] = append([]string{}, s.Metadata.Errors...)
	env[envActiveState] = activeState(s, p)
	return env
}

// activeState is the most recently visited state node of the path.
func activeState(s *State, p *Path) string {
	if p == nil {
		return ""
	}
	if len(p.StateTransitions) > 0 {
		return p.StateTransitions[len(p.StateTransitions)-1].State
	}
	if n := s.Machine.NodeByName(p.CurrentNode); n != nil && n.Type == machine.NodeTypeState {
		return n.Name
	}
	return ""
}

// ResolveQualified resolves a qualified name like "Ctx.items" against
// the state, returning the field value.
func ResolveQualified(s *State, qualified string) (any, bool) {
	ctxName, field, ok := strings.Cut(qualified, ".")
	if !ok {
		return nil, false
	}
	n := s.Machine.NodeByName(ctxName)
	if n == nil || n.Type != machine.NodeTypeContext {
		return nil, false
	}
	if v, ok := s.Context[ctxName][field]; ok {
		return cloneValue(v), true
	}
	if a := n.Attribute(field); a != nil {
		return a.Parsed(), true
	}
	return nil, false
}
