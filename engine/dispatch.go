//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dygram-ai/dygram-go/condition"
	"github.com/dygram-ai/dygram-go/machine"
)

// DispatchResult is the outcome of one agent tool call.
type DispatchResult struct {
	// Output is the value returned to the agent as the tool result.
	Output any
	// State is the successor state.
	State *State
	// Transition names the target node when a transition tool fired.
	Transition string
	// TransitionOutput carries the output argument of a transition tool.
	TransitionOutput any
	// MachineChanged obliges the caller to persist the new snapshot.
	MachineChanged bool
}

// DispatchTool executes one tool call issued by the agent on behalf of
// a path at the given node. Unknown tools and permission violations
// return an error the caller reports back to the agent as an error
// tool result.
func DispatchTool(s *State, pathID, node, name string, args []byte) (*DispatchResult, error) {
	if len(args) == 0 {
		args = []byte("{}")
	}
	switch {
	case strings.HasPrefix(name, ToolPrefixTransition):
		return dispatchTransition(s, node, strings.TrimPrefix(name, ToolPrefixTransition), args)
	case strings.HasPrefix(name, ToolPrefixSpawn):
		return dispatchSpawn(s, node, strings.TrimPrefix(name, ToolPrefixSpawn))
	case strings.HasPrefix(name, ToolPrefixMapSpawn):
		return dispatchMapSpawn(s, pathID, node, strings.TrimPrefix(name, ToolPrefixMapSpawn), args)
	case IsMetaTool(name):
		res, err := HandleMetaTool(s, node, name, args)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{Output: res.Output, State: res.State, MachineChanged: res.MachineChanged}, nil
	case strings.HasPrefix(name, ToolPrefixRead):
		return dispatchRead(s, node, strings.TrimPrefix(name, ToolPrefixRead))
	case strings.HasPrefix(name, ToolPrefixWrite):
		return dispatchWrite(s, node, strings.TrimPrefix(name, ToolPrefixWrite), args)
	}
	if dt := dynamicToolByName(s, name); dt != nil {
		return dispatchDynamic(s, dt, args)
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func dispatchTransition(s *State, node, suffix string, args []byte) (*DispatchResult, error) {
	target, err := edgeTargetForSuffix(s.Machine, node, suffix)
	if err != nil {
		return nil, err
	}
	var in struct {
		Output any `json:"output,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode transition arguments: %w", err)
	}
	return &DispatchResult{
		Output:           map[string]any{"transitioned": target},
		State:            s.Clone(),
		Transition:       target,
		TransitionOutput: in.Output,
	}, nil
}

func dispatchSpawn(s *State, node, suffix string) (*DispatchResult, error) {
	target, err := edgeTargetForSuffix(s.Machine, node, suffix)
	if err != nil {
		return nil, err
	}
	out, spawned := SpawnPath(s, DescendTarget(s.Machine, target))
	return &DispatchResult{
		Output: map[string]any{"spawned": spawned, "at": target},
		State:  out,
	}, nil
}

func dispatchMapSpawn(s *State, pathID, node, suffix string, args []byte) (*DispatchResult, error) {
	target, err := edgeTargetForSuffix(s.Machine, node, suffix)
	if err != nil {
		return nil, err
	}
	var in struct {
		Source string `json:"source,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode map_spawn arguments: %w", err)
	}
	source := in.Source
	if source == "" {
		for _, e := range controlEdges(s.Machine, node) {
			if e.Target != target {
				continue
			}
			if mc := machine.MapFor(e.Annotations); mc != nil {
				source = mc.Source
			}
		}
	}
	if source == "" {
		return nil, fmt.Errorf("map_spawn to %q has no source", target)
	}
	items, ok := resolveMapItems(s, source)
	if !ok {
		return nil, fmt.Errorf("map source %q does not resolve to a list", source)
	}
	group := strings.ReplaceAll(source, ".", "_")
	out := SpawnMappedPaths(s, DescendTarget(s.Machine, target), pathID, items, source, group)
	return &DispatchResult{
		Output: map[string]any{"spawned": len(items), "group": group},
		State:  out,
	}, nil
}

func dispatchRead(s *State, node, suffix string) (*DispatchResult, error) {
	ctxName, perm, err := permittedContext(s, node, suffix)
	if err != nil {
		return nil, err
	}
	if !perm.Read {
		return nil, fmt.Errorf("node %q has no read access to context %q", node, ctxName)
	}
	return &DispatchResult{Output: ContextObject(s, ctxName, perm), State: s.Clone()}, nil
}

func dispatchWrite(s *State, node, suffix string, args []byte) (*DispatchResult, error) {
	ctxName, perm, err := permittedContext(s, node, suffix)
	if err != nil {
		return nil, err
	}
	if !perm.Write {
		return nil, fmt.Errorf("node %q has no write access to context %q", node, ctxName)
	}
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, fmt.Errorf("decode write arguments: %w", err)
	}
	if len(perm.Fields) > 0 {
		for k := range fields {
			if !contains(perm.Fields, k) {
				return nil, fmt.Errorf("node %q may not write field %q of context %q", node, k, ctxName)
			}
		}
	}
	out := UpdateContextState(s, ctxName, fields)
	written := make([]string, 0, len(fields))
	for k := range fields {
		written = append(written, k)
	}
	return &DispatchResult{
		Output: map[string]any{"written": written},
		State:  out,
	}, nil
}

func dispatchDynamic(s *State, dt *DynamicTool, args []byte) (*DispatchResult, error) {
	env := map[string]any{}
	if err := json.Unmarshal(args, &env); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", dt.Declaration.Name, err)
	}
	output := any(map[string]any{"ok": true})
	if dt.OutputTemplate != "" {
		output = condition.ResolveTemplate(dt.OutputTemplate, env)
	}
	return &DispatchResult{Output: output, State: s.Clone()}, nil
}

func dynamicToolByName(s *State, name string) *DynamicTool {
	for i := range s.DynamicTools {
		if s.DynamicTools[i].Declaration.Name == name {
			return &s.DynamicTools[i]
		}
	}
	return nil
}

// edgeTargetForSuffix resolves a sanitized tool suffix back to the
// target of an outgoing edge of the node. Tools only reach targets the
// node actually has an edge to.
func edgeTargetForSuffix(m *machine.Machine, node, suffix string) (string, error) {
	for _, e := range m.OutgoingEdges(node) {
		if SanitizeToolName(e.Target) == suffix {
			return e.Target, nil
		}
	}
	return "", fmt.Errorf("node %q has no edge matching tool target %q", node, suffix)
}

// permittedContext resolves a sanitized context suffix to the context
// node and the caller's permission on it.
func permittedContext(s *State, node, suffix string) (string, Permission, error) {
	perms := ContextPermissions(s.Machine, node)
	for name, perm := range perms {
		if SanitizeToolName(name) == suffix {
			return name, perm, nil
		}
	}
	return "", Permission{}, fmt.Errorf("node %q has no access to a context matching %q", node, suffix)
}
