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

	"github.com/dygram-ai/dygram-go/machine"
	"github.com/dygram-ai/dygram-go/tool"
)

// MetaResult is the outcome of a meta-tool call: the value returned to
// the agent, the successor state, and whether the machine snapshot
// changed (which obliges the caller to persist it).
type MetaResult struct {
	Output         any
	State          *State
	MachineChanged bool
}

// IsMetaTool reports whether a tool name belongs to the meta-tool set.
func IsMetaTool(name string) bool {
	switch name {
	case MetaGetMachineDefinition, MetaUpdateDefinition, MetaConstructTool,
		MetaListAvailableTools, MetaGetToolNodes, MetaBuildToolFromNode,
		MetaProposeImprovement:
		return true
	}
	return false
}

// HandleMetaTool dispatches a meta-tool call issued from the given
// node. The input state is never mutated.
func HandleMetaTool(s *State, node, name string, args []byte) (*MetaResult, error) {
	switch name {
	case MetaGetMachineDefinition:
		return &MetaResult{Output: s.Machine.Clone(), State: s.Clone()}, nil
	case MetaUpdateDefinition:
		return handleUpdateDefinition(s, args)
	case MetaConstructTool:
		return handleConstructTool(s, args)
	case MetaListAvailableTools:
		return handleListTools(s, node)
	case MetaGetToolNodes:
		return handleGetToolNodes(s)
	case MetaBuildToolFromNode:
		return handleBuildToolFromNode(s, args)
	case MetaProposeImprovement:
		return handleProposeImprovement(s, args)
	}
	return nil, fmt.Errorf("unknown meta tool %q", name)
}

func handleUpdateDefinition(s *State, args []byte) (*MetaResult, error) {
	var in struct {
		Definition json.RawMessage `json:"definition"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode update_definition arguments: %w", err)
	}
	if len(in.Definition) == 0 {
		return nil, fmt.Errorf("update_definition requires a definition")
	}
	m, err := machine.Parse(in.Definition)
	if err != nil {
		return nil, fmt.Errorf("invalid machine definition: %w", err)
	}
	out := UpdateMachineSnapshot(s, m)
	return &MetaResult{
		Output:         map[string]any{"updated": true, "hash": m.Hash()},
		State:          out,
		MachineChanged: true,
	}, nil
}

func handleConstructTool(s *State, args []byte) (*MetaResult, error) {
	var in struct {
		Name        string       `json:"name"`
		Description string       `json:"description"`
		InputSchema *tool.Schema `json:"inputSchema"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode construct_tool arguments: %w", err)
	}
	if in.Name == "" {
		return nil, fmt.Errorf("construct_tool requires a name")
	}
	if IsMetaTool(in.Name) {
		return nil, fmt.Errorf("tool name %q is reserved", in.Name)
	}
	schema := in.InputSchema
	if schema == nil {
		schema = &tool.Schema{Type: "object"}
	}
	out := RegisterDynamicTool(s, DynamicTool{
		Declaration: tool.Declaration{
			Name:        in.Name,
			Description: in.Description,
			InputSchema: schema,
		},
	})
	return &MetaResult{
		Output: map[string]any{"registered": in.Name, "availableNextTurn": true},
		State:  out,
	}, nil
}

func handleListTools(s *State, node string) (*MetaResult, error) {
	n := s.Machine.NodeByName(node)
	if n == nil {
		return nil, fmt.Errorf("unknown node %q", node)
	}
	var names []string
	for _, d := range SynthesizeTools(s, n) {
		names = append(names, d.Name)
	}
	return &MetaResult{Output: map[string]any{"tools": names}, State: s.Clone()}, nil
}

func handleGetToolNodes(s *State) (*MetaResult, error) {
	var nodes []map[string]any
	for i := range s.Machine.Nodes {
		n := &s.Machine.Nodes[i]
		if !machine.IsTool(n.Annotations) {
			continue
		}
		nodes = append(nodes, map[string]any{
			"name":        n.Name,
			"description": n.Prompt(),
		})
	}
	return &MetaResult{Output: map[string]any{"nodes": nodes}, State: s.Clone()}, nil
}

func handleBuildToolFromNode(s *State, args []byte) (*MetaResult, error) {
	var in struct {
		Node string `json:"node"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode build_tool_from_node arguments: %w", err)
	}
	n := s.Machine.NodeByName(in.Node)
	if n == nil {
		return nil, fmt.Errorf("unknown node %q", in.Node)
	}
	if !machine.IsTool(n.Annotations) {
		return nil, fmt.Errorf("node %q is not a tool definition", in.Node)
	}
	dt := toolFromNode(n)
	out := RegisterDynamicTool(s, dt)
	return &MetaResult{
		Output: map[string]any{"registered": dt.Declaration.Name, "availableNextTurn": true},
		State:  out,
	}, nil
}

// toolFromNode materializes a dynamic tool from a tool-definition
// node: every plain attribute becomes an input property and the
// reserved "output" attribute becomes the result template.
func toolFromNode(n *machine.Node) DynamicTool {
	schema := &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{}}
	var outputTemplate string
	for i := range n.Attributes {
		a := &n.Attributes[i]
		switch a.Name {
		case "prompt", "desc":
			continue
		case "output":
			outputTemplate = a.Value
			continue
		}
		schema.Properties[a.Name] = schemaForValue(a.Parsed())
		schema.Required = append(schema.Required, a.Name)
	}
	return DynamicTool{
		Declaration: tool.Declaration{
			Name:        SanitizeToolName(n.Name),
			Description: n.Prompt(),
			InputSchema: schema,
		},
		SourceNode:     n.Name,
		OutputTemplate: outputTemplate,
	}
}

func schemaForValue(v any) *tool.Schema {
	switch v.(type) {
	case bool:
		return &tool.Schema{Type: "boolean"}
	case int64, float64:
		return &tool.Schema{Type: "number"}
	case []any:
		return &tool.Schema{Type: "array"}
	case map[string]any:
		return &tool.Schema{Type: "object"}
	default:
		return &tool.Schema{Type: "string"}
	}
}

func handleProposeImprovement(s *State, args []byte) (*MetaResult, error) {
	var in struct {
		Tool     string `json:"tool"`
		Proposal string `json:"proposal"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode propose_tool_improvement arguments: %w", err)
	}
	if in.Tool == "" || in.Proposal == "" {
		return nil, fmt.Errorf("propose_tool_improvement requires tool and proposal")
	}
	out := UpdateContextState(s, proposalsContext, map[string]any{in.Tool: in.Proposal})
	return &MetaResult{
		Output: map[string]any{"recorded": true},
		State:  out,
	}, nil
}

// proposalsContext is the synthetic context bucket recording tool
// improvement proposals for later inspection.
const proposalsContext = "__tool_proposals"
