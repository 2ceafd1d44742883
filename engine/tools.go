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
	"regexp"
	"sort"
	"strings"

	"github.com/dygram-ai/dygram-go/machine"
	"github.com/dygram-ai/dygram-go/tool"
)

// Tool name prefixes. The effect executor dispatches tool calls by
// these prefixes, so synthesis and dispatch must agree on them.
const (
	ToolPrefixTransition = "transition_to_"
	ToolPrefixSpawn      = "spawn_async_to_"
	ToolPrefixMapSpawn   = "map_spawn_to_"
	ToolPrefixRead       = "read_"
	ToolPrefixWrite      = "write_"
)

// Meta-tool names, offered only on nodes annotated @meta.
const (
	MetaGetMachineDefinition = "get_machine_definition"
	MetaUpdateDefinition     = "update_definition"
	MetaConstructTool        = "construct_tool"
	MetaListAvailableTools   = "list_available_tools"
	MetaGetToolNodes         = "get_tool_nodes"
	MetaBuildToolFromNode    = "build_tool_from_node"
	MetaProposeImprovement   = "propose_tool_improvement"
)

var toolNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeToolName maps a node name onto the tool-name alphabet.
func SanitizeToolName(name string) string {
	return strings.Trim(toolNameSanitizer.ReplaceAllString(name, "_"), "_")
}

// NodeForToolSuffix finds the machine node whose sanitized name
// matches the suffix of a dispatched tool name.
func NodeForToolSuffix(m *machine.Machine, suffix string) *machine.Node {
	for i := range m.Nodes {
		if SanitizeToolName(m.Nodes[i].Name) == suffix {
			return &m.Nodes[i]
		}
	}
	return nil
}

// RequiresAgent reports whether a node needs an agent decision: a task
// carrying a prompt.
func RequiresAgent(n *machine.Node) bool {
	switch n.Type {
	case machine.NodeTypeTask, "":
		return n.HasPrompt()
	}
	return false
}

// SynthesizeTools builds the tool declarations offered to the agent at
// a node: a transition tool per non-automated edge, spawn and fan-out
// tools for @async and @map edges, context accessors per permitted
// context node, the meta-tools on @meta nodes, and every registered
// dynamic tool.
func SynthesizeTools(s *State, n *machine.Node) []tool.Declaration {
	var decls []tool.Declaration
	for _, e := range NonAutomatedEdges(s.Machine, n.Name) {
		decls = append(decls, transitionDeclaration(&e))
	}
	for _, e := range controlEdges(s.Machine, n.Name) {
		if machine.AsyncFor(e.Annotations) != nil {
			decls = append(decls, spawnDeclaration(&e))
		}
		if mc := machine.MapFor(e.Annotations); mc != nil {
			decls = append(decls, mapSpawnDeclaration(&e, mc))
		}
	}
	perms := ContextPermissions(s.Machine, n.Name)
	ctxNames := make([]string, 0, len(perms))
	for name := range perms {
		ctxNames = append(ctxNames, name)
	}
	sort.Strings(ctxNames)
	for _, name := range ctxNames {
		perm := perms[name]
		if perm.Read {
			decls = append(decls, readDeclaration(s.Machine, name, perm))
		}
		if perm.Write {
			decls = append(decls, writeDeclaration(s.Machine, name, perm))
		}
	}
	if machine.IsMeta(n.Annotations) {
		decls = append(decls, MetaToolDeclarations()...)
	}
	for i := range s.DynamicTools {
		decls = append(decls, s.DynamicTools[i].Declaration)
	}
	return decls
}

func transitionDeclaration(e *machine.Edge) tool.Declaration {
	desc := fmt.Sprintf("Transition to %q.", e.Target)
	if e.Label != "" {
		desc = fmt.Sprintf("Transition to %q: %s.", e.Target, strings.TrimSuffix(e.Label, "."))
	}
	return tool.Declaration{
		Name:        ToolPrefixTransition + SanitizeToolName(e.Target),
		Description: desc,
		InputSchema: &tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				"output": {Type: "string", Description: "Result to record on the transition."},
			},
		},
	}
}

func spawnDeclaration(e *machine.Edge) tool.Declaration {
	return tool.Declaration{
		Name:        ToolPrefixSpawn + SanitizeToolName(e.Target),
		Description: fmt.Sprintf("Spawn a concurrent path at %q and continue here.", e.Target),
		InputSchema: &tool.Schema{Type: "object"},
	}
}

func mapSpawnDeclaration(e *machine.Edge, mc *machine.MapConfig) tool.Declaration {
	desc := fmt.Sprintf("Fan out one path per item to %q.", e.Target)
	if mc.Source != "" {
		desc = fmt.Sprintf("Fan out one path per item of %s to %q.", mc.Source, e.Target)
	}
	return tool.Declaration{
		Name:        ToolPrefixMapSpawn + SanitizeToolName(e.Target),
		Description: desc,
		InputSchema: &tool.Schema{
			Type: "object",
			Properties: map[string]*tool.Schema{
				"source": {Type: "string", Description: "Qualified name of the list to fan out over, overriding the default."},
			},
		},
	}
}

func readDeclaration(m *machine.Machine, ctxName string, perm Permission) tool.Declaration {
	desc := fmt.Sprintf("Read the %q context object.", ctxName)
	if len(perm.Fields) > 0 {
		desc = fmt.Sprintf("Read fields %s of the %q context object.", strings.Join(perm.Fields, ", "), ctxName)
	}
	return tool.Declaration{
		Name:        ToolPrefixRead + SanitizeToolName(ctxName),
		Description: desc,
		InputSchema: &tool.Schema{Type: "object"},
	}
}

func writeDeclaration(m *machine.Machine, ctxName string, perm Permission) tool.Declaration {
	props := map[string]*tool.Schema{}
	if n := m.NodeByName(ctxName); n != nil {
		for i := range n.Attributes {
			a := &n.Attributes[i]
			if len(perm.Fields) > 0 && !contains(perm.Fields, a.Name) {
				continue
			}
			props[a.Name] = &tool.Schema{Description: fmt.Sprintf("New value of %s.", a.Name)}
		}
	}
	return tool.Declaration{
		Name:        ToolPrefixWrite + SanitizeToolName(ctxName),
		Description: fmt.Sprintf("Write fields of the %q context object.", ctxName),
		InputSchema: &tool.Schema{Type: "object", Properties: props},
	}
}

// MetaToolDeclarations lists the machine-manipulation tools offered on
// @meta nodes. Their handlers live in the meta-tool manager.
func MetaToolDeclarations() []tool.Declaration {
	return []tool.Declaration{
		{
			Name:        MetaGetMachineDefinition,
			Description: "Return the current machine definition as JSON.",
			InputSchema: &tool.Schema{Type: "object"},
		},
		{
			Name:        MetaUpdateDefinition,
			Description: "Replace the machine definition with the given JSON document. Takes effect immediately.",
			InputSchema: &tool.Schema{
				Type: "object",
				Properties: map[string]*tool.Schema{
					"definition": {Type: "object", Description: "Complete machine definition."},
				},
				Required: []string{"definition"},
			},
		},
		{
			Name:        MetaConstructTool,
			Description: "Register a new dynamic tool available from the next turn on.",
			InputSchema: &tool.Schema{
				Type: "object",
				Properties: map[string]*tool.Schema{
					"name":        {Type: "string", Description: "Tool name."},
					"description": {Type: "string", Description: "What the tool does."},
					"inputSchema": {Type: "object", Description: "JSON schema of the tool input."},
				},
				Required: []string{"name"},
			},
		},
		{
			Name:        MetaListAvailableTools,
			Description: "List every tool currently available, including dynamic ones.",
			InputSchema: &tool.Schema{Type: "object"},
		},
		{
			Name:        MetaGetToolNodes,
			Description: "List the machine nodes marked as tool definitions.",
			InputSchema: &tool.Schema{Type: "object"},
		},
		{
			Name:        MetaBuildToolFromNode,
			Description: "Materialize a dynamic tool from a tool-definition node's attributes.",
			InputSchema: &tool.Schema{
				Type: "object",
				Properties: map[string]*tool.Schema{
					"node": {Type: "string", Description: "Name of the tool-definition node."},
				},
				Required: []string{"node"},
			},
		},
		{
			Name:        MetaProposeImprovement,
			Description: "Record a proposed improvement to an existing tool.",
			InputSchema: &tool.Schema{
				Type: "object",
				Properties: map[string]*tool.Schema{
					"tool":     {Type: "string", Description: "Tool name."},
					"proposal": {Type: "string", Description: "Proposed change."},
				},
				Required: []string{"tool", "proposal"},
			},
		},
	}
}

// BuildSystemPrompt frames an agent turn: the node's own prompt, the
// readable context objects, and the transitions open to the agent.
func BuildSystemPrompt(s *State, p *Path, n *machine.Node) string {
	var b strings.Builder
	title := s.Machine.Title
	if title == "" {
		title = "workflow"
	}
	fmt.Fprintf(&b, "You are executing node %q of the %s.\n", n.Name, title)
	if prompt := n.Prompt(); prompt != "" {
		b.WriteString("\nTask:\n")
		b.WriteString(prompt)
		b.WriteString("\n")
	}
	perms := ContextPermissions(s.Machine, n.Name)
	ctxNames := make([]string, 0, len(perms))
	for name := range perms {
		if perms[name].Read {
			ctxNames = append(ctxNames, name)
		}
	}
	sort.Strings(ctxNames)
	if len(ctxNames) > 0 {
		b.WriteString("\nContext:\n")
		for _, name := range ctxNames {
			obj := ContextObject(s, name, perms[name])
			data, err := json.Marshal(obj)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", name, data)
		}
	}
	if p != nil && p.MapContext != nil {
		data, err := json.Marshal(p.MapContext.Item)
		if err == nil {
			fmt.Fprintf(&b, "\nYou are processing item %d: %s\n", p.MapContext.Index, data)
		}
	}
	edges := NonAutomatedEdges(s.Machine, n.Name)
	if len(edges) > 0 {
		b.WriteString("\nWhen finished, choose exactly one transition:\n")
		for _, e := range edges {
			if e.Label != "" {
				fmt.Fprintf(&b, "  - %s%s: %s\n", ToolPrefixTransition, SanitizeToolName(e.Target), e.Label)
			} else {
				fmt.Fprintf(&b, "  - %s%s\n", ToolPrefixTransition, SanitizeToolName(e.Target))
			}
		}
	} else {
		b.WriteString("\nThis node has no outbound transitions; finish by responding with your result.\n")
	}
	return b.String()
}
