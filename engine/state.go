//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package engine implements the dygram execution core: a pure step
// function over an immutable execution state, the effect executor
// that performs the resulting effects, and the multi-turn agent loop.
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dygram-ai/dygram-go/machine"
	"github.com/dygram-ai/dygram-go/model"
	"github.com/dygram-ai/dygram-go/tool"
)

// Version is the schema version stamped on every execution state.
const Version = "2.0.0"

// PathStatus is the lifecycle status of a path.
type PathStatus string

// Path status values.
const (
	PathActive    PathStatus = "active"
	PathWaiting   PathStatus = "waiting"
	PathCompleted PathStatus = "completed"
	PathFailed    PathStatus = "failed"
	PathCancelled PathStatus = "cancelled"
)

// Transition is one history record of a path.
type Transition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Transition string    `json:"transition"`
	Timestamp  time.Time `json:"timestamp"`
	Output     any       `json:"output,omitempty"`
}

// StateVisit records a visit to a state node, feeding cycle detection.
type StateVisit struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// MapContext carries the fan-out coordinates of a mapped path.
type MapContext struct {
	SourcePathID string `json:"sourcePathId"`
	MapSource    string `json:"mapSource"`
	Item         any    `json:"item"`
	Index        int    `json:"index"`
	GroupID      string `json:"groupId"`
}

// Path is one independent flow through the machine.
type Path struct {
	ID                   string         `json:"id"`
	Seq                  int            `json:"seq"`
	CurrentNode          string         `json:"currentNode"`
	Status               PathStatus     `json:"status"`
	History              []Transition   `json:"history"`
	StepCount            int            `json:"stepCount"`
	NodeInvocationCounts map[string]int `json:"nodeInvocationCounts,omitempty"`
	StateTransitions     []StateVisit   `json:"stateTransitions,omitempty"`
	StartTime            time.Time      `json:"startTime"`
	MapContext           *MapContext    `json:"mapContext,omitempty"`
}

// Clone returns a deep copy of the path.
func (p *Path) Clone() *Path {
	out := *p
	out.History = append([]Transition(nil), p.History...)
	out.StateTransitions = append([]StateVisit(nil), p.StateTransitions...)
	if p.NodeInvocationCounts != nil {
		out.NodeInvocationCounts = make(map[string]int, len(p.NodeInvocationCounts))
		for k, v := range p.NodeInvocationCounts {
			out.NodeInvocationCounts[k] = v
		}
	}
	if p.MapContext != nil {
		mc := *p.MapContext
		out.MapContext = &mc
	}
	return &out
}

// Barrier is a named rendezvous where required paths wait until all
// have arrived. A barrier is terminal once released.
type Barrier struct {
	RequiredPaths  []string `json:"requiredPaths"`
	WaitingPaths   []string `json:"waitingPaths"`
	IsReleased     bool     `json:"isReleased"`
	Merge          bool     `json:"merge"`
	RequiredGroups []string `json:"requiredGroups,omitempty"`
}

// Clone returns a deep copy of the barrier.
func (b *Barrier) Clone() *Barrier {
	out := *b
	out.RequiredPaths = append([]string(nil), b.RequiredPaths...)
	out.WaitingPaths = append([]string(nil), b.WaitingPaths...)
	out.RequiredGroups = append([]string(nil), b.RequiredGroups...)
	return &out
}

// Limits bound a run; zero values disable the corresponding limit.
type Limits struct {
	MaxSteps             int           `json:"maxSteps,omitempty"`
	MaxNodeInvocations   int           `json:"maxNodeInvocations,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	CycleDetectionWindow int           `json:"cycleDetectionWindow,omitempty"`
}

// DefaultLimits returns the default execution limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:             1000,
		MaxNodeInvocations:   100,
		CycleDetectionWindow: 20,
	}
}

// Metadata aggregates run-level counters.
type Metadata struct {
	StepCount   int           `json:"stepCount"`
	StartTime   time.Time     `json:"startTime"`
	ElapsedTime time.Duration `json:"elapsedTime"`
	ErrorCount  int           `json:"errorCount"`
	Errors      []string      `json:"errors,omitempty"`
}

// ToolExecution records one tool dispatch within a turn.
type ToolExecution struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    any             `json:"output,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ConversationState is the message history of an in-flight agent
// conversation.
type ConversationState struct {
	Messages        []model.Message    `json:"messages"`
	Tools           []tool.Declaration `json:"tools"`
	ToolExecutions  []ToolExecution    `json:"toolExecutions,omitempty"`
	AccumulatedText string             `json:"accumulatedText,omitempty"`
}

// TurnState is an agent conversation in progress, serialized with the
// rest of the state so a suspended turn can resume across restarts.
type TurnState struct {
	PathID           string            `json:"pathId"`
	NodeName         string            `json:"nodeName"`
	Conversation     ConversationState `json:"conversationState"`
	TurnCount        int               `json:"turnCount"`
	IsWaitingForTurn bool              `json:"isWaitingForTurn"`
	SystemPrompt     string            `json:"systemPrompt"`
	ModelID          string            `json:"modelId,omitempty"`
}

// Clone returns a deep copy of the turn state.
func (t *TurnState) Clone() *TurnState {
	out := *t
	out.Conversation.Messages = append([]model.Message(nil), t.Conversation.Messages...)
	out.Conversation.Tools = append([]tool.Declaration(nil), t.Conversation.Tools...)
	out.Conversation.ToolExecutions = append([]ToolExecution(nil), t.Conversation.ToolExecutions...)
	return &out
}

// DynamicTool is a dynamically constructed tool definition held in
// the meta-tool registry, optionally backed by a machine node.
type DynamicTool struct {
	Declaration tool.Declaration `json:"declaration"`
	// SourceNode names the machine node the tool was built from.
	SourceNode string `json:"sourceNode,omitempty"`
	// OutputTemplate renders the tool result from the input
	// environment, e.g. "sum is {{a}}".
	OutputTemplate string `json:"outputTemplate,omitempty"`
}

// State is the immutable execution state. All mutation flows through
// the pure constructors in builder.go; the machine snapshot pointer is
// shared between generations because snapshots are never mutated in
// place (UpdateMachineSnapshot installs a fresh one).
type State struct {
	Version      string                    `json:"version"`
	Machine      *machine.Machine          `json:"machineSnapshot"`
	Paths        []*Path                   `json:"paths"`
	Limits       Limits                    `json:"limits"`
	Metadata     Metadata                  `json:"metadata"`
	Context      map[string]map[string]any `json:"contextState"`
	Barriers     map[string]*Barrier       `json:"barriers"`
	Turn         *TurnState                `json:"turnState,omitempty"`
	DynamicTools []DynamicTool             `json:"dynamicTools,omitempty"`
	NextPathSeq  int                       `json:"nextPathSeq"`
}

// AgentResult is the outcome of an agent conversation applied back to
// the state.
type AgentResult struct {
	PathID   string `json:"pathId"`
	Output   string `json:"output"`
	NextNode string `json:"nextNode,omitempty"`
	// TransitionOutput is the output argument the agent passed to the
	// transition tool; it takes precedence over the accumulated text
	// when the transition is recorded.
	TransitionOutput any             `json:"transitionOutput,omitempty"`
	ToolExecutions   []ToolExecution `json:"toolExecutions,omitempty"`
}

// Clone returns a deep copy of the state. The machine snapshot is
// shared, see the State doc comment.
func (s *State) Clone() *State {
	out := &State{
		Version:     s.Version,
		Machine:     s.Machine,
		Limits:      s.Limits,
		Metadata:    s.Metadata,
		NextPathSeq: s.NextPathSeq,
	}
	out.Metadata.Errors = append([]string(nil), s.Metadata.Errors...)
	out.Paths = make([]*Path, len(s.Paths))
	for i, p := range s.Paths {
		out.Paths[i] = p.Clone()
	}
	out.Context = cloneContext(s.Context)
	out.Barriers = make(map[string]*Barrier, len(s.Barriers))
	for name, b := range s.Barriers {
		out.Barriers[name] = b.Clone()
	}
	if s.Turn != nil {
		out.Turn = s.Turn.Clone()
	}
	out.DynamicTools = append([]DynamicTool(nil), s.DynamicTools...)
	return out
}

func cloneContext(ctx map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(ctx))
	for name, fields := range ctx {
		dup := make(map[string]any, len(fields))
		for k, v := range fields {
			dup[k] = cloneValue(v)
		}
		out[name] = dup
	}
	return out
}

// cloneValue deep-copies JSON-shaped values. Scalars pass through.
func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Serialize encodes the state as JSON.
func (s *State) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize decodes a state from JSON and verifies its invariants.
func Deserialize(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("deserialize state: %w", err)
	}
	if s.Machine == nil {
		return nil, fmt.Errorf("deserialize state: missing machine snapshot")
	}
	if len(s.Paths) == 0 {
		return nil, fmt.Errorf("deserialize state: missing paths; legacy single-path states are not supported")
	}
	if s.Context == nil {
		s.Context = map[string]map[string]any{}
	}
	if s.Barriers == nil {
		s.Barriers = map[string]*Barrier{}
	}
	return &s, nil
}

// PathByID returns the path with the given id, or nil.
func (s *State) PathByID(id string) *Path {
	for _, p := range s.Paths {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ActivePaths returns the active paths in ascending id order. Paths
// are stored in creation order, which is id order.
func (s *State) ActivePaths() []*Path {
	var out []*Path
	for _, p := range s.Paths {
		if p.Status == PathActive {
			out = append(out, p)
		}
	}
	return out
}

// Terminal reports whether no path can make further progress.
func (s *State) Terminal() bool {
	for _, p := range s.Paths {
		if p.Status == PathActive || p.Status == PathWaiting {
			return false
		}
	}
	return true
}

// CheckInvariants verifies the structural invariants of the state.
// A violation is fatal: the engine emits an Error effect and halts.
func (s *State) CheckInvariants() error {
	total := 0
	for _, p := range s.Paths {
		if s.Machine.NodeByName(p.CurrentNode) == nil {
			return fmt.Errorf("path %s is at unknown node %q", p.ID, p.CurrentNode)
		}
		if p.StepCount != len(p.History) {
			return fmt.Errorf("path %s stepCount %d != history length %d", p.ID, p.StepCount, len(p.History))
		}
		if len(p.History) > 0 && p.CurrentNode != p.History[len(p.History)-1].To {
			return fmt.Errorf("path %s current node %q disagrees with history tail %q",
				p.ID, p.CurrentNode, p.History[len(p.History)-1].To)
		}
		total += p.StepCount
	}
	if s.Metadata.StepCount != total {
		return fmt.Errorf("metadata stepCount %d != sum of path steps %d", s.Metadata.StepCount, total)
	}
	for name, b := range s.Barriers {
		required := make(map[string]bool, len(b.RequiredPaths))
		for _, id := range b.RequiredPaths {
			required[id] = true
		}
		for _, id := range b.WaitingPaths {
			if !required[id] {
				return fmt.Errorf("barrier %q waiter %s not in required set", name, id)
			}
		}
		if b.IsReleased && len(b.WaitingPaths) != len(b.RequiredPaths) {
			return fmt.Errorf("barrier %q released with %d/%d waiters", name, len(b.WaitingPaths), len(b.RequiredPaths))
		}
	}
	for name := range s.Context {
		if strings.HasPrefix(name, "__") {
			// Engine-internal buckets are exempt.
			continue
		}
		n := s.Machine.NodeByName(name)
		if n == nil || n.Type != machine.NodeTypeContext {
			return fmt.Errorf("context state holds %q which is not a context node", name)
		}
	}
	return nil
}
