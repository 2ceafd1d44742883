//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"time"

	"github.com/dygram-ai/dygram-go/tool"
)

// EffectType discriminates the effect variants a step can emit.
type EffectType string

const (
	// EffectInvokeLLM requests an agent turn for a path.
	EffectInvokeLLM EffectType = "invoke_llm"
	// EffectCodeTask requests execution of a code task.
	EffectCodeTask EffectType = "code_task"
	// EffectLog requests an execution log line.
	EffectLog EffectType = "log"
	// EffectCheckpoint requests a durable state snapshot.
	EffectCheckpoint EffectType = "checkpoint"
	// EffectComplete signals that the whole execution finished.
	EffectComplete EffectType = "complete"
	// EffectError reports a step-level failure.
	EffectError EffectType = "error"
)

// Effect is a request for the executor to perform work the pure step
// function cannot. Effects carry everything the executor needs; the
// executor never re-derives decisions the step already made.
type Effect struct {
	Type EffectType `json:"type"`

	// PathID names the path the effect belongs to, where applicable.
	PathID string `json:"pathId,omitempty"`
	// NodeName is the node the effect originates from.
	NodeName string `json:"nodeName,omitempty"`

	// Prompt is the task prompt for an InvokeLLM effect.
	Prompt string `json:"prompt,omitempty"`
	// SystemPrompt frames the agent turn for an InvokeLLM effect.
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Tools are the declarations offered to the agent.
	Tools []tool.Declaration `json:"tools,omitempty"`
	// ModelID overrides the configured model for this invocation.
	ModelID string `json:"modelId,omitempty"`

	// Command is the shell command of a CodeTask effect.
	Command string `json:"command,omitempty"`
	// Timeout bounds a CodeTask or InvokeLLM effect.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Message is the log line or error message.
	Message string `json:"message,omitempty"`
	// Level is the log level of a Log effect.
	Level string `json:"level,omitempty"`

	// Recoverable marks an Error effect the error-handling policy may
	// absorb rather than abort on.
	Recoverable bool `json:"recoverable,omitempty"`
}

// StepStatus summarizes the execution after a step.
type StepStatus string

const (
	// StepContinue means at least one path advanced and work remains.
	StepContinue StepStatus = "continue"
	// StepWaiting means at least one path is suspended on a barrier or
	// an agent turn.
	StepWaiting StepStatus = "waiting"
	// StepComplete means every path reached a terminal status without
	// failure.
	StepComplete StepStatus = "complete"
	// StepError means at least one path failed and the error-handling
	// policy stopped the run.
	StepError StepStatus = "error"
)

// StepResult is the outcome of one pure step: the successor state, the
// effects the executor must perform, and the aggregate status.
type StepResult struct {
	State   *State
	Effects []Effect
	Status  StepStatus
}

// invokeLLMEffect builds the agent-turn effect for a node.
func invokeLLMEffect(pathID, node, prompt, system string, decls []tool.Declaration, modelID string, timeout time.Duration) Effect {
	return Effect{
		Type:         EffectInvokeLLM,
		PathID:       pathID,
		NodeName:     node,
		Prompt:       prompt,
		SystemPrompt: system,
		Tools:        decls,
		ModelID:      modelID,
		Timeout:      timeout,
	}
}

func logEffect(pathID, node, level, msg string) Effect {
	return Effect{Type: EffectLog, PathID: pathID, NodeName: node, Level: level, Message: msg}
}

func checkpointEffect(node string) Effect {
	return Effect{Type: EffectCheckpoint, NodeName: node}
}

func errorEffect(pathID, node, msg string, recoverable bool) Effect {
	return Effect{Type: EffectError, PathID: pathID, NodeName: node, Message: msg, Recoverable: recoverable}
}
