//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package model

import "github.com/dygram-ai/dygram-go/tool"

// Role represents the author of a message.
type Role string

// Role constants.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a single message in a conversation.
type Message struct {
	// Role is the role of the message author.
	Role Role `json:"role"`
	// Content is the message content.
	Content string `json:"content,omitempty"`
	// ToolID is the ID of the tool call a tool-result answers.
	ToolID string `json:"tool_id,omitempty"`
	// ToolName is the name of the tool a tool-result answers.
	ToolName string `json:"tool_name,omitempty"`
	// ToolCalls is the optional tool calls for an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// IsError marks a tool-result that reports a tool failure. The
	// agent may recover from it.
	IsError bool `json:"is_error,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool-result message answering the given
// tool call.
func NewToolMessage(toolID, toolName, content string) Message {
	return Message{Role: RoleTool, ToolID: toolID, ToolName: toolName, Content: content}
}

// ToolCall represents a call to a tool in the model response.
type ToolCall struct {
	// Type of the tool. Currently only "function" is used.
	Type string `json:"type"`
	// Function is the function invocation.
	Function FunctionDefinitionParam `json:"function,omitempty"`
	// ID is the tool call id returned by the model.
	ID string `json:"id,omitempty"`
}

// FunctionDefinitionParam carries the invoked function name and its
// json-encoded arguments.
type FunctionDefinitionParam struct {
	Name      string `json:"name"`
	Arguments []byte `json:"arguments,omitempty"`
}

// GenerationConfig contains generation parameters.
type GenerationConfig struct {
	// MaxTokens limits the completion length.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Temperature controls sampling randomness.
	Temperature *float64 `json:"temperature,omitempty"`
	// Stream requests a streaming response.
	Stream bool `json:"stream,omitempty"`
}

// Request is the request to the model.
type Request struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// GenerationConfig contains the generation parameters.
	GenerationConfig `json:",inline"`

	// Tools are exposed to the model, keyed by name. Not serialized;
	// declarations are converted per provider.
	Tools map[string]tool.Tool `json:"-"`
}
