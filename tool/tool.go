//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package tool provides the tool interfaces exposed to language-model
// agents.
package tool

import "context"

// Tool is the interface that all tools must implement.
type Tool interface {
	// Declaration returns the tool's declaration exposed to the model.
	Declaration() *Declaration
}

// CallableTool is a tool that can be invoked with JSON arguments.
type CallableTool interface {
	Tool
	// Call executes the tool with json-encoded arguments and returns
	// the result. The engine accepts results of any shape and surfaces
	// them as tool-result entries.
	Call(ctx context.Context, jsonArgs []byte) (any, error)
}

// Declaration describes a tool to the model.
type Declaration struct {
	// Name is the tool name. Must match ^[a-zA-Z0-9_-]+$ for broad
	// model API compatibility.
	Name string `json:"name"`
	// Description tells the model what the tool does.
	Description string `json:"description"`
	// InputSchema is the JSON schema of the tool input.
	InputSchema *Schema `json:"input_schema,omitempty"`
	// OutputSchema is the JSON schema of the tool output.
	OutputSchema *Schema `json:"output_schema,omitempty"`
}

// Schema is a JSON-schema fragment describing tool parameters.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Default              any                `json:"default,omitempty"`
	AdditionalProperties any                `json:"additionalProperties,omitempty"`
}
