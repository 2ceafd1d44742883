//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package function provides function-based tool implementations.
package function

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/tool"
)

// FunctionTool wraps a Go function as a CallableTool. Arguments are
// decoded from JSON into I; the result O is returned as-is.
type FunctionTool[I, O any] struct {
	name         string
	description  string
	inputSchema  *tool.Schema
	outputSchema *tool.Schema
	fn           func(context.Context, I) (O, error)
}

// Option configures a FunctionTool.
type Option func(*options)

type options struct {
	name         string
	description  string
	inputSchema  *tool.Schema
	outputSchema *tool.Schema
}

// WithName sets the name of the function tool. Tool names must match
// ^[a-zA-Z0-9_-]+$ for model API compatibility.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDescription sets the description of the function tool.
func WithDescription(description string) Option {
	return func(o *options) { o.description = description }
}

// WithInputSchema sets a custom input schema, skipping automatic
// schema generation.
func WithInputSchema(schema *tool.Schema) Option {
	return func(o *options) { o.inputSchema = schema }
}

// WithOutputSchema sets a custom output schema, skipping automatic
// schema generation.
func WithOutputSchema(schema *tool.Schema) Option {
	return func(o *options) { o.outputSchema = schema }
}

// New creates a FunctionTool wrapping fn.
func New[I, O any](fn func(context.Context, I) (O, error), opts ...Option) *FunctionTool[I, O] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		log.Warnf("function tool created without a name")
	}
	var (
		emptyI I
		emptyO O
	)
	if o.inputSchema == nil {
		o.inputSchema = GenerateSchema(reflect.TypeOf(emptyI))
	}
	if o.outputSchema == nil {
		o.outputSchema = GenerateSchema(reflect.TypeOf(emptyO))
	}
	return &FunctionTool[I, O]{
		name:         o.name,
		description:  o.description,
		inputSchema:  o.inputSchema,
		outputSchema: o.outputSchema,
		fn:           fn,
	}
}

// Call executes the function with JSON-decoded arguments.
func (ft *FunctionTool[I, O]) Call(ctx context.Context, jsonArgs []byte) (any, error) {
	var input I
	if len(jsonArgs) > 0 {
		if err := json.Unmarshal(jsonArgs, &input); err != nil {
			return nil, err
		}
	}
	return ft.fn(ctx, input)
}

// Declaration returns the tool's declaration.
func (ft *FunctionTool[I, O]) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:         ft.name,
		Description:  ft.description,
		InputSchema:  ft.inputSchema,
		OutputSchema: ft.outputSchema,
	}
}

// GenerateSchema derives a JSON schema from a Go type via reflection.
// Struct fields use their json tags; unexported and "-" fields are
// skipped.
func GenerateSchema(t reflect.Type) *tool.Schema {
	if t == nil {
		return &tool.Schema{Type: "object"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return &tool.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &tool.Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &tool.Schema{Type: "number"}
	case reflect.String:
		return &tool.Schema{Type: "string"}
	case reflect.Slice, reflect.Array:
		return &tool.Schema{Type: "array", Items: GenerateSchema(t.Elem())}
	case reflect.Map:
		return &tool.Schema{Type: "object"}
	case reflect.Struct:
		s := &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{}}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = f.Name
			}
			prop := GenerateSchema(f.Type)
			if desc := f.Tag.Get("description"); desc != "" {
				prop.Description = desc
			}
			s.Properties[name] = prop
			if !strings.Contains(opts, "omitempty") && f.Type.Kind() != reflect.Ptr {
				s.Required = append(s.Required, name)
			}
		}
		return s
	default:
		return &tool.Schema{}
	}
}
