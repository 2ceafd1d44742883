//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package function

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dygram-ai/dygram-go/tool"
)

type lookupInput struct {
	Ticket string `json:"ticket" description:"ticket identifier"`
	Limit  int    `json:"limit,omitempty"`
}

type lookupOutput struct {
	Status string `json:"status"`
}

func TestFunctionToolCall(t *testing.T) {
	ft := New(func(ctx context.Context, in lookupInput) (lookupOutput, error) {
		return lookupOutput{Status: "open:" + in.Ticket}, nil
	}, WithName("lookup_ticket"), WithDescription("look up a ticket"))

	out, err := ft.Call(context.Background(), []byte(`{"ticket": "T-42"}`))
	require.NoError(t, err)
	assert.Equal(t, lookupOutput{Status: "open:T-42"}, out)

	_, err = ft.Call(context.Background(), []byte(`{"ticket": 7}`))
	require.Error(t, err)
}

func TestFunctionToolCallPropagatesError(t *testing.T) {
	sentinel := errors.New("backend down")
	ft := New(func(ctx context.Context, in lookupInput) (lookupOutput, error) {
		return lookupOutput{}, sentinel
	}, WithName("lookup_ticket"))

	_, err := ft.Call(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, sentinel)
}

func TestDeclaration(t *testing.T) {
	ft := New(func(ctx context.Context, in lookupInput) (lookupOutput, error) {
		return lookupOutput{}, nil
	}, WithName("lookup_ticket"), WithDescription("look up a ticket"))

	d := ft.Declaration()
	assert.Equal(t, "lookup_ticket", d.Name)
	assert.Equal(t, "look up a ticket", d.Description)
	require.NotNil(t, d.InputSchema)
	assert.Equal(t, "object", d.InputSchema.Type)
	assert.Equal(t, "string", d.InputSchema.Properties["ticket"].Type)
	assert.Equal(t, "ticket identifier", d.InputSchema.Properties["ticket"].Description)
	// omitempty fields stay optional.
	assert.Equal(t, []string{"ticket"}, d.InputSchema.Required)
	require.NotNil(t, d.OutputSchema)
	assert.Equal(t, "string", d.OutputSchema.Properties["status"].Type)
}

func TestDeclarationCustomSchema(t *testing.T) {
	custom := &tool.Schema{Type: "object", Description: "hand-written"}
	ft := New(func(ctx context.Context, in lookupInput) (lookupOutput, error) {
		return lookupOutput{}, nil
	}, WithName("lookup_ticket"), WithInputSchema(custom))

	assert.Same(t, custom, ft.Declaration().InputSchema)
}

func TestGenerateSchema(t *testing.T) {
	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{"bool", reflect.TypeOf(true), "boolean"},
		{"int", reflect.TypeOf(0), "integer"},
		{"float", reflect.TypeOf(0.0), "number"},
		{"string", reflect.TypeOf(""), "string"},
		{"slice", reflect.TypeOf([]string{}), "array"},
		{"map", reflect.TypeOf(map[string]any{}), "object"},
		{"nil", nil, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GenerateSchema(tt.typ).Type)
		})
	}

	s := GenerateSchema(reflect.TypeOf([]lookupInput{}))
	require.NotNil(t, s.Items)
	assert.Equal(t, "object", s.Items.Type)
	assert.Contains(t, s.Items.Properties, "limit")
}
