//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package model provides interfaces for working with language models.
package model

import "context"

// Model is the interface for all language models. Responses stream on
// the returned channel; the final response carries Done=true.
type Model interface {
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)
	// Info returns descriptive information about the model.
	Info() Info
}

// Info describes a model.
type Info struct {
	// Name is the model identifier, e.g. "claude-sonnet-4-5".
	Name string
}
