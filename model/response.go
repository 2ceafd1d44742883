//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package model

import (
	"errors"
	"time"
)

// ErrorTypeAPI marks API-level errors surfaced in a Response.
const ErrorTypeAPI = "api_error"

// ErrTransport reports that the model endpoint could not be reached
// or returned a malformed response. Transport errors are retried
// under @retry.
var ErrTransport = errors.New("model transport error")

// Choice represents a single completion choice.
type Choice struct {
	// Index is the index of the choice.
	Index int `json:"index"`
	// Message is the complete message content.
	Message Message `json:"message,omitempty"`
	// Delta is the incremental content for streaming responses.
	Delta Message `json:"delta,omitempty"`
	// FinishReason is the reason the choice finished: "stop",
	// "tool_use", "length", etc.
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseError carries API-level error information.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Response is the response from the model. For streaming requests
// multiple responses arrive; the last one carries Done=true.
type Response struct {
	// ID is the unique identifier for this response.
	ID string `json:"id"`
	// Model is the model used to generate the response.
	Model string `json:"model,omitempty"`
	// Choices contains the completion choices.
	Choices []Choice `json:"choices"`
	// Usage contains token usage information, may be nil mid-stream.
	Usage *Usage `json:"usage,omitempty"`
	// Error contains API-level error information if the request
	// failed after transport succeeded.
	Error *ResponseError `json:"error,omitempty"`
	// Timestamp is when this response chunk was produced.
	Timestamp time.Time `json:"timestamp"`
	// Done indicates the stream is complete.
	Done bool `json:"done"`
}
