//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package openai provides an OpenAI-compatible model implementation.
// It works against any endpoint speaking the chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dygram-ai/dygram-go/log"
	"github.com/dygram-ai/dygram-go/model"
	"github.com/dygram-ai/dygram-go/tool"
)

const functionToolType = "function"

// Model implements the model.Model interface for OpenAI-compatible APIs.
type Model struct {
	client            openai.Client
	name              string
	channelBufferSize int
}

// Option configures a Model.
type Option func(*opts)

type opts struct {
	apiKey            string
	baseURL           string
	channelBufferSize int
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *opts) { o.apiKey = key }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(o *opts) { o.baseURL = url }
}

// WithChannelBufferSize sets the response channel buffer size.
func WithChannelBufferSize(size int) Option {
	return func(o *opts) { o.channelBufferSize = size }
}

// New creates a new OpenAI-compatible model adapter.
func New(name string, options ...Option) *Model {
	o := opts{channelBufferSize: 16}
	for _, opt := range options {
		opt(&o)
	}
	var clientOpts []option.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(o.baseURL))
	}
	return &Model{
		client:            openai.NewClient(clientOpts...),
		name:              name,
		channelBufferSize: o.channelBufferSize,
	}
}

// Info returns the model information.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// GenerateContent generates content from the model. The returned
// channel yields exactly one final response.
func (m *Model) GenerateContent(ctx context.Context, request *model.Request) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
		Tools:    convertTools(request.Tools),
	}
	if request.MaxTokens > 0 {
		chatRequest.MaxCompletionTokens = openai.Int(int64(request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	responseChan := make(chan *model.Response, m.channelBufferSize)
	go func() {
		defer close(responseChan)
		completion, err := m.client.Chat.Completions.New(ctx, chatRequest)
		rsp := &model.Response{Timestamp: time.Now(), Done: true}
		if err != nil {
			rsp.Error = &model.ResponseError{Message: err.Error(), Type: model.ErrorTypeAPI}
		} else {
			rsp.ID = completion.ID
			rsp.Model = completion.Model
			for _, choice := range completion.Choices {
				finishReason := string(choice.FinishReason)
				rsp.Choices = append(rsp.Choices, model.Choice{
					Index:        int(choice.Index),
					Message:      convertCompletionMessage(choice.Message),
					FinishReason: &finishReason,
				})
			}
			if completion.Usage.TotalTokens > 0 {
				rsp.Usage = &model.Usage{
					PromptTokens:     int(completion.Usage.PromptTokens),
					CompletionTokens: int(completion.Usage.CompletionTokens),
					TotalTokens:      int(completion.Usage.TotalTokens),
				}
			}
		}
		select {
		case responseChan <- rsp:
		case <-ctx.Done():
		}
	}()
	return responseChan, nil
}

func convertCompletionMessage(msg openai.ChatCompletionMessage) model.Message {
	out := model.Message{Role: model.RoleAssistant, Content: msg.Content}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Type: functionToolType,
			ID:   call.ID,
			Function: model.FunctionDefinitionParam{
				Name:      call.Function.Name,
				Arguments: []byte(call.Function.Arguments),
			},
		})
	}
	return out
}

// convertMessages converts engine messages to OpenAI's format.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			assistantMsg := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistantMsg.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Function.Name,
						Arguments: string(call.Function.Arguments),
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})
		case model.RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// convertTools converts tool declarations via their JSON schema.
func convertTools(tools map[string]tool.Tool) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range tools {
		declaration := t.Declaration()
		schemaBytes, err := json.Marshal(declaration.InputSchema)
		if err != nil {
			log.Errorf("failed to marshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		var parameters shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &parameters); err != nil {
			log.Errorf("failed to unmarshal tool schema for %s: %v", declaration.Name, err)
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        declaration.Name,
				Description: openai.String(declaration.Description),
				Parameters:  parameters,
			},
		})
	}
	return result
}
