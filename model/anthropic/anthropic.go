//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

// Package anthropic provides an Anthropic-backed model implementation.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/dygram-ai/dygram-go/model"
	"github.com/dygram-ai/dygram-go/tool"
)

const functionToolType = "function"

// Model implements the model.Model interface for the Anthropic API.
type Model struct {
	client            anthropic.Client
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

// WithAPIKey sets the API key. Defaults to the SDK's environment
// lookup when unset.
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

// New creates a new Anthropic model adapter.
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
		client:            anthropic.NewClient(clientOpts...),
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
	chatRequest, err := m.buildChatRequest(request)
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	responseChan := make(chan *model.Response, m.channelBufferSize)
	go func() {
		defer close(responseChan)
		message, err := m.client.Messages.New(ctx, *chatRequest)
		if err != nil {
			rsp := &model.Response{
				Timestamp: time.Now(),
				Done:      true,
				Error:     &model.ResponseError{Message: err.Error(), Type: model.ErrorTypeAPI},
			}
			select {
			case responseChan <- rsp:
			case <-ctx.Done():
			}
			return
		}
		rsp := &model.Response{
			ID:        message.ID,
			Model:     string(message.Model),
			Timestamp: time.Now(),
			Done:      true,
			Choices:   []model.Choice{{Index: 0, Message: convertContentBlocks(message.Content)}},
		}
		if finishReason := strings.TrimSpace(string(message.StopReason)); finishReason != "" {
			rsp.Choices[0].FinishReason = &finishReason
		}
		if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
			rsp.Usage = &model.Usage{
				PromptTokens:     int(message.Usage.InputTokens),
				CompletionTokens: int(message.Usage.OutputTokens),
				TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
			}
		}
		select {
		case responseChan <- rsp:
		case <-ctx.Done():
		}
	}()
	return responseChan, nil
}

func (m *Model) buildChatRequest(request *model.Request) (*anthropic.MessageNewParams, error) {
	messages, systemPrompts := convertMessages(request.Messages)
	if len(messages) == 0 {
		return nil, errors.New("request must include at least one message")
	}
	chatRequest := &anthropic.MessageNewParams{
		Model:    anthropic.Model(m.name),
		Messages: messages,
		Tools:    convertTools(request.Tools),
	}
	if len(systemPrompts) > 0 {
		chatRequest.System = systemPrompts
	}
	chatRequest.MaxTokens = int64(request.MaxTokens)
	if chatRequest.MaxTokens == 0 {
		chatRequest.MaxTokens = 4096
	}
	if request.Temperature != nil {
		chatRequest.Temperature = anthropic.Float(*request.Temperature)
	}
	return chatRequest, nil
}

// convertContentBlocks folds assistant content blocks into a message.
func convertContentBlocks(contents []anthropic.ContentBlockUnion) model.Message {
	var (
		textBuilder strings.Builder
		toolCalls   []model.ToolCall
	)
	for _, content := range contents {
		switch block := content.AsAny().(type) {
		case anthropic.TextBlock:
			textBuilder.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, model.ToolCall{
				Type: functionToolType,
				ID:   block.ID,
				Function: model.FunctionDefinitionParam{
					Name:      block.Name,
					Arguments: block.Input,
				},
			})
		}
	}
	return model.Message{
		Role:      model.RoleAssistant,
		Content:   textBuilder.String(),
		ToolCalls: toolCalls,
	}
}

// convertTools maps tool declarations to Anthropic tool parameters in
// stable name order.
func convertTools(tools map[string]tool.Tool) []anthropic.ToolUnionParam {
	toolNames := make([]string, 0, len(tools))
	for name := range tools {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)
	var result []anthropic.ToolUnionParam
	for _, name := range toolNames {
		declaration := tools[name].Declaration()
		schema := declaration.InputSchema
		if schema == nil {
			schema = &tool.Schema{Type: "object"}
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        declaration.Name,
				Description: anthropic.String(declaration.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       constant.Object(schema.Type),
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return result
}

// convertMessages builds Anthropic message parameters and system
// prompts. Tool results become user messages carrying a tool-result
// block.
func convertMessages(messages []model.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	conversation := make([]anthropic.MessageParam, 0, len(messages))
	var systemPrompts []anthropic.TextBlockParam
	for _, message := range messages {
		switch message.Role {
		case model.RoleSystem:
			if message.Content != "" {
				systemPrompts = append(systemPrompts, anthropic.TextBlockParam{Text: message.Content})
			}
		case model.RoleAssistant:
			conversation = append(conversation, convertAssistantMessage(message))
		case model.RoleTool:
			conversation = append(conversation, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(message.ToolID, message.Content, message.IsError)))
		default:
			if message.Content != "" {
				conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(message.Content)))
			}
		}
	}
	return conversation, systemPrompts
}

func convertAssistantMessage(message model.Message) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(message.ToolCalls))
	if message.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(message.Content))
	}
	for _, toolCall := range message.ToolCalls {
		blocks = append(blocks, anthropic.NewToolUseBlock(
			toolCall.ID,
			decodeToolArguments(toolCall.Function.Arguments),
			toolCall.Function.Name,
		))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// decodeToolArguments parses JSON bytes, returning an empty object on
// failure.
func decodeToolArguments(args []byte) any {
	if len(args) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}
