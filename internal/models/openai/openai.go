// Package openai implements models.Model against OpenAI's chat completions
// API (spec §6 Model backend).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/picobot-run/picobot/internal/models"
)

// Backend implements models.Model against OpenAI's chat completions API.
type Backend struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// Config configures a Backend.
type Config struct {
	APIKey     string
	BaseURL    string // overrides the default OpenAI API base, for Azure-compatible proxies
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// New creates an OpenAI backend. It returns an error if APIKey is empty.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key not configured")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Backend{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Info reports this backend's static capabilities.
func (b *Backend) Info() models.ModelInfo {
	return models.ModelInfo{
		Name:              b.model,
		SupportsStreaming: true,
		SupportsTools:     true,
		ContextWindow:     128000,
	}
}

// Complete drains Stream and returns its terminal ModelResponse.
func (b *Backend) Complete(ctx context.Context, req models.ModelRequest) (models.ModelResponse, error) {
	events, err := b.Stream(ctx, req)
	if err != nil {
		return models.ModelResponse{}, err
	}
	var last models.ModelResponse
	for ev := range events {
		if ev.Kind == models.EventDone {
			last = ev.Response
		}
	}
	return last, nil
}

// Stream sends req to OpenAI and streams back tokens and tool calls.
func (b *Backend) Stream(ctx context.Context, req models.ModelRequest) (<-chan models.ModelEvent, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    modelOrDefault(req.Model, b.model),
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = b.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	events := make(chan models.ModelEvent)
	go processStream(ctx, stream, events)
	return events, nil
}

func processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- models.ModelEvent) {
	defer close(events)
	defer stream.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var text strings.Builder

	emitDone := func() {
		resp := models.ModelResponse{Text: text.String()}
		if len(toolCalls) > 0 {
			resp.Kind = models.ResponseToolCalls
			for _, tc := range toolCalls {
				if tc.ID != "" && tc.Name != "" {
					resp.ToolCalls = append(resp.ToolCalls, *tc)
				}
			}
		} else {
			resp.Kind = models.ResponseText
		}
		events <- models.ModelEvent{Kind: models.EventDone, Response: resp}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				emitDone()
			}
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			events <- models.ModelEvent{Kind: models.EventToken, Token: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments += tc.Function.Arguments
			}
		}

		if chunk.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			for _, tc := range toolCalls {
				if tc.ID != "" && tc.Name != "" {
					events <- models.ModelEvent{Kind: models.EventToolCall, ToolCall: *tc}
				}
			}
		}
	}
}

func convertMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text})
		case models.RoleAssistant:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text})
		case models.RoleAssistantToolUse:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Text,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

func convertTools(tools []models.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	}
	return false
}

func modelOrDefault(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
