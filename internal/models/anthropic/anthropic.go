// Package anthropic implements models.Model against Anthropic's Messages
// API (spec §6 Model backend).
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/picobot-run/picobot/internal/models"
)

// Backend implements models.Model against Anthropic's Messages API.
type Backend struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	maxTokens  int
}

// Config configures a Backend.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
	MaxTokens  int
}

// New creates an Anthropic backend. It returns an error if APIKey is empty.
func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key not configured")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Backend{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		maxTokens:  cfg.MaxTokens,
	}, nil
}

// Info reports this backend's static capabilities.
func (b *Backend) Info() models.ModelInfo {
	return models.ModelInfo{
		Name:              b.model,
		SupportsStreaming: true,
		SupportsTools:     true,
		ContextWindow:     200000,
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

// Stream sends req to Anthropic and streams back tokens and tool calls.
// Retries with exponential backoff on transient (rate-limit/server) errors.
func (b *Backend) Stream(ctx context.Context, req models.ModelRequest) (<-chan models.ModelEvent, error) {
	params := b.buildParams(req)

	var stream *anthropic.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		stream = b.client.Messages.NewStreaming(ctx, params)
		lastErr = stream.Err()
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("anthropic: non-retryable error: %w", lastErr)
		}
		if attempt < b.maxRetries {
			backoff := b.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
	}

	events := make(chan models.ModelEvent)
	go processStream(stream, events)
	return events, nil
}

func (b *Backend) buildParams(req models.ModelRequest) anthropic.MessageNewParams {
	messages, system := convertMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOrDefault(req.Model, b.model)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens, b.maxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params
}

func processStream(stream *anthropic.Stream[anthropic.MessageStreamEventUnion], events chan<- models.ModelEvent) {
	defer close(events)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var text strings.Builder
	var toolCalls []models.ToolCall

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					events <- models.ModelEvent{Kind: models.EventToken, Token: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = currentToolInput.String()
				toolCalls = append(toolCalls, *currentToolCall)
				events <- models.ModelEvent{Kind: models.EventToolCall, ToolCall: *currentToolCall}
				currentToolCall = nil
			}
		case "message_stop":
			resp := models.ModelResponse{Text: text.String()}
			if len(toolCalls) > 0 {
				resp.Kind = models.ResponseToolCalls
				resp.ToolCalls = toolCalls
			} else {
				resp.Kind = models.ResponseText
			}
			events <- models.ModelEvent{Kind: models.EventDone, Response: resp}
		}
	}
}

// convertMessages splits out system-role messages (Anthropic carries the
// system prompt out-of-band from the message list) and converts the rest.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, string) {
	var system strings.Builder
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Text)
		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		case models.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Text)))
		case models.RoleAssistantToolUse:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				_ = json.Unmarshal([]byte(tc.Arguments), &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text, false)))
		}
	}
	return result, system.String()
}

func convertTools(tools []models.ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"]},
			},
		})
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "overloaded"):
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

func maxTokensOrDefault(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	return fallback
}
