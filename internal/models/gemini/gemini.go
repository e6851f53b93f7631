// Package gemini implements models.Model against Google's Gemini API via
// google.golang.org/genai (spec §6 Model backend).
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/picobot-run/picobot/internal/models"
)

// Backend implements models.Model against Google's Gemini API.
type Backend struct {
	client     *genai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// Config configures a Backend.
type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// New creates a Gemini backend. It returns an error if APIKey is empty.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key not configured")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Backend{
		client:     client,
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
		ContextWindow:     1000000,
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

// Stream sends req to Gemini and streams back tokens and tool calls.
func (b *Backend) Stream(ctx context.Context, req models.ModelRequest) (<-chan models.ModelEvent, error) {
	model := modelOrDefault(req.Model, b.model)
	contents, systemInstruction := convertMessages(req.Messages)

	config := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = convertTools(req.Tools)
	}

	events := make(chan models.ModelEvent)
	go b.streamWithRetry(ctx, model, contents, config, events)
	return events, nil
}

// streamWithRetry consumes the Gemini iterator and retries the whole
// consume-and-process cycle with exponential backoff, since genai surfaces
// transient errors through the iterator rather than at creation time.
func (b *Backend) streamWithRetry(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- models.ModelEvent) {
	defer close(events)

	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		iterFn := b.client.Models.GenerateContentStream(ctx, model, contents, config)
		result, err := consumeStream(ctx, iterFn, events)
		if err == nil {
			events <- models.ModelEvent{Kind: models.EventDone, Response: result}
			return
		}
		if !isRetryableError(err) {
			return
		}
	}
}

var toolCallSeq int64

// consumeStream drains one Gemini stream iterator, emitting token/tool-call
// events as they arrive, and returns the accumulated terminal response. The
// caller emits EventDone on success, leaving retry control to streamWithRetry.
func consumeStream(ctx context.Context, streamIter func(func(*genai.GenerateContentResponse, error) bool), events chan<- models.ModelEvent) (models.ModelResponse, error) {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var streamErr error

	streamIter(func(resp *genai.GenerateContentResponse, err error) bool {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			return false
		default:
		}
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
					events <- models.ModelEvent{Kind: models.EventToken, Token: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					tc := models.ToolCall{
						ID:        generateToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: string(argsJSON),
					}
					toolCalls = append(toolCalls, tc)
					events <- models.ModelEvent{Kind: models.EventToolCall, ToolCall: tc}
				}
			}
		}
		return true
	})

	if streamErr != nil {
		return models.ModelResponse{}, streamErr
	}

	resp := models.ModelResponse{Text: text.String()}
	if len(toolCalls) > 0 {
		resp.Kind = models.ResponseToolCalls
		resp.ToolCalls = toolCalls
	} else {
		resp.Kind = models.ResponseText
	}
	return resp, nil
}

// convertMessages converts the message list to Gemini Content, pulling any
// system-role messages out into a separate system instruction string since
// Gemini carries it out-of-band.
func convertMessages(messages []models.Message) ([]*genai.Content, string) {
	var system strings.Builder
	var result []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Text)
		case models.RoleUser:
			result = append(result, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: msg.Text}}})
		case models.RoleAssistant:
			result = append(result, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: msg.Text}}})
		case models.RoleAssistantToolUse:
			content := &genai.Content{Role: "model"}
			if msg.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			result = append(result, content)
		case models.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Text), &response); err != nil {
				response = map[string]any{"result": msg.Text}
			}
			result = append(result, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{Name: msg.ToolCallID, Response: response},
				}},
			})
		}
	}
	return result, system.String()
}

func convertTools(tools []models.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaFromMap(schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func schemaFromMap(m map[string]any) *genai.Schema {
	s := &genai.Schema{Type: genai.TypeObject}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name := range props {
			s.Properties[name] = &genai.Schema{Type: genai.TypeString}
		}
	}
	return s
}

func generateToolCallID(name string) string {
	n := atomic.AddInt64(&toolCallSeq, 1)
	return "call_" + name + "_" + strconv.FormatInt(n, 10)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "resource_exhausted"):
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
