// Package bedrock implements models.Model against AWS Bedrock's Converse
// API (spec §6 Model backend), the fourth model backend alongside openai,
// anthropic, and gemini.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/picobot-run/picobot/internal/models"
)

// Backend implements models.Model against AWS Bedrock's Converse API.
type Backend struct {
	client     *bedrockruntime.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// Config configures a Backend.
type Config struct {
	Region          string
	AccessKeyID     string // optional; uses the default credential chain if empty
	SecretAccessKey string
	SessionToken    string
	Model           string
	MaxRetries      int
	RetryDelay      time.Duration
}

// New creates a Bedrock backend from the given region/credentials.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Backend{
		client:     bedrockruntime.NewFromConfig(awsCfg),
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

// Stream sends req to Bedrock's ConverseStream API and streams back tokens
// and tool calls, retrying on transient throttling/server errors.
func (b *Backend) Stream(ctx context.Context, req models.ModelRequest) (<-chan models.ModelEvent, error) {
	if b.client == nil {
		return nil, errors.New("bedrock: client not initialized")
	}

	model := modelOrDefault(req.Model, b.model)
	messages, system := convertMessages(req.Messages)

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = convertTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = b.client.ConverseStream(ctx, converseReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, fmt.Errorf("bedrock: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("bedrock: max retries exceeded: %w", lastErr)
	}

	events := make(chan models.ModelEvent)
	go processStream(ctx, stream, events)
	return events, nil
}

func processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- models.ModelEvent) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *models.ToolCall
	var toolInput strings.Builder
	var text strings.Builder
	var toolCalls []models.ToolCall

	emitDone := func() {
		resp := models.ModelResponse{Text: text.String()}
		if len(toolCalls) > 0 {
			resp.Kind = models.ResponseToolCalls
			resp.ToolCalls = toolCalls
		} else {
			resp.Kind = models.ResponseText
		}
		events <- models.ModelEvent{Kind: models.EventDone, Response: resp}
	}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				emitDone()
				return
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						text.WriteString(delta.Value)
						events <- models.ModelEvent{Kind: models.EventToken, Token: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = toolInput.String()
					toolCalls = append(toolCalls, *currentToolCall)
					events <- models.ModelEvent{Kind: models.EventToolCall, ToolCall: *currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				emitDone()
				return
			}
		}
	}
}

func convertMessages(messages []models.Message) ([]types.Message, string) {
	var system strings.Builder
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Text)
		case models.RoleUser:
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Text}},
			})
		case models.RoleAssistant:
			result = append(result, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Text}},
			})
		case models.RoleAssistantToolUse:
			var content []types.ContentBlock
			if msg.Text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Text})
			}
			for _, tc := range msg.ToolCalls {
				var input document.Interface
				var raw map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &raw); err == nil {
					input = document.NewLazyDocument(raw)
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: input},
				})
			}
			result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: content})
		case models.RoleTool:
			result = append(result, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(msg.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Text}},
					},
				}},
			})
		}
	}
	return result, system.String()
}

func convertTools(tools []models.ToolSpec) *types.ToolConfiguration {
	specs := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: specs}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "429"):
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
