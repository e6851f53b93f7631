// Package agentloop orchestrates the model↔kernel conversation turn (spec
// §4.4): build a ModelRequest, stream events, dedup and execute tool
// calls through the kernel's prompt-mediated path, and repeat until the
// model returns text or the turn-round cap is hit. Grounded on an agent
// runtime's phase split (stream phase / execute-tools phase / continue
// phase) and its <-chan *ResponseChunk streaming idiom, generalized from
// a many-tool-family runtime down to the single Model/Kernel pair spec
// §4.4 describes.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/picobot-run/picobot/internal/kernel"
	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
)

// Config tunes the loop's round cap (spec §4.4 "For up to max_tool_rounds
// iterations").
type Config struct {
	MaxToolRounds int
}

// DefaultConfig matches the Rust reference's default of 8 rounds for
// interactive turns (the scheduler's executor overrides this to a smaller
// cap per spec §4.5 "a small internal turn cap (e.g. 8)").
func DefaultConfig() Config {
	return Config{MaxToolRounds: 8}
}

// OnToken is invoked for each streamed token, in order, within a round.
type OnToken func(token string)

// PermissionDecision is what an OnPermission callback may choose, letting
// a transport override the kernel's own prompter (spec §4.4 "the
// callback's decision may override the kernel's prompter in transport
// layers that handle approval themselves").
type PermissionDecision int

const (
	// DecisionDefer lets the kernel's own configured prompter (or lack
	// thereof) decide, i.e. the callback does not intervene.
	DecisionDefer PermissionDecision = iota
	DecisionAllowOnce
	DecisionAllowSession
	DecisionDeny
)

// OnPermission is invoked when a tool call fails with PermissionDenied,
// before the error is treated as terminal. A nil callback or a
// DecisionDefer result leaves the denial as-is (the kernel's own prompter,
// if any, has already had its chance inside InvokeToolWithPrompt).
type OnPermission func(toolName string, required []string) PermissionDecision

// Callbacks bundles the loop's streaming hooks. Both may be nil.
type Callbacks struct {
	OnToken      OnToken
	OnPermission OnPermission
}

// Run executes one user turn against sess, mutating its Conversation in
// place and returning the assistant's final text response (spec §4.4
// steps 1-5). The caller is responsible for persisting sess afterward
// (internal/sessionstore's atomic session-write transaction).
func Run(ctx context.Context, k *kernel.Kernel, model models.Model, registry ToolSpecSource, sess *models.Session, userMessage string, cfg Config, cb Callbacks) (string, error) {
	if cfg.MaxToolRounds <= 0 {
		cfg = DefaultConfig()
	}

	sess.Conversation = append(sess.Conversation, models.Message{
		Role:      models.RoleUser,
		Text:      userMessage,
		CreatedAt: time.Now().UTC(),
	})

	var lastText string
	seenCalls := make(map[string]struct{})

	for round := 0; round < cfg.MaxToolRounds; round++ {
		req := models.ModelRequest{
			Messages: sess.Conversation,
			Tools:    registry.Specs(),
		}

		response, text, err := streamRound(ctx, model, req, cb.OnToken)
		if err != nil {
			return lastText, fmt.Errorf("model stream: %w", err)
		}
		lastText = text

		switch response.Kind {
		case models.ResponseText:
			sess.Conversation = append(sess.Conversation, models.Message{
				Role:      models.RoleAssistant,
				Text:      response.Text,
				CreatedAt: time.Now().UTC(),
			})
			return response.Text, nil

		case models.ResponseToolCalls:
			fresh := dedupCalls(seenCalls, response.ToolCalls)
			sess.Conversation = append(sess.Conversation, models.Message{
				Role:      models.RoleAssistantToolUse,
				ToolCalls: fresh,
				CreatedAt: time.Now().UTC(),
			})

			for _, call := range fresh {
				result := invokeCall(ctx, k, cb.OnPermission, call)
				body, err := json.Marshal(result)
				if err != nil {
					body = []byte(`{"is_error":true}`)
				}
				sess.Conversation = append(sess.Conversation, models.Message{
					Role:       models.RoleTool,
					Text:       string(body),
					ToolCallID: call.ID,
					CreatedAt:  time.Now().UTC(),
				})
			}
			continue

		default:
			return lastText, fmt.Errorf("unrecognized model response kind %v", response.Kind)
		}
	}

	// Exceeding max_tool_rounds returns the last accumulated text
	// (possibly empty) as the response (spec §4.4 step 5).
	return lastText, nil
}

// ToolSpecSource is the tiny slice of toolregistry.Registry the loop needs
// — kept as an interface so this package need not import toolregistry
// directly for the common case of a caller already holding specs.
type ToolSpecSource interface {
	Specs() []models.ToolSpec
}

func streamRound(ctx context.Context, model models.Model, req models.ModelRequest, onToken OnToken) (models.ModelResponse, string, error) {
	events, err := model.Stream(ctx, req)
	if err != nil {
		return models.ModelResponse{}, "", err
	}

	var accumulated string
	for event := range events {
		switch event.Kind {
		case models.EventToken:
			accumulated += event.Token
			if onToken != nil {
				onToken(event.Token)
			}
		case models.EventToolCall:
			// Buffered implicitly: the terminal Done event carries the
			// full ToolCalls slice per the Model interface contract
			// (spec §6 "Events are Token(str) | ToolCall(invocation) |
			// Done(response)"); intermediate ToolCall events exist for
			// transports that want to stream partial calls and are not
			// otherwise acted on here.
		case models.EventDone:
			if event.Response.Kind == models.ResponseText && event.Response.Text == "" {
				event.Response.Text = accumulated
			}
			return event.Response, accumulated, nil
		}
	}
	return models.ModelResponse{}, accumulated, errors.New("model stream closed without a Done event")
}

// dedupCalls drops calls whose (id, name, arguments) triple has already
// been seen on this kernel clone's lifetime (spec §4.4 step 4
// "deduplicate by (id, name, arguments)"; spec §9 open question notes
// provider streams may repeat a call_id with partial arguments — keying
// on the full triple, not just id, tolerates that).
func dedupCalls(seen map[string]struct{}, calls []models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		key := c.ID + "\x00" + c.Name + "\x00" + c.Arguments
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func invokeCall(ctx context.Context, k *kernel.Kernel, onPermission OnPermission, call models.ToolCall) models.ToolResult {
	args := json.RawMessage(call.Arguments)
	result, err := k.InvokeToolWithPrompt(ctx, call.Name, args)
	if err == nil {
		return result
	}

	// InvokeToolWithPrompt already tried the kernel's own configured
	// prompter (or found prompting suppressed/disabled). A transport that
	// mediates approval itself (e.g. a WebSocket request/decision pairing)
	// gets one more chance here (spec §4.4).
	var denied *kernel.PermissionDeniedError
	if errors.As(err, &denied) && onPermission != nil {
		grants := permission.NewCapabilitySet(denied.Required...)
		switch onPermission(call.Name, permission.SortedStrings(denied.Required)) {
		case DecisionAllowOnce:
			if retry, retryErr := k.InvokeToolWithGrants(ctx, call.Name, args, grants); retryErr == nil {
				return retry
			}
		case DecisionAllowSession:
			k.GrantSession(denied.Required...)
			if retry, retryErr := k.InvokeTool(ctx, call.Name, args); retryErr == nil {
				return retry
			}
		case DecisionDeny, DecisionDefer:
			// fall through to the error-as-result path below
		}
	}

	errText, _ := json.Marshal(map[string]string{"error": err.Error()})
	return models.ToolResult{Content: errText, IsError: true}
}
