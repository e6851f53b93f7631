package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

type notifyInput struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type notifyTool struct {
	toolregistry.NoPolicyHook
}

// NewNotifyTool returns the "notify" built-in tool. Setting
// tc.NotifyToolUsed is the other half of spec.md §4.3's "Scheduled-job
// skip rule": the kernel checks this flag before every later tool call in
// ScheduledJob mode.
func NewNotifyTool() toolregistry.Tool { return notifyTool{} }

func (notifyTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "notify",
		Description: "Send a notification message to the user on a channel.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"channel": {"type": "string"},
				"message": {"type": "string"}
			},
			"required": ["channel", "message"]
		}`),
	}
}

func (notifyTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in notifyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	return []permission.Permission{permission.Notify{Channel: in.Channel}}, nil
}

func (notifyTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in notifyInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	if tc.Notifications == nil {
		return errorResult("no notification sink configured for this context"), nil
	}
	userID := ""
	if tc.UserID != nil {
		userID = *tc.UserID
	}
	id, err := tc.Notifications.Enqueue(ctx, in.Channel, userID, in.Message)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if tc.NotifyToolUsed != nil {
		tc.NotifyToolUsed.Store(true)
	}
	return textResult(fmt.Sprintf("queued notification %s", id)), nil
}
