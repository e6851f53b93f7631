package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

// ScheduleJobRequest is the payload this tool hands to
// models.SchedulerHandle.CreateJob, passed as `any` (per models.go's note
// on the kernel<->scheduler import cycle) and type-asserted by
// cmd/picobot's scheduler adapter back into a concrete
// scheduler.CreateJobRequest.
type ScheduleJobRequest struct {
	Name         string
	ScheduleType string // "interval" | "once" | "cron"
	ScheduleExpr string
	TaskPrompt   string
	UserID       string
	SessionID    *string
	ChannelID    *string
}

type scheduleInput struct {
	Action       string  `json:"action"` // "create" | "cancel"
	Name         string  `json:"name,omitempty"`
	ScheduleType string  `json:"schedule_type,omitempty"`
	ScheduleExpr string  `json:"schedule_expr,omitempty"`
	TaskPrompt   string  `json:"task_prompt,omitempty"`
	JobID        string  `json:"job_id,omitempty"`
	UserID       *string `json:"user_id,omitempty"`
	SessionID    *string `json:"session_id,omitempty"`
	ChannelID    *string `json:"channel_id,omitempty"`
}

type scheduleTool struct {
	toolregistry.NoPolicyHook
}

// NewScheduleTool returns the "schedule" built-in tool. Per spec.md §4.3,
// the kernel applies AllowsAny (not AllowsAll) semantics specifically for
// a tool registered under this name, so RequiredPermissions only ever
// needs to return the single action actually being attempted.
func NewScheduleTool() toolregistry.Tool { return scheduleTool{} }

func (scheduleTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "schedule",
		Description: "Create or cancel a scheduled background job that re-invokes the agent later.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["create", "cancel"]},
				"name": {"type": "string"},
				"schedule_type": {"type": "string", "enum": ["interval", "once", "cron"]},
				"schedule_expr": {"type": "string"},
				"task_prompt": {"type": "string"},
				"job_id": {"type": "string"},
				"user_id": {"type": "string"},
				"session_id": {"type": "string"},
				"channel_id": {"type": "string"}
			},
			"required": ["action"]
		}`),
	}
}

func (scheduleTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in scheduleInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Action == "" {
		return nil, fmt.Errorf("action is required")
	}
	return []permission.Permission{permission.Schedule{Action: in.Action}}, nil
}

func (scheduleTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in scheduleInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	if tc.Scheduler == nil {
		return errorResult("no scheduler configured for this context"), nil
	}

	switch in.Action {
	case "create":
		userID := ""
		if tc.UserID != nil {
			userID = *tc.UserID
		}
		sessionID := tc.SessionID
		channelID := tc.ChannelID
		// spec.md §4.3 "identity override": System/Admin execution modes may
		// override the acting identity; trusted without re-validation per
		// DESIGN.md's Open Question decision.
		if tc.ExecutionMode.AllowsIdentityOverride() {
			if in.UserID != nil {
				userID = *in.UserID
			}
			if in.SessionID != nil {
				sessionID = in.SessionID
			}
			if in.ChannelID != nil {
				channelID = in.ChannelID
			}
		}
		req := ScheduleJobRequest{
			Name:         in.Name,
			ScheduleType: in.ScheduleType,
			ScheduleExpr: in.ScheduleExpr,
			TaskPrompt:   in.TaskPrompt,
			UserID:       userID,
			SessionID:    sessionID,
			ChannelID:    channelID,
		}
		result, err := tc.Scheduler.CreateJob(ctx, req)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		content, _ := json.Marshal(result)
		return models.ToolResult{Content: content}, nil
	case "cancel":
		if in.JobID == "" {
			return errorResult("job_id is required to cancel a job"), nil
		}
		if err := tc.Scheduler.CancelJob(ctx, in.JobID); err != nil {
			return errorResult(err.Error()), nil
		}
		return textResult(fmt.Sprintf("cancelled job %s", in.JobID)), nil
	default:
		return errorResult(fmt.Sprintf("unknown schedule action %q", in.Action)), nil
	}
}
