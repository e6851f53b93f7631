// Package models holds the shared data types passed between the kernel,
// agent loop, tool registry, and transports: execution context, messages,
// model request/response/event shapes, and tool results.
package models

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

// ExecutionMode identifies who/what is driving a tool invocation. It gates
// prompt suppression and identity-override rules in the kernel.
type ExecutionMode int

const (
	ModeUser ExecutionMode = iota
	ModeScheduledJob
	ModeSystem
	ModeAdmin
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeScheduledJob:
		return "scheduled_job"
	case ModeSystem:
		return "system"
	case ModeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// AllowsIdentityOverride reports whether this mode may override the
// user_id/session_id/channel_id fields on a ToolContext (e.g. the schedule
// tool creating a job on behalf of another user). Per DESIGN.md's Open
// Question decision, the override is trusted and not re-validated against
// the session store.
func (m ExecutionMode) AllowsIdentityOverride() bool {
	return m == ModeSystem || m == ModeAdmin
}

// SchedulerHandle is the minimal surface the kernel needs from the
// scheduler to implement the "schedule" built-in tool, kept here (rather
// than importing internal/scheduler) to avoid a kernel<->scheduler import
// cycle: the scheduler package depends on models, and the kernel depends on
// models, but the kernel must never depend on the scheduler package
// directly. See SPEC_FULL.md §9 "Cyclic ownership between kernel and
// scheduler".
type SchedulerHandle interface {
	CreateJob(ctx context.Context, req any) (any, error)
	CancelJob(ctx context.Context, jobID string) error
}

// NotificationSink is the minimal surface the kernel needs to implement the
// "notify" built-in tool.
type NotificationSink interface {
	Enqueue(ctx context.Context, channelID, userID string, payload any) (string, error)
}

// ToolContext is passed to every tool invocation (spec §3).
type ToolContext struct {
	Capabilities     permission.CapabilitySet
	UserID           *string
	SessionID        *string
	ChannelID        *string
	WorkingDir       string
	JailRoot         *string
	Scheduler        SchedulerHandle
	Notifications    NotificationSink
	ExecutionMode    ExecutionMode
	TimezoneOffset   int
	TimezoneName     string
	MaxResponseBytes *int
	MaxResponseChars *int

	// NotifyToolUsed is mutable, single-job scope: set by the "notify"
	// built-in tool so the kernel can short-circuit subsequent tool calls
	// in ScheduledJob mode (spec §4.3 "Scheduled-job skip rule").
	NotifyToolUsed *atomic.Bool
}

// AutoGrantContext projects the fields permission.IsAutoGranted needs.
func (c ToolContext) AutoGrantContext() permission.AutoGrantContext {
	return permission.AutoGrantContext{UserID: c.UserID, SessionID: c.SessionID}
}

// ToolSpec describes a tool's name, description, and JSON Schema (spec §3).
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolResult is what a tool execution returns.
type ToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error,omitempty"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// PolicyDecision is returned by a tool's pre-execution policy hook (spec
// §4.3 "Pre-execution policy hook").
type PolicyDecision struct {
	Decision  PolicyVerdict
	Reason    string
	PolicyKey string
}

type PolicyVerdict int

const (
	PolicyAllow PolicyVerdict = iota
	PolicyRequireApproval
	PolicyDeny
)

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem           Role = "system"
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleAssistantToolUse Role = "assistant_tool_calls"
	RoleTool             Role = "tool"
)

// ToolCall is one tool invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is the tagged-variant conversation entry (spec §3).
type Message struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall // set when Role == RoleAssistantToolUse
	ToolCallID string     // set when Role == RoleTool
	CreatedAt  time.Time
}

// SessionState is the lifecycle state of a Session (spec §3).
type SessionState int

const (
	SessionActive SessionState = iota
	SessionAwaitingPermission
	SessionIdle
	SessionTerminated
)

// Session is the durable per-(channel,user) conversation (spec §3).
type Session struct {
	ID              string
	ChannelType     string
	ChannelID       string
	UserID          string
	Conversation    []Message
	Permissions     permission.CapabilitySet
	CreatedAt       time.Time
	LastActive      time.Time
	State           SessionState
	AwaitingTool    string
	AwaitingReqID   string
	SessionGrantsID string
}

// ModelEventKind discriminates a streamed ModelEvent.
type ModelEventKind int

const (
	EventToken ModelEventKind = iota
	EventToolCall
	EventDone
)

// ModelEvent is one item from Model.Stream (spec §6).
type ModelEvent struct {
	Kind     ModelEventKind
	Token    string
	ToolCall ToolCall
	Response ModelResponse
}

// ModelRequest is the input to Model.Complete/Model.Stream.
type ModelRequest struct {
	Messages    []Message
	Tools       []ToolSpec
	Model       string
	MaxTokens   int
	Temperature float64
}

// ModelResponseKind discriminates a ModelResponse.
type ModelResponseKind int

const (
	ResponseText ModelResponseKind = iota
	ResponseToolCalls
)

// ModelResponse is the terminal result of a Model.Complete/Stream call.
type ModelResponse struct {
	Kind      ModelResponseKind
	Text      string
	ToolCalls []ToolCall
}

// ModelInfo describes a backend's static capabilities.
type ModelInfo struct {
	Name             string
	SupportsStreaming bool
	SupportsTools     bool
	ContextWindow     int
}

// Model is the interface the agent loop drives (spec §6).
type Model interface {
	Info() ModelInfo
	Complete(ctx context.Context, req ModelRequest) (ModelResponse, error)
	Stream(ctx context.Context, req ModelRequest) (<-chan ModelEvent, error)
}
