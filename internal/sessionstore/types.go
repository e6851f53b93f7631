// Package sessionstore is the durable relational store for sessions,
// messages, user memories, and session summaries (spec §4.7), sharing a
// single *sql.DB with internal/scheduler's schedules/schedule_executions
// tables at {data_dir}/sessions.db. Grounded on a job store's database/sql
// connection-pool and scan idiom, and on spec.md §4.7 directly for the
// schema shape (no single original_source/ file owns this schema whole —
// it is split across session/db.rs, session/memory.rs, and
// session/summary.rs there).
package sessionstore

import (
	"encoding/json"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

// SessionState is the session lifecycle state (spec §3).
type SessionState string

const (
	StateActive            SessionState = "active"
	StateAwaitingPermission SessionState = "awaiting_permission"
	StateIdle               SessionState = "idle"
	StateTerminated         SessionState = "terminated"
)

// Session is the durable session record.
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
	AwaitingRequest string
}

// Role discriminates a Message's tagged variant (spec §3 "Message (tagged
// variant): System/User/Assistant/AssistantToolCalls/Tool").
type Role string

const (
	RoleSystem            Role = "system"
	RoleUser              Role = "user"
	RoleAssistant          Role = "assistant"
	RoleAssistantToolCalls Role = "assistant_tool_calls"
	RoleTool               Role = "tool"
)

// ToolCall is one invocation buffered within an AssistantToolCalls message.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one entry of a session's conversation, in seq_order.
type Message struct {
	SeqOrder   int
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	CreatedAt  time.Time
}

// UserMemory is a durable per-user fact (spec §3). Uniqueness on
// (user_id, key); key constraint enforced by ValidateMemoryKey.
type UserMemory struct {
	UserID          string
	Key             string
	Content         string
	SourceSessionID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionSummary is the single upserted summary row for a session.
type SessionSummary struct {
	SessionID    string
	Summary      string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
