package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

// MemoryStore is the minimal surface memoryReadTool/memoryWriteTool need
// from internal/sessionstore.Store, kept narrow so this package doesn't
// import sessionstore directly (cmd/picobot's wiring layer adapts the real
// store onto this interface).
type MemoryStore interface {
	UpsertMemoryContent(ctx context.Context, userID, key, content string, sourceSessionID *string) error
	RecentMemoryContents(ctx context.Context, userID string, limit int) ([]MemoryEntry, error)
}

// MemoryEntry is one remembered fact about a user.
type MemoryEntry struct {
	Key     string
	Content string
}

type memoryWriteInput struct {
	Key     string `json:"key"`
	Content string `json:"content"`
	Scope   string `json:"scope"`
}

type memoryWriteTool struct {
	toolregistry.NoPolicyHook
	store MemoryStore
}

// NewMemoryWriteTool returns the "memory_write" built-in tool backed by
// store.
func NewMemoryWriteTool(store MemoryStore) toolregistry.Tool {
	return memoryWriteTool{store: store}
}

func (memoryWriteTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "memory_write",
		Description: "Remember a short fact about the user for future conversations.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"key": {"type": "string"},
				"content": {"type": "string"},
				"scope": {"type": "string", "enum": ["session", "user", "global"]}
			},
			"required": ["key", "content", "scope"]
		}`),
	}
}

func (memoryWriteTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in memoryWriteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	scope, err := parseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	return []permission.Permission{permission.MemoryWrite{Scope: scope}}, nil
}

func (t memoryWriteTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in memoryWriteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	if tc.UserID == nil {
		return errorResult("memory_write requires a user-scoped context"), nil
	}
	if err := t.store.UpsertMemoryContent(ctx, *tc.UserID, in.Key, in.Content, tc.SessionID); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("remembered %q", in.Key)), nil
}

type memoryReadInput struct {
	Scope string `json:"scope"`
	Limit int    `json:"limit"`
}

type memoryReadTool struct {
	toolregistry.NoPolicyHook
	store MemoryStore
}

// NewMemoryReadTool returns the "memory_read" built-in tool backed by
// store.
func NewMemoryReadTool(store MemoryStore) toolregistry.Tool {
	return memoryReadTool{store: store}
}

func (memoryReadTool) Spec() models.ToolSpec {
	return models.ToolSpec{
		Name:        "memory_read",
		Description: "Recall remembered facts about the user.",
		Schema: jsonSchema(`{
			"type": "object",
			"properties": {
				"scope": {"type": "string", "enum": ["session", "user", "global"]},
				"limit": {"type": "integer"}
			},
			"required": ["scope"]
		}`),
	}
}

func (memoryReadTool) RequiredPermissions(ctx context.Context, tc models.ToolContext, input json.RawMessage) ([]permission.Permission, error) {
	var in memoryReadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	scope, err := parseScope(in.Scope)
	if err != nil {
		return nil, err
	}
	return []permission.Permission{permission.MemoryRead{Scope: scope}}, nil
}

func (t memoryReadTool) Execute(ctx context.Context, tc models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	var in memoryReadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return errorResult(err.Error()), nil
	}
	if tc.UserID == nil {
		return errorResult("memory_read requires a user-scoped context"), nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	entries, err := t.store.RecentMemoryContents(ctx, *tc.UserID, limit)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	content, _ := json.Marshal(entries)
	return models.ToolResult{Content: content}, nil
}

func parseScope(s string) (permission.MemoryScope, error) {
	switch permission.MemoryScope(s) {
	case permission.ScopeSession, permission.ScopeUser, permission.ScopeGlobal:
		return permission.MemoryScope(s), nil
	default:
		return "", fmt.Errorf("invalid memory scope %q", s)
	}
}
