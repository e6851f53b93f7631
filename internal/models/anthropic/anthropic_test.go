package anthropic

import (
	"testing"

	"github.com/picobot-run/picobot/internal/models"
)

func TestNewRejectsEmptyAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error when APIKey is empty")
	}
}

func TestInfoReportsStreamingAndTools(t *testing.T) {
	b, err := New(Config{APIKey: "sk-ant-test", Model: "claude-3-5-sonnet"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info := b.Info()
	if !info.SupportsStreaming || !info.SupportsTools {
		t.Fatal("expected Anthropic backend to support streaming and tools")
	}
	if info.ContextWindow != 200000 {
		t.Fatalf("expected a 200k context window, got %d", info.ContextWindow)
	}
}

func TestConvertMessagesSplitsSystemPrompt(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Text: "be terse"},
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistantToolUse, ToolCalls: []models.ToolCall{{ID: "t1", Name: "search", Arguments: `{"q":"x"}`}}},
		{Role: models.RoleTool, Text: "result", ToolCallID: "t1"},
	}
	converted, system := convertMessages(msgs)
	if system != "be terse" {
		t.Fatalf("expected system prompt to be extracted, got %q", system)
	}
	if len(converted) != 3 {
		t.Fatalf("expected 3 non-system messages, got %d", len(converted))
	}
}

func TestConvertToolsFallsBackOnInvalidSchema(t *testing.T) {
	tools := []models.ToolSpec{{Name: "broken", Description: "d", Schema: []byte("not json")}}
	out := convertTools(tools)
	if len(out) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(out))
	}
	if out[0].OfTool.Name != "broken" {
		t.Fatalf("expected tool name to survive fallback, got %s", out[0].OfTool.Name)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := map[string]bool{
		"overloaded_error":          true,
		"429 too many requests":     true,
		"503 service unavailable":   true,
		"authentication_error: bad": false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errString(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
