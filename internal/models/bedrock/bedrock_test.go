package bedrock

import (
	"testing"

	"github.com/picobot-run/picobot/internal/models"
)

func TestConvertMessagesSplitsSystemPrompt(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Text: "be terse"},
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistantToolUse, ToolCalls: []models.ToolCall{{ID: "t1", Name: "search", Arguments: `{"q":"x"}`}}},
		{Role: models.RoleTool, Text: "result", ToolCallID: "t1"},
	}
	converted, system := convertMessages(msgs)
	if system != "be terse" {
		t.Fatalf("expected system prompt extracted, got %q", system)
	}
	if len(converted) != 3 {
		t.Fatalf("expected 3 non-system messages, got %d", len(converted))
	}
}

func TestConvertToolsFallsBackOnInvalidSchema(t *testing.T) {
	tools := []models.ToolSpec{{Name: "broken", Description: "d", Schema: []byte("not json")}}
	cfg := convertTools(tools)
	if len(cfg.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(cfg.Tools))
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := map[string]bool{
		"ThrottlingException: rate exceeded": true,
		"503 service unavailable":            true,
		"ValidationException: bad request":   false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errString(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestModelOrDefault(t *testing.T) {
	if got := modelOrDefault("", "fallback-model"); got != "fallback-model" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if got := modelOrDefault("explicit-model", "fallback-model"); got != "explicit-model" {
		t.Fatalf("expected explicit model to win, got %q", got)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
