package gemini

import (
	"context"
	"testing"

	"github.com/picobot-run/picobot/internal/models"
)

func TestNewRejectsEmptyAPIKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected an error when APIKey is empty")
	}
}

func TestConvertMessagesSplitsSystemInstruction(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Text: "be terse"},
		{Role: models.RoleUser, Text: "hi"},
		{Role: models.RoleAssistantToolUse, ToolCalls: []models.ToolCall{{ID: "t1", Name: "search", Arguments: `{"q":"x"}`}}},
		{Role: models.RoleTool, Text: `{"result":"ok"}`, ToolCallID: "t1"},
	}
	contents, system := convertMessages(msgs)
	if system != "be terse" {
		t.Fatalf("expected system instruction extracted, got %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 non-system contents, got %d", len(contents))
	}
	if contents[0].Role != "user" {
		t.Fatalf("expected user role, got %s", contents[0].Role)
	}
	if contents[1].Role != "model" {
		t.Fatalf("expected model role for tool-use message, got %s", contents[1].Role)
	}
}

func TestConvertToolsBuildsFunctionDeclarations(t *testing.T) {
	tools := []models.ToolSpec{
		{Name: "search", Description: "d", Schema: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	}
	out := convertTools(tools)
	if len(out) != 1 || len(out[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected 1 tool with 1 function declaration, got %+v", out)
	}
	if out[0].FunctionDeclarations[0].Name != "search" {
		t.Fatalf("expected function name search, got %s", out[0].FunctionDeclarations[0].Name)
	}
}

func TestGenerateToolCallIDIsUnique(t *testing.T) {
	a := generateToolCallID("search")
	b := generateToolCallID("search")
	if a == b {
		t.Fatalf("expected distinct tool call ids, got %q twice", a)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := map[string]bool{
		"429 resource_exhausted": true,
		"503 unavailable":        true,
		"invalid argument":       false,
	}
	for msg, want := range cases {
		if got := isRetryableError(errString(msg)); got != want {
			t.Errorf("isRetryableError(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
