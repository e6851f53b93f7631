package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
)

type echoTool struct {
	NoPolicyHook
	name   string
	schema string
}

func (t echoTool) Spec() models.ToolSpec {
	return models.ToolSpec{Name: t.name, Description: "echoes input", Schema: json.RawMessage(t.schema)}
}

func (t echoTool) RequiredPermissions(context.Context, models.ToolContext, json.RawMessage) ([]permission.Permission, error) {
	return nil, nil
}

func (t echoTool) Execute(_ context.Context, _ models.ToolContext, input json.RawMessage) (models.ToolResult, error) {
	return models.ToolResult{Content: input}, nil
}

const echoSchema = `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`

func TestRegisterAndGet(t *testing.T) {
	r := New()
	if err := r.Register(echoTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, ok := r.Get("echo")
	if !ok {
		t.Fatalf("expected echo tool to be registered")
	}
	if tool.Spec().Name != "echo" {
		t.Fatalf("unexpected tool name %q", tool.Spec().Name)
	}
}

func TestValidateInput(t *testing.T) {
	r := New()
	if err := r.Register(echoTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.ValidateInput("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("expected valid input to pass: %v", err)
	}
	if err := r.ValidateInput("echo", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected missing required field to fail validation")
	}
}

func TestValidateInputUnknownTool(t *testing.T) {
	r := New()
	if err := r.ValidateInput("nope", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	_ = r.Register(echoTool{name: "echo", schema: echoSchema})
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Fatalf("expected echo to be unregistered")
	}
}

func TestSpecs(t *testing.T) {
	r := New()
	_ = r.Register(echoTool{name: "echo", schema: echoSchema})
	_ = r.Register(echoTool{name: "echo2", schema: echoSchema})
	specs := r.Specs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
}
