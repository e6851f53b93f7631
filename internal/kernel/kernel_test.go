package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

type fileReadTool struct {
	toolregistry.NoPolicyHook
	path string
}

func (t fileReadTool) Spec() models.ToolSpec {
	return models.ToolSpec{Name: "t", Description: "reads a file"}
}

func (t fileReadTool) RequiredPermissions(context.Context, models.ToolContext, json.RawMessage) ([]permission.Permission, error) {
	return []permission.Permission{permission.FileRead{Path: t.path}}, nil
}

func (t fileReadTool) Execute(context.Context, models.ToolContext, json.RawMessage) (models.ToolResult, error) {
	return models.ToolResult{Content: json.RawMessage(`{"ok":true}`)}, nil
}

func newRegistryWithFileReadTool(t *testing.T, path string) *toolregistry.Registry {
	t.Helper()
	r := toolregistry.New()
	if err := r.Register(fileReadTool{path: path}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	return r
}

type scriptedPrompter struct {
	decision *PromptDecision
	calls    int
}

func (p *scriptedPrompter) Prompt(context.Context, string, []permission.Permission, uint64) (*PromptDecision, error) {
	p.calls++
	return p.decision, nil
}

func (p *scriptedPrompter) PromptTimeoutExtension(context.Context, string, time.Duration, time.Duration, uint64) (*bool, error) {
	return nil, nil
}

func allowOnceDecision() *PromptDecision { d := AllowOnce; return &d }
func allowSessionDecision() *PromptDecision { d := AllowSession; return &d }

func profileWithMaxAllowed(perms ...permission.Permission) permission.ChannelPermissionProfile {
	p := permission.DefaultChannelPermissionProfile()
	p.MaxAllowed = permission.NewCapabilitySet(perms...)
	return p
}

// Scenario 1: prompt flow, allow once.
func TestPromptFlowAllowOnce(t *testing.T) {
	reg := newRegistryWithFileReadTool(t, "/tmp/a.txt")
	profile := profileWithMaxAllowed(permission.FileRead{Path: "/tmp/a.txt"})
	prompter := &scriptedPrompter{decision: allowOnceDecision()}
	k := New(reg, profile, prompter, DefaultConfig(), models.ToolContext{})

	if _, err := k.InvokeToolWithPrompt(context.Background(), "t", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected AllowOnce to succeed, got %v", err)
	}

	_, err := k.InvokeTool(context.Background(), "t", json.RawMessage(`{}`))
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected a subsequent plain InvokeTool to be denied again, got %v", err)
	}
}

// Scenario 2: prompt flow, allow session.
func TestPromptFlowAllowSession(t *testing.T) {
	reg := newRegistryWithFileReadTool(t, "/tmp/a.txt")
	profile := profileWithMaxAllowed(permission.FileRead{Path: "/tmp/a.txt"})
	prompter := &scriptedPrompter{decision: allowSessionDecision()}
	k := New(reg, profile, prompter, DefaultConfig(), models.ToolContext{})

	if _, err := k.InvokeToolWithPrompt(context.Background(), "t", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected AllowSession to succeed, got %v", err)
	}

	stripped := k.WithPrompter(NoopPrompter{})
	if _, err := stripped.InvokeTool(context.Background(), "t", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected session grant to persist without a prompter, got %v", err)
	}
}

// Scenario 3: scheduled jobs bypass prompts entirely.
func TestScheduledJobBypassesPrompts(t *testing.T) {
	reg := newRegistryWithFileReadTool(t, "/tmp/a.txt")
	profile := profileWithMaxAllowed(permission.FileRead{Path: "/tmp/a.txt"})
	prompter := &scriptedPrompter{decision: allowOnceDecision()}
	k := New(reg, profile, prompter, DefaultConfig(), models.ToolContext{ExecutionMode: models.ModeScheduledJob})

	_, err := k.InvokeToolWithPrompt(context.Background(), "t", json.RawMessage(`{}`))
	var denied *PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected PermissionDenied in ScheduledJob mode, got %v", err)
	}
	if prompter.calls != 0 {
		t.Fatalf("expected the prompter to never be invoked in ScheduledJob mode, got %d calls", prompter.calls)
	}
}

func TestCapabilitiesGrantSucceedsWithoutPrompt(t *testing.T) {
	reg := newRegistryWithFileReadTool(t, "/tmp/a.txt")
	profile := permission.DefaultChannelPermissionProfile()
	caps := permission.NewCapabilitySet(permission.FileRead{Path: "/tmp/**"})
	k := New(reg, profile, nil, DefaultConfig(), models.ToolContext{Capabilities: caps})

	if _, err := k.InvokeTool(context.Background(), "t", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected capability-granted call to succeed, got %v", err)
	}
}

type slowTool struct {
	toolregistry.NoPolicyHook
	delay time.Duration
}

func (slowTool) Spec() models.ToolSpec { return models.ToolSpec{Name: "slow"} }
func (slowTool) RequiredPermissions(context.Context, models.ToolContext, json.RawMessage) ([]permission.Permission, error) {
	return nil, nil
}
func (s slowTool) Execute(ctx context.Context, _ models.ToolContext, _ json.RawMessage) (models.ToolResult, error) {
	select {
	case <-time.After(s.delay):
		return models.ToolResult{Content: json.RawMessage(`{"done":true}`)}, nil
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	}
}

func TestHardTimeoutFiresWhenSoftDisabled(t *testing.T) {
	reg := toolregistry.New()
	_ = reg.Register(slowTool{delay: 50 * time.Millisecond})
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 10 * time.Millisecond
	cfg.SoftTimeoutRatio = 0
	k := New(reg, permission.DefaultChannelPermissionProfile(), nil, cfg, models.ToolContext{})

	_, err := k.InvokeTool(context.Background(), "slow", json.RawMessage(`{}`))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestAutoExtendPolicyExtendsPastSoftDeadline(t *testing.T) {
	reg := toolregistry.New()
	_ = reg.Register(slowTool{delay: 60 * time.Millisecond})
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 100 * time.Millisecond
	cfg.SoftTimeoutRatio = 0.2 // soft = 20ms, tool finishes at 60ms > soft, < hard(100ms) anyway
	cfg.TimeoutPolicy = TimeoutPolicyAutoExtend
	k := New(reg, permission.DefaultChannelPermissionProfile(), nil, cfg, models.ToolContext{})

	if _, err := k.InvokeTool(context.Background(), "slow", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("expected auto-extend to let the slow tool finish, got %v", err)
	}
}

func TestScheduledJobNeverExtends(t *testing.T) {
	reg := toolregistry.New()
	_ = reg.Register(slowTool{delay: 60 * time.Millisecond})
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	cfg.SoftTimeoutRatio = 0.2 // soft = 10ms; remaining without extension = 40ms, tool needs 60ms
	cfg.TimeoutPolicy = TimeoutPolicyAutoExtend
	k := New(reg, permission.DefaultChannelPermissionProfile(), nil, cfg, models.ToolContext{ExecutionMode: models.ModeScheduledJob})

	_, err := k.InvokeTool(context.Background(), "slow", json.RawMessage(`{}`))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected ScheduledJob mode to decline extension and time out, got %v", err)
	}
}

func TestSoftTimeoutDurationClamped(t *testing.T) {
	if got := SoftTimeoutDuration(10*time.Second, -1); got != 0 {
		t.Fatalf("expected ratio<0 to clamp to 0, got %v", got)
	}
	if got := SoftTimeoutDuration(10*time.Second, 2); got != 10*time.Second {
		t.Fatalf("expected ratio>1 to clamp to 1, got %v", got)
	}
}

type skipProbeTool struct {
	toolregistry.NoPolicyHook
	name  string
	calls *int
}

func (t skipProbeTool) Spec() models.ToolSpec { return models.ToolSpec{Name: t.name} }
func (skipProbeTool) RequiredPermissions(context.Context, models.ToolContext, json.RawMessage) ([]permission.Permission, error) {
	return nil, nil
}
func (t skipProbeTool) Execute(context.Context, models.ToolContext, json.RawMessage) (models.ToolResult, error) {
	*t.calls++
	return models.ToolResult{Content: json.RawMessage(`{}`)}, nil
}

func TestScheduledJobSkipsAfterNotify(t *testing.T) {
	reg := toolregistry.New()
	var notifyCalls, otherCalls int
	_ = reg.Register(skipProbeTool{name: "notify", calls: &notifyCalls})
	_ = reg.Register(skipProbeTool{name: "other", calls: &otherCalls})
	k := New(reg, permission.DefaultChannelPermissionProfile(), nil, DefaultConfig(), models.ToolContext{ExecutionMode: models.ModeScheduledJob})

	if _, err := k.InvokeTool(context.Background(), "notify", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("notify call failed: %v", err)
	}
	result, err := k.InvokeTool(context.Background(), "other", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected skipped tool call to return Ok with a skipped status, got err %v", err)
	}
	if otherCalls != 0 {
		t.Fatalf("expected other tool to be short-circuited, but Execute ran")
	}
	var payload map[string]string
	if err := json.Unmarshal(result.Content, &payload); err != nil {
		t.Fatalf("unmarshal skip payload: %v", err)
	}
	if payload["status"] != "skipped" {
		t.Fatalf("expected status=skipped, got %v", payload)
	}
}
