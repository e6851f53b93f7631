// Package kernel implements the permission/timeout mediator: it validates
// tool inputs, computes required permissions, checks them against layered
// capability sources, mediates interactive prompts and timeout extensions,
// and executes tools under a soft/hard timeout. The decision and timeout
// semantics follow spec §4.3 exactly; the Go goroutine-race timeout idiom
// is grounded on an agent runtime's tool-execution path.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/picobot-run/picobot/internal/models"
	"github.com/picobot-run/picobot/internal/permission"
	"github.com/picobot-run/picobot/internal/toolregistry"
)

// TimeoutPolicy governs what happens when a tool hits its soft timeout
// outside ScheduledJob mode.
type TimeoutPolicy int

const (
	// TimeoutPolicyAutoExtend always grants the extension.
	TimeoutPolicyAutoExtend TimeoutPolicy = iota
	// TimeoutPolicyPrompt asks the configured PermissionPrompter.
	TimeoutPolicyPrompt
)

// Config holds per-kernel timeout tuning. Tool-specific timeouts override
// DefaultTimeout; SoftTimeoutRatio is clamped to [0,1] (0 disables the
// soft-timeout/extension machinery entirely).
type Config struct {
	ToolTimeouts               map[string]time.Duration
	DefaultTimeout             time.Duration
	SoftTimeoutRatio           float64
	TimeoutExtension           time.Duration
	TimeoutPolicy              TimeoutPolicy
	PromptExtensionTimeoutSecs uint64
}

// DefaultConfig mirrors the Rust reference's kernel defaults: a 30s hard
// timeout, 80% soft ratio, 15s extension, extension mediated by prompt.
func DefaultConfig() Config {
	return Config{
		ToolTimeouts:               map[string]time.Duration{},
		DefaultTimeout:             30 * time.Second,
		SoftTimeoutRatio:           0.8,
		TimeoutExtension:           15 * time.Second,
		TimeoutPolicy:              TimeoutPolicyPrompt,
		PromptExtensionTimeoutSecs: 10,
	}
}

// SoftTimeoutDuration computes the soft deadline for hard, clamping the
// ratio to [0,1] as spec §4.3 requires.
func SoftTimeoutDuration(hard time.Duration, ratio float64) time.Duration {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return time.Duration(float64(hard) * ratio)
}

// Kernel is the permission/timeout mediator scoped to a single request or
// job via CloneWithContext.
type Kernel struct {
	registry *toolregistry.Registry
	profile  permission.ChannelPermissionProfile
	prompter PermissionPrompter
	cfg      Config

	mu            sync.RWMutex
	sessionGrants permission.CapabilitySet

	toolCtx models.ToolContext
}

// New constructs a Kernel. ctxTemplate.NotifyToolUsed is initialized to a
// fresh atomic bool if the caller left it nil.
func New(registry *toolregistry.Registry, profile permission.ChannelPermissionProfile, prompter PermissionPrompter, cfg Config, ctxTemplate models.ToolContext) *Kernel {
	if prompter == nil {
		prompter = NoopPrompter{}
	}
	if ctxTemplate.NotifyToolUsed == nil {
		ctxTemplate.NotifyToolUsed = new(atomic.Bool)
	}
	return &Kernel{
		registry:      registry,
		profile:       profile,
		prompter:      prompter,
		cfg:           cfg,
		sessionGrants: permission.NewCapabilitySet(),
		toolCtx:       ctxTemplate,
	}
}

// CloneWithContext produces a new Kernel sharing the registry, profile,
// prompter, and config, but with fresh empty session_grants and a fresh
// notify_tool_used flag, scoped to the given identity (spec §4.3 "Scoped
// identity").
func (k *Kernel) CloneWithContext(userID, sessionID, channelID *string) *Kernel {
	newCtx := k.toolCtx
	newCtx.UserID = userID
	newCtx.SessionID = sessionID
	newCtx.ChannelID = channelID
	newCtx.NotifyToolUsed = new(atomic.Bool)
	return &Kernel{
		registry:      k.registry,
		profile:       k.profile,
		prompter:      k.prompter,
		cfg:           k.cfg,
		sessionGrants: permission.NewCapabilitySet(),
		toolCtx:       newCtx,
	}
}

// WithPrompter returns a shallow copy of the kernel using a different
// prompter (or NoopPrompter{} to strip prompting), sharing session_grants.
// Used by tests exercising "AllowSession persists across a stripped
// prompter" (spec §8 scenario 2).
func (k *Kernel) WithPrompter(p PermissionPrompter) *Kernel {
	if p == nil {
		p = NoopPrompter{}
	}
	k.mu.RLock()
	grants := k.sessionGrants.Clone()
	k.mu.RUnlock()
	return &Kernel{
		registry:      k.registry,
		profile:       k.profile,
		prompter:      p,
		cfg:           k.cfg,
		sessionGrants: grants,
		toolCtx:       k.toolCtx,
	}
}

func usesAllowsAny(toolName string) bool { return toolName == "schedule" }

// requiredSatisfied applies allows_any semantics for the "schedule" tool
// and allows_all for everything else (spec §4.3).
func requiredSatisfied(set permission.CapabilitySet, toolName string, required []permission.Permission) bool {
	if usesAllowsAny(toolName) {
		return set.AllowsAny(required)
	}
	return set.AllowsAll(required)
}

// checkPermissions runs the 5-source decision cascade from spec §4.3,
// returning true at the first source that satisfies required.
func (k *Kernel) checkPermissions(toolName string, required []permission.Permission, extraGrants *permission.CapabilitySet) bool {
	if requiredSatisfied(k.toolCtx.Capabilities, toolName, required) {
		return true
	}
	if extraGrants != nil && requiredSatisfied(*extraGrants, toolName, required) {
		return true
	}
	if requiredSatisfied(k.profile.PreAuthorized, toolName, required) {
		return true
	}
	k.mu.RLock()
	sessionOK := requiredSatisfied(k.sessionGrants, toolName, required)
	k.mu.RUnlock()
	if sessionOK {
		return true
	}
	if usesAllowsAny(toolName) {
		for _, r := range required {
			if r.IsAutoGranted(k.toolCtx.AutoGrantContext()) {
				return true
			}
		}
		return len(required) == 0
	}
	return permission.AllAutoGranted(required, k.toolCtx.AutoGrantContext())
}

// InvokeTool validates input, computes required permissions, checks them
// against the layered sources, and executes under timeout. It does not
// attempt interactive prompting on denial (spec §4.3).
func (k *Kernel) InvokeTool(ctx context.Context, toolName string, input json.RawMessage) (models.ToolResult, error) {
	return k.invoke(ctx, toolName, input, nil)
}

// InvokeToolWithGrants is InvokeTool plus a transient extra_grants source,
// used internally after an AllowOnce prompt decision.
func (k *Kernel) InvokeToolWithGrants(ctx context.Context, toolName string, input json.RawMessage, extra permission.CapabilitySet) (models.ToolResult, error) {
	return k.invoke(ctx, toolName, input, &extra)
}

func (k *Kernel) invoke(ctx context.Context, toolName string, input json.RawMessage, extraGrants *permission.CapabilitySet) (models.ToolResult, error) {
	if k.toolCtx.ExecutionMode == models.ModeScheduledJob && k.toolCtx.NotifyToolUsed != nil &&
		k.toolCtx.NotifyToolUsed.Load() && toolName != "notify" {
		skipped, _ := json.Marshal(map[string]string{
			"status": "skipped",
			"reason": "scheduled job already notified",
		})
		return models.ToolResult{Content: skipped}, nil
	}

	tool, ok := k.registry.Get(toolName)
	if !ok {
		return models.ToolResult{}, &InvalidInputError{Detail: "unknown tool " + toolName}
	}

	if err := k.registry.ValidateInput(toolName, input); err != nil {
		return models.ToolResult{}, &InvalidInputError{Detail: err.Error()}
	}

	required, err := tool.RequiredPermissions(ctx, k.toolCtx, input)
	if err != nil {
		return models.ToolResult{}, &InvalidInputError{Detail: err.Error()}
	}

	policy, err := tool.PreExecutionPolicy(ctx, k.toolCtx, input)
	if err != nil {
		return models.ToolResult{}, &ExecutionFailedError{Detail: err.Error()}
	}
	switch policy.Decision {
	case models.PolicyDeny:
		return models.ToolResult{}, &ExecutionFailedError{Detail: policy.Reason}
	case models.PolicyRequireApproval:
		return models.ToolResult{}, &PermissionDeniedError{Required: required}
	}

	if !k.checkPermissions(toolName, required, extraGrants) {
		return models.ToolResult{}, &PermissionDeniedError{Required: required}
	}

	result, err := k.executeWithTimeout(ctx, tool, toolName, input)
	if err == nil && toolName == "notify" && k.toolCtx.NotifyToolUsed != nil {
		k.toolCtx.NotifyToolUsed.Store(true)
	}
	return result, err
}

// InvokeToolWithPrompt is InvokeTool, but on PermissionDenied it attempts
// an interactive prompt per the suppression/promptability rules in spec
// §4.3, retrying on AllowOnce/AllowSession.
func (k *Kernel) InvokeToolWithPrompt(ctx context.Context, toolName string, input json.RawMessage) (models.ToolResult, error) {
	result, err := k.InvokeTool(ctx, toolName, input)
	if err == nil {
		return result, nil
	}

	var denied *PermissionDeniedError
	if !errors.As(err, &denied) || len(denied.Required) == 0 {
		return result, err
	}

	if k.toolCtx.ExecutionMode == models.ModeScheduledJob {
		return result, err
	}
	if !k.profile.AllowUserPrompts {
		return result, err
	}
	if permission.AllAutoGranted(denied.Required, k.toolCtx.AutoGrantContext()) {
		return result, err
	}
	if !requiredSatisfied(k.profile.MaxAllowed, toolName, denied.Required) {
		return result, err
	}
	if _, isNoop := k.prompter.(NoopPrompter); isNoop {
		return result, err
	}

	decision, promptErr := k.promptWithTimeout(ctx, toolName, denied.Required)
	if promptErr != nil || decision == nil {
		return result, err
	}

	switch *decision {
	case AllowOnce:
		grants := k.profile.PreAuthorized.Union(permission.NewCapabilitySet(denied.Required...))
		return k.InvokeToolWithGrants(ctx, toolName, input, grants)
	case AllowSession:
		k.mu.Lock()
		for _, p := range denied.Required {
			k.sessionGrants.Insert(p)
		}
		k.mu.Unlock()
		return k.InvokeTool(ctx, toolName, input)
	default: // Deny
		return result, err
	}
}

// GrantSession adds perms to this kernel's session_grants, as if an
// AllowSession prompt decision had been reached. Used by
// internal/agentloop when a transport's own approval callback (rather
// than the kernel's configured prompter) decides to grant a denied
// permission for the rest of this kernel clone's lifetime (spec §4.4
// "the callback's decision may override the kernel's prompter").
func (k *Kernel) GrantSession(perms ...permission.Permission) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range perms {
		k.sessionGrants.Insert(p)
	}
}

func (k *Kernel) promptWithTimeout(ctx context.Context, toolName string, required []permission.Permission) (*PromptDecision, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(k.profile.PromptTimeoutSecs)*time.Second)
	defer cancel()
	return k.prompter.Prompt(timeoutCtx, toolName, required, k.profile.PromptTimeoutSecs)
}

type toolOutcome struct {
	result models.ToolResult
	err    error
}

// executeWithTimeout implements the soft/hard timeout state machine from
// spec §4.3, using a goroutine-race idiom for cancellation.
func (k *Kernel) executeWithTimeout(ctx context.Context, tool toolregistry.Tool, toolName string, input json.RawMessage) (models.ToolResult, error) {
	hard := k.cfg.DefaultTimeout
	if t, ok := k.cfg.ToolTimeouts[toolName]; ok {
		hard = t
	}
	soft := SoftTimeoutDuration(hard, k.cfg.SoftTimeoutRatio)

	done := make(chan toolOutcome, 1)
	go func() {
		r, err := tool.Execute(ctx, k.toolCtx, input)
		done <- toolOutcome{result: r, err: err}
	}()

	if soft <= 0 {
		return k.waitFor(ctx, done, hard, toolName)
	}

	softTimer := time.NewTimer(soft)
	defer softTimer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	case <-softTimer.C:
	}

	extend := k.decideExtend(ctx, toolName, soft)
	var remaining time.Duration
	if extend {
		remaining = hard + k.cfg.TimeoutExtension - soft
	} else {
		remaining = hard - soft
	}
	if remaining < 0 {
		remaining = 0
	}
	return k.waitFor(ctx, done, remaining, toolName)
}

func (k *Kernel) waitFor(ctx context.Context, done <-chan toolOutcome, d time.Duration, toolName string) (models.ToolResult, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return models.ToolResult{}, ctx.Err()
	case <-timer.C:
		return models.ToolResult{}, &TimeoutError{Tool: toolName}
	}
}

// decideExtend implements maybe_extend_timeout: ScheduledJob mode always
// declines; AutoExtend policy always extends; Prompt policy asks the
// prompter under its own timeout and treats anything other than a
// confirmed true as declined.
func (k *Kernel) decideExtend(ctx context.Context, toolName string, soft time.Duration) bool {
	if k.toolCtx.ExecutionMode == models.ModeScheduledJob {
		return false
	}
	switch k.cfg.TimeoutPolicy {
	case TimeoutPolicyAutoExtend:
		return true
	case TimeoutPolicyPrompt:
		if _, isNoop := k.prompter.(NoopPrompter); isNoop {
			return false
		}
		promptCtx, cancel := context.WithTimeout(ctx, time.Duration(k.cfg.PromptExtensionTimeoutSecs)*time.Second)
		defer cancel()
		ok, err := k.prompter.PromptTimeoutExtension(promptCtx, toolName, soft, k.cfg.TimeoutExtension, k.cfg.PromptExtensionTimeoutSecs)
		if err != nil || ok == nil {
			return false
		}
		return *ok
	default:
		return false
	}
}
