package kernel

import (
	"context"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

// PromptDecision is the user's answer to an interactive permission prompt.
type PromptDecision int

const (
	AllowOnce PromptDecision = iota
	AllowSession
	Deny
)

// PermissionPrompter mediates interactive permission prompts and timeout
// extension requests (spec §6). A nil *PromptDecision / nil *bool return
// from either method means "no answer within the timeout", which the
// kernel treats as Deny / "don't extend" respectively — matching the Rust
// reference's Option<Decision>::None-as-timeout convention rather than a
// dedicated fourth enum case.
type PermissionPrompter interface {
	Prompt(ctx context.Context, toolName string, required []permission.Permission, timeoutSecs uint64) (*PromptDecision, error)
	// PromptTimeoutExtension has a meaningful default of "always decline"
	// for prompters that don't implement it specially; tools call it only
	// under TimeoutPolicyPrompt.
	PromptTimeoutExtension(ctx context.Context, toolName string, soft, extension time.Duration, timeoutSecs uint64) (*bool, error)
}

// NoopPrompter always reports no answer: every prompt suppresses to Deny,
// every extension request declines. It exists so "no prompter configured"
// is a type-visible, explicit choice at call sites rather than a nil check
// scattered through the kernel (spec §9 "Permission prompter as an
// interface").
type NoopPrompter struct{}

func (NoopPrompter) Prompt(context.Context, string, []permission.Permission, uint64) (*PromptDecision, error) {
	return nil, nil
}

func (NoopPrompter) PromptTimeoutExtension(context.Context, string, time.Duration, time.Duration, uint64) (*bool, error) {
	return nil, nil
}
