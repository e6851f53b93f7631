package channelprofile

import (
	"testing"

	"github.com/picobot-run/picobot/internal/permission"
)

func TestBuildProfileOverlaysOntoBase(t *testing.T) {
	base := permission.DefaultChannelPermissionProfile()
	allowPrompts := false
	timeout := uint64(45)
	cfg := ChannelConfig{
		MaxAllowed:        []string{"filesystem:read:/tmp/**"},
		AllowUserPrompts:  &allowPrompts,
		PromptTimeoutSecs: &timeout,
	}

	profile, err := BuildProfile(cfg, base)
	if err != nil {
		t.Fatalf("BuildProfile: %v", err)
	}
	if profile.AllowUserPrompts {
		t.Fatalf("expected AllowUserPrompts overridden to false")
	}
	if profile.PromptTimeoutSecs != 45 {
		t.Fatalf("expected PromptTimeoutSecs 45, got %d", profile.PromptTimeoutSecs)
	}
	if !profile.MaxAllowed.Allows(permission.FileRead{Path: "/tmp/a.txt"}) {
		t.Fatalf("expected MaxAllowed to cover /tmp/a.txt")
	}
}

func TestBuildProfileRejectsPreAuthorizedOutsideMaxAllowed(t *testing.T) {
	base := permission.DefaultChannelPermissionProfile()
	cfg := ChannelConfig{
		PreAuthorized: []string{"filesystem:read:/tmp/a.txt"},
		MaxAllowed:    []string{"filesystem:read:/var/**"},
	}

	if _, err := BuildProfile(cfg, base); err == nil {
		t.Fatalf("expected an error when pre_authorized exceeds max_allowed")
	}
}

func TestBuildProfileRejectsUnparsablePermission(t *testing.T) {
	base := permission.DefaultChannelPermissionProfile()
	cfg := ChannelConfig{MaxAllowed: []string{"not-a-real-permission"}}

	if _, err := BuildProfile(cfg, base); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestRegistryResolvesByChannelIDThenTypeThenDefault(t *testing.T) {
	def := permission.DefaultChannelPermissionProfile()
	def.AllowUserPrompts = true
	reg := New(def)

	typeProfile := def
	typeProfile.AllowUserPrompts = false
	reg.SetChannelType("whatsapp", typeProfile)

	idProfile := def
	idProfile.PromptTimeoutSecs = 5
	reg.SetChannel("whatsapp:+15551234567", idProfile)

	if got := reg.Resolve("whatsapp", "whatsapp:+15551234567"); got.PromptTimeoutSecs != 5 {
		t.Fatalf("expected channel_id override to win, got %+v", got)
	}
	if got := reg.Resolve("whatsapp", "whatsapp:+19995551111"); got.AllowUserPrompts {
		t.Fatalf("expected channel_type override for an unconfigured id, got %+v", got)
	}
	if got := reg.Resolve("slack", "C123"); !got.AllowUserPrompts {
		t.Fatalf("expected the registry default for an unmatched type, got %+v", got)
	}
}

func TestRegistryReplaceSwapsAtomically(t *testing.T) {
	reg := New(permission.DefaultChannelPermissionProfile())
	replacement := permission.DefaultChannelPermissionProfile()
	replacement.PromptTimeoutSecs = 99

	reg.Replace(replacement, nil, nil)

	if got := reg.Resolve("slack", "C999"); got.PromptTimeoutSecs != 99 {
		t.Fatalf("expected Replace's default to apply, got %+v", got)
	}
}
