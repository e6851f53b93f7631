package permission

import "testing"

func TestCapabilitySetAllowsGlobbedPaths(t *testing.T) {
	set := NewCapabilitySet(FileRead{Path: "/tmp/**"})
	required := FileRead{Path: "/tmp/example.txt"}
	if !set.Allows(required) {
		t.Fatalf("expected /tmp/** to cover /tmp/example.txt")
	}
}

func TestDomainPatternMatchesHost(t *testing.T) {
	set := NewCapabilitySet(NetAccess{Domain: "api.github.com"})
	required := NetAccess{Domain: "api.github.com"}
	if !set.Allows(required) {
		t.Fatalf("expected exact domain match to be allowed")
	}
}

func TestDomainPatternMatchesWildcardSubdomain(t *testing.T) {
	set := NewCapabilitySet(NetAccess{Domain: "*.github.com"})
	if !set.Allows(NetAccess{Domain: "api.github.com"}) {
		t.Fatalf("expected *.github.com to cover api.github.com")
	}
	if set.Allows(NetAccess{Domain: "github.com"}) {
		t.Fatalf("did not expect *.github.com to cover bare github.com")
	}
}

func TestShellExecNoneCoversAll(t *testing.T) {
	set := NewCapabilitySet(ShellExec{AllowedCommands: nil})
	required := ShellExec{AllowedCommands: []string{"git"}}
	if !set.Allows(required) {
		t.Fatalf("expected unrestricted shell grant to cover any command list")
	}
}

func TestShellExecSubsetRelationship(t *testing.T) {
	set := NewCapabilitySet(ShellExec{AllowedCommands: []string{"git", "rg", "ls"}})
	if !set.Allows(ShellExec{AllowedCommands: []string{"git", "rg"}}) {
		t.Fatalf("expected subset command list to be covered")
	}
	if set.Allows(ShellExec{AllowedCommands: []string{"git", "rm"}}) {
		t.Fatalf("did not expect rm to be covered")
	}
	if set.Allows(ShellExec{AllowedCommands: nil}) {
		t.Fatalf("a restricted grant must not cover an unrestricted requirement")
	}
}

func TestMemoryScopeChain(t *testing.T) {
	set := NewCapabilitySet(MemoryRead{Scope: ScopeUser})
	if !set.Allows(MemoryRead{Scope: ScopeUser}) {
		t.Fatalf("user should cover user")
	}
	if !set.Allows(MemoryRead{Scope: ScopeSession}) {
		t.Fatalf("user should cover session")
	}
	if set.Allows(MemoryRead{Scope: ScopeGlobal}) {
		t.Fatalf("user should not cover global")
	}
}

func TestPermissionRoundTrip(t *testing.T) {
	cases := []Permission{
		FileRead{Path: "/tmp/**"},
		FileWrite{Path: "~/notes/*.md"},
		NetAccess{Domain: "*.example.com"},
		ShellExec{AllowedCommands: nil},
		ShellExec{AllowedCommands: []string{"git", "rg"}},
		MemoryRead{Scope: ScopeSession},
		MemoryWrite{Scope: ScopeGlobal},
		Schedule{Action: "*"},
		Schedule{Action: "create"},
		Notify{Channel: "whatsapp"},
	}
	for _, p := range cases {
		parsed, err := Parse(p.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", p.String(), err)
		}
		if parsed.String() != p.String() {
			t.Fatalf("round trip mismatch: %q != %q", parsed.String(), p.String())
		}
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, bad := range []string{"", "bogus", "shell:", "memory:read:nope", "schedule:", "notify:"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected error parsing %q", bad)
		}
	}
}

func TestIsAutoGranted(t *testing.T) {
	userID := "u1"
	sessionID := "s1"
	ctx := AutoGrantContext{UserID: &userID, SessionID: &sessionID}

	if !(MemoryRead{Scope: ScopeSession}).IsAutoGranted(ctx) {
		t.Fatalf("session-scope memory read should auto-grant when session id present")
	}
	if !(MemoryWrite{Scope: ScopeUser}).IsAutoGranted(ctx) {
		t.Fatalf("user-scope memory write should auto-grant when user id present")
	}
	if (MemoryRead{Scope: ScopeGlobal}).IsAutoGranted(ctx) {
		t.Fatalf("global memory must never auto-grant")
	}

	emptyCtx := AutoGrantContext{}
	if (MemoryRead{Scope: ScopeSession}).IsAutoGranted(emptyCtx) {
		t.Fatalf("session-scope memory read must not auto-grant without a session id")
	}
}

func TestAllowsAllAndAllowsAny(t *testing.T) {
	set := NewCapabilitySet(Schedule{Action: "create"})
	required := []Permission{Schedule{Action: "create"}, Schedule{Action: "cancel"}}
	if set.AllowsAll(required) {
		t.Fatalf("expected AllowsAll to fail when cancel is not granted")
	}
	if !set.AllowsAny(required) {
		t.Fatalf("expected AllowsAny to succeed since create is granted")
	}
}

func TestChannelPermissionProfileValidate(t *testing.T) {
	profile := ChannelPermissionProfile{
		PreAuthorized: NewCapabilitySet(FileRead{Path: "/tmp/**"}),
		MaxAllowed:    NewCapabilitySet(),
	}
	if err := profile.Validate(); err == nil {
		t.Fatalf("expected validation error when pre_authorized exceeds max_allowed")
	}
	profile.MaxAllowed = NewCapabilitySet(FileRead{Path: "/tmp/**"})
	if err := profile.Validate(); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}
}
