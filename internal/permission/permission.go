// Package permission implements the capability/permission model: the
// tagged-variant Permission type, glob-based covers() matching, and the
// CapabilitySet layered-grant container used throughout the kernel.
package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MemoryScope identifies the granularity of a memory permission. Scopes
// form a chain: Global covers User covers Session.
type MemoryScope string

const (
	ScopeSession MemoryScope = "session"
	ScopeUser    MemoryScope = "user"
	ScopeGlobal  MemoryScope = "global"
)

// Covers reports whether a permission granted at scope s satisfies a
// requirement at scope required.
func (s MemoryScope) Covers(required MemoryScope) bool {
	switch s {
	case ScopeGlobal:
		return true
	case ScopeUser:
		return required == ScopeUser || required == ScopeSession
	case ScopeSession:
		return required == ScopeSession
	default:
		return false
	}
}

func parseMemoryScope(value string) (MemoryScope, error) {
	switch value {
	case string(ScopeSession), string(ScopeUser), string(ScopeGlobal):
		return MemoryScope(value), nil
	default:
		return "", fmt.Errorf("invalid memory scope %q", value)
	}
}

// Permission is the tagged-variant capability type. Every concrete
// permission implements Covers (the partial order used for capability
// checking), String (the wire/config grammar from spec §6), and Key (a
// canonical string used to dedupe within a CapabilitySet).
type Permission interface {
	// Covers reports whether this (granted) permission satisfies required.
	Covers(required Permission) bool
	// IsAutoGranted reports whether this kind of permission is implicitly
	// granted given the tool context, independent of any capability set.
	IsAutoGranted(ctx AutoGrantContext) bool
	fmt.Stringer
}

// AutoGrantContext carries the minimal identity fields needed to evaluate
// Permission.IsAutoGranted without importing the kernel/tool package (which
// would create an import cycle, since the kernel depends on permission).
type AutoGrantContext struct {
	UserID    *string
	SessionID *string
}

// FileRead grants read access to paths matching Path (a glob pattern).
type FileRead struct{ Path string }

// FileWrite grants write access to paths matching Path (a glob pattern).
type FileWrite struct{ Path string }

// NetAccess grants outbound network access to hosts matching Domain (a
// glob pattern).
type NetAccess struct{ Domain string }

// ShellExec grants execution of the listed commands; nil AllowedCommands
// means any command is allowed.
type ShellExec struct{ AllowedCommands []string }

// MemoryRead grants read access to memories at Scope (and narrower scopes,
// per MemoryScope.Covers).
type MemoryRead struct{ Scope MemoryScope }

// MemoryWrite grants write access to memories at Scope.
type MemoryWrite struct{ Scope MemoryScope }

// Schedule grants the ability to perform Action ("create", "cancel", ...,
// or "*" for all actions) against the scheduler.
type Schedule struct{ Action string }

// Notify grants the ability to send outbound notifications on Channel (or
// "*" for any channel).
type Notify struct{ Channel string }

func (p FileRead) String() string  { return "filesystem:read:" + p.Path }
func (p FileWrite) String() string { return "filesystem:write:" + p.Path }
func (p NetAccess) String() string { return "net:" + p.Domain }
func (p ShellExec) String() string {
	if p.AllowedCommands == nil {
		return "shell:*"
	}
	return "shell:" + strings.Join(p.AllowedCommands, ",")
}
func (p MemoryRead) String() string  { return "memory:read:" + string(p.Scope) }
func (p MemoryWrite) String() string { return "memory:write:" + string(p.Scope) }
func (p Schedule) String() string    { return "schedule:" + p.Action }
func (p Notify) String() string      { return "notify:" + p.Channel }

// Covers implements the per-variant partial order from spec §4.1. Two
// permissions of different concrete types never cover one another.
func (p FileRead) Covers(required Permission) bool {
	other, ok := required.(FileRead)
	if !ok {
		return false
	}
	return matchPath(p.Path, other.Path)
}

func (p FileWrite) Covers(required Permission) bool {
	other, ok := required.(FileWrite)
	if !ok {
		return false
	}
	return matchPath(p.Path, other.Path)
}

func (p NetAccess) Covers(required Permission) bool {
	other, ok := required.(NetAccess)
	if !ok {
		return false
	}
	return matchDomain(p.Domain, other.Domain)
}

func (p ShellExec) Covers(required Permission) bool {
	other, ok := required.(ShellExec)
	if !ok {
		return false
	}
	if p.AllowedCommands == nil {
		return true
	}
	if other.AllowedCommands == nil {
		return false
	}
	granted := make(map[string]struct{}, len(p.AllowedCommands))
	for _, c := range p.AllowedCommands {
		granted[c] = struct{}{}
	}
	for _, c := range other.AllowedCommands {
		if _, ok := granted[c]; !ok {
			return false
		}
	}
	return true
}

func (p MemoryRead) Covers(required Permission) bool {
	other, ok := required.(MemoryRead)
	if !ok {
		return false
	}
	return p.Scope.Covers(other.Scope)
}

func (p MemoryWrite) Covers(required Permission) bool {
	other, ok := required.(MemoryWrite)
	if !ok {
		return false
	}
	return p.Scope.Covers(other.Scope)
}

func (p Schedule) Covers(required Permission) bool {
	other, ok := required.(Schedule)
	if !ok {
		return false
	}
	return p.Action == "*" || p.Action == other.Action
}

func (p Notify) Covers(required Permission) bool {
	other, ok := required.(Notify)
	if !ok {
		return false
	}
	return p.Channel == "*" || p.Channel == other.Channel
}

// IsAutoGranted matches spec §4.1: memory-session is auto-granted when a
// session id is present on the context, memory-user when a user id is
// present; global memory is never auto-granted; everything else requires
// an explicit grant.
func (p FileRead) IsAutoGranted(AutoGrantContext) bool  { return false }
func (p FileWrite) IsAutoGranted(AutoGrantContext) bool { return false }
func (p NetAccess) IsAutoGranted(AutoGrantContext) bool { return false }
func (p ShellExec) IsAutoGranted(AutoGrantContext) bool { return false }
func (p Schedule) IsAutoGranted(AutoGrantContext) bool  { return false }
func (p Notify) IsAutoGranted(AutoGrantContext) bool    { return false }

func (p MemoryRead) IsAutoGranted(ctx AutoGrantContext) bool {
	return autoGrantMemory(p.Scope, ctx)
}

func (p MemoryWrite) IsAutoGranted(ctx AutoGrantContext) bool {
	return autoGrantMemory(p.Scope, ctx)
}

func autoGrantMemory(scope MemoryScope, ctx AutoGrantContext) bool {
	switch scope {
	case ScopeSession:
		return ctx.SessionID != nil
	case ScopeUser:
		return ctx.UserID != nil
	default:
		return false
	}
}

// Parse parses the wire/config grammar from spec §6 into a Permission.
func Parse(value string) (Permission, error) {
	switch {
	case strings.HasPrefix(value, "filesystem:read:"):
		return FileRead{Path: strings.TrimPrefix(value, "filesystem:read:")}, nil
	case strings.HasPrefix(value, "filesystem:write:"):
		return FileWrite{Path: strings.TrimPrefix(value, "filesystem:write:")}, nil
	case strings.HasPrefix(value, "net:"):
		return NetAccess{Domain: strings.TrimPrefix(value, "net:")}, nil
	case value == "shell:*":
		return ShellExec{AllowedCommands: nil}, nil
	case strings.HasPrefix(value, "shell:"):
		list := strings.TrimPrefix(value, "shell:")
		var commands []string
		for _, entry := range strings.Split(list, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				commands = append(commands, entry)
			}
		}
		if len(commands) == 0 {
			return nil, fmt.Errorf("shell permissions require at least one command or '*'")
		}
		return ShellExec{AllowedCommands: commands}, nil
	case strings.HasPrefix(value, "memory:read:"):
		scope, err := parseMemoryScope(strings.TrimPrefix(value, "memory:read:"))
		if err != nil {
			return nil, err
		}
		return MemoryRead{Scope: scope}, nil
	case strings.HasPrefix(value, "memory:write:"):
		scope, err := parseMemoryScope(strings.TrimPrefix(value, "memory:write:"))
		if err != nil {
			return nil, err
		}
		return MemoryWrite{Scope: scope}, nil
	case strings.HasPrefix(value, "schedule:"):
		action := strings.TrimPrefix(value, "schedule:")
		if action == "" {
			return nil, fmt.Errorf("schedule permission requires an action")
		}
		return Schedule{Action: action}, nil
	case strings.HasPrefix(value, "notify:"):
		channel := strings.TrimPrefix(value, "notify:")
		if channel == "" {
			return nil, fmt.Errorf("notify permission requires a channel")
		}
		return Notify{Channel: channel}, nil
	default:
		return nil, fmt.Errorf("invalid permission %q", value)
	}
}

func matchDomain(pattern, domain string) bool {
	ok, err := globMatch(pattern, domain)
	return err == nil && ok
}

func matchPath(pattern, path string) bool {
	expandedPattern := expandTilde(pattern)
	expandedPath := expandTilde(path)
	ok, err := globMatch(normalizePathSeparators(expandedPattern), normalizePathSeparators(expandedPath))
	return err == nil && ok
}

func normalizePathSeparators(p string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
}

func expandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, strings.TrimPrefix(p, "~/"))
		}
	}
	return p
}

// SortedStrings is a small helper used by tests and debug output to get a
// deterministic ordering of a set of permission strings.
func SortedStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}
