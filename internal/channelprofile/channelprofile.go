// Package channelprofile maps a channel identifier to the
// permission.ChannelPermissionProfile that governs prompt mediation for it
// (spec §2 "Channel profile adapter"): an RWMutex-guarded lookup table,
// reloadable in place so internal/config's fsnotify watcher can push a
// new config without restarting the process.
package channelprofile

import (
	"fmt"
	"sync"

	"github.com/picobot-run/picobot/internal/permission"
)

// ChannelConfig is the on-disk (YAML) shape for one channel's permission
// profile override, parsed against permission.Parse.
type ChannelConfig struct {
	PreAuthorized     []string `yaml:"pre_authorized,omitempty"`
	MaxAllowed        []string `yaml:"max_allowed,omitempty"`
	AllowUserPrompts  *bool    `yaml:"allow_user_prompts,omitempty"`
	PromptTimeoutSecs *uint64  `yaml:"prompt_timeout_secs,omitempty"`
}

// BuildProfile parses cfg against permission.Parse and overlays it onto
// base, which is typically permission.DefaultChannelPermissionProfile().
// Fields left zero in cfg keep base's value.
func BuildProfile(cfg ChannelConfig, base permission.ChannelPermissionProfile) (permission.ChannelPermissionProfile, error) {
	profile := base

	if len(cfg.PreAuthorized) > 0 {
		perms, err := parseAll(cfg.PreAuthorized)
		if err != nil {
			return permission.ChannelPermissionProfile{}, fmt.Errorf("pre_authorized: %w", err)
		}
		profile.PreAuthorized = permission.NewCapabilitySet(perms...)
	}
	if len(cfg.MaxAllowed) > 0 {
		perms, err := parseAll(cfg.MaxAllowed)
		if err != nil {
			return permission.ChannelPermissionProfile{}, fmt.Errorf("max_allowed: %w", err)
		}
		profile.MaxAllowed = permission.NewCapabilitySet(perms...)
	}
	if cfg.AllowUserPrompts != nil {
		profile.AllowUserPrompts = *cfg.AllowUserPrompts
	}
	if cfg.PromptTimeoutSecs != nil {
		profile.PromptTimeoutSecs = *cfg.PromptTimeoutSecs
	}

	if err := profile.Validate(); err != nil {
		return permission.ChannelPermissionProfile{}, err
	}
	return profile, nil
}

func parseAll(values []string) ([]permission.Permission, error) {
	perms := make([]permission.Permission, 0, len(values))
	for _, v := range values {
		p, err := permission.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", v, err)
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// Registry resolves a (channel_type, channel_id) pair to a
// ChannelPermissionProfile. Lookup order: an exact channel_id override,
// then a channel_type-wide override, then the registry's default.
type Registry struct {
	mu          sync.RWMutex
	byChannelID map[string]permission.ChannelPermissionProfile
	byType      map[string]permission.ChannelPermissionProfile
	defaultProf permission.ChannelPermissionProfile
}

// New returns a Registry falling back to def when nothing more specific
// matches.
func New(def permission.ChannelPermissionProfile) *Registry {
	return &Registry{
		byChannelID: make(map[string]permission.ChannelPermissionProfile),
		byType:      make(map[string]permission.ChannelPermissionProfile),
		defaultProf: def,
	}
}

// Resolve returns the profile governing channelID on channelType.
func (r *Registry) Resolve(channelType, channelID string) permission.ChannelPermissionProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.byChannelID[channelID]; ok {
		return p
	}
	if p, ok := r.byType[channelType]; ok {
		return p
	}
	return r.defaultProf
}

// SetChannel installs a channel_id-scoped override.
func (r *Registry) SetChannel(channelID string, profile permission.ChannelPermissionProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChannelID[channelID] = profile
}

// SetChannelType installs a channel_type-wide override.
func (r *Registry) SetChannelType(channelType string, profile permission.ChannelPermissionProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[channelType] = profile
}

// SetDefault replaces the fallback profile used when no channel_id or
// channel_type override matches.
func (r *Registry) SetDefault(profile permission.ChannelPermissionProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProf = profile
}

// Snapshot returns copies of the registry's current default, by-channel-id,
// and by-type maps, suitable for handing to Replace on another Registry
// instance (e.g. when a config reload builds a fresh Registry and needs to
// push its contents into the live one without swapping the pointer).
func (r *Registry) Snapshot() (permission.ChannelPermissionProfile, map[string]permission.ChannelPermissionProfile, map[string]permission.ChannelPermissionProfile) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byChannelID := make(map[string]permission.ChannelPermissionProfile, len(r.byChannelID))
	for k, v := range r.byChannelID {
		byChannelID[k] = v
	}
	byType := make(map[string]permission.ChannelPermissionProfile, len(r.byType))
	for k, v := range r.byType {
		byType[k] = v
	}
	return r.defaultProf, byChannelID, byType
}

// Replace atomically swaps the whole registry's contents, used by
// internal/config's live-reload watcher to apply a new config generation
// without a window where concurrent Resolve calls see a half-applied
// update.
func (r *Registry) Replace(def permission.ChannelPermissionProfile, byChannelID, byType map[string]permission.ChannelPermissionProfile) {
	if byChannelID == nil {
		byChannelID = make(map[string]permission.ChannelPermissionProfile)
	}
	if byType == nil {
		byType = make(map[string]permission.ChannelPermissionProfile)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultProf = def
	r.byChannelID = byChannelID
	r.byType = byType
}
