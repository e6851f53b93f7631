package config

import (
	"fmt"

	"github.com/picobot-run/picobot/internal/channelprofile"
	"github.com/picobot-run/picobot/internal/permission"
)

// ChannelsConfig configures the six transports this module wires
// (WhatsApp, Slack, Discord, Telegram, Mattermost, Nostr) plus the
// permission-profile overlay internal/channelprofile resolves prompt
// mediation against: one per-transport block shape (BotToken/ServerURL/
// etc. fields, DM/Group ChannelPolicyConfig) per transport this spec
// names.
type ChannelsConfig struct {
	DefaultProfile channelprofile.ChannelConfig            `yaml:"default_profile"`
	ByType         map[string]channelprofile.ChannelConfig `yaml:"by_type"`
	ByChannelID    map[string]channelprofile.ChannelConfig `yaml:"by_channel_id"`

	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Slack      SlackConfig      `yaml:"slack"`
	Discord    DiscordConfig    `yaml:"discord"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Nostr      NostrConfig      `yaml:"nostr"`
}

// ChannelPolicyConfig controls which senders a transport accepts messages
// from: DM vs group chat each get their own policy and allowlist.
type ChannelPolicyConfig struct {
	Policy    string   `yaml:"policy"` // open | allowlist | pairing | disabled
	AllowFrom []string `yaml:"allow_from"`
}

type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SessionPath string `yaml:"session_path"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppID    string `yaml:"app_id"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type MattermostConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	TeamName  string `yaml:"team_name"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type NostrConfig struct {
	Enabled    bool     `yaml:"enabled"`
	PrivateKey string   `yaml:"private_key"`
	Relays     []string `yaml:"relays"`

	DM ChannelPolicyConfig `yaml:"dm"`
}

func applyChannelsDefaults(cfg *ChannelsConfig) {
	if cfg.DefaultProfile.PromptTimeoutSecs == nil {
		d := uint64(30)
		cfg.DefaultProfile.PromptTimeoutSecs = &d
	}
	if cfg.DefaultProfile.AllowUserPrompts == nil {
		t := true
		cfg.DefaultProfile.AllowUserPrompts = &t
	}
	for _, policy := range []*ChannelPolicyConfig{
		&cfg.WhatsApp.DM, &cfg.Slack.DM, &cfg.Discord.DM,
		&cfg.Telegram.DM, &cfg.Mattermost.DM, &cfg.Nostr.DM,
	} {
		if policy.Policy == "" {
			policy.Policy = "allowlist"
		}
	}
}

func validateChannels(cfg ChannelsConfig) []string {
	var issues []string
	for typ, pc := range cfg.ByType {
		if !validPolicyChannelType(typ) {
			issues = append(issues, fmt.Sprintf("channels.by_type: unknown channel type %q", typ))
		}
		if _, err := channelprofile.BuildProfile(pc, permission.DefaultChannelPermissionProfile()); err != nil {
			issues = append(issues, fmt.Sprintf("channels.by_type[%s]: %v", typ, err))
		}
	}
	for id, pc := range cfg.ByChannelID {
		if _, err := channelprofile.BuildProfile(pc, permission.DefaultChannelPermissionProfile()); err != nil {
			issues = append(issues, fmt.Sprintf("channels.by_channel_id[%s]: %v", id, err))
		}
	}
	if _, err := channelprofile.BuildProfile(cfg.DefaultProfile, permission.DefaultChannelPermissionProfile()); err != nil {
		issues = append(issues, fmt.Sprintf("channels.default_profile: %v", err))
	}
	return issues
}

func validPolicyChannelType(t string) bool {
	switch t {
	case "whatsapp", "slack", "discord", "telegram", "mattermost", "nostr":
		return true
	default:
		return false
	}
}

// BuildChannelProfileRegistry materializes a channelprofile.Registry from a
// loaded Config, applying each by_type/by_channel_id override onto the
// registry-wide default profile. Used both at startup and by watch.go's
// fsnotify-triggered reload.
func BuildChannelProfileRegistry(cfg ChannelsConfig) (*channelprofile.Registry, error) {
	base := permission.DefaultChannelPermissionProfile()
	def, err := channelprofile.BuildProfile(cfg.DefaultProfile, base)
	if err != nil {
		return nil, fmt.Errorf("default_profile: %w", err)
	}

	byType := make(map[string]permission.ChannelPermissionProfile, len(cfg.ByType))
	for typ, pc := range cfg.ByType {
		p, err := channelprofile.BuildProfile(pc, def)
		if err != nil {
			return nil, fmt.Errorf("by_type[%s]: %w", typ, err)
		}
		byType[typ] = p
	}

	byChannelID := make(map[string]permission.ChannelPermissionProfile, len(cfg.ByChannelID))
	for id, pc := range cfg.ByChannelID {
		base := def
		if p, ok := byType[channelTypeOf(id)]; ok {
			base = p
		}
		p, err := channelprofile.BuildProfile(pc, base)
		if err != nil {
			return nil, fmt.Errorf("by_channel_id[%s]: %w", id, err)
		}
		byChannelID[id] = p
	}

	reg := channelprofile.New(def)
	reg.Replace(def, byChannelID, byType)
	return reg, nil
}

// channelTypeOf extracts the "whatsapp" out of a "whatsapp:+1555..."-shaped
// channel id, matching the colon-separated id convention spec.md §6 uses
// for channel identifiers.
func channelTypeOf(channelID string) string {
	for i := 0; i < len(channelID); i++ {
		if channelID[i] == ':' {
			return channelID[:i]
		}
	}
	return channelID
}
