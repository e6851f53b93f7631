// Package discord implements transport.InboundAdapter/OutboundSender
// against the Discord gateway via bwmarrin/discordgo (spec §6). Grounded
// on internal/channels/discord/adapter.go's Start/handleMessageCreate/Send
// idiom, narrowed to the transport package's two-interface surface: no
// slash commands, reactions, pins, or threads, since spec §6 only names
// plain text send/receive.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter.
type Config struct {
	Token string
}

// Adapter is a Discord channel connector.
type Adapter struct {
	token  string
	logger *slog.Logger

	mu        sync.Mutex
	session   *discordgo.Session
	connected bool

	messages chan transport.InboundMessage
}

// New creates a Discord Adapter. The gateway connection is established by
// Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: bot token not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:    cfg.Token,
		logger:   logger,
		messages: make(chan transport.InboundMessage, 256),
	}, nil
}

// ChannelType identifies this adapter (spec §6 InboundAdapter.channel_type).
func (a *Adapter) ChannelType() string { return "discord" }

// Start opens the Discord gateway connection and registers the message
// handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord: failed to create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	session.AddHandler(a.handleMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: failed to open gateway connection: %w", err)
	}

	a.session = session
	a.connected = true
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	return a.session.Close()
}

// Subscribe returns the adapter's inbound message stream, closing it when
// ctx is cancelled.
func (a *Adapter) Subscribe(ctx context.Context) (<-chan transport.InboundMessage, error) {
	out := make(chan transport.InboundMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-a.messages:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	msg := transport.InboundMessage{
		ChannelType: a.ChannelType(),
		ChannelID:   m.ChannelID,
		UserID:      m.Author.ID,
		Text:        m.Content,
		MessageID:   m.ID,
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("discord: inbound buffer full, dropping message", "channel_id", m.ChannelID)
	}
}

// Send posts msg.Text to msg.ChannelID (spec §6 OutboundSender.send).
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return "", errors.New("discord: adapter not started")
	}

	sent, err := session.ChannelMessageSend(msg.ChannelID, msg.Text)
	if err != nil {
		return "", fmt.Errorf("discord: send failed: %w", err)
	}
	return sent.ID, nil
}

// StreamToken is a no-op: Discord has no live per-session token stream,
// only whole-message sends (spec §6 OutboundSender.stream_token).
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
