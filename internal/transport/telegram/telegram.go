// Package telegram implements transport.InboundAdapter/OutboundSender
// against the Telegram Bot API via go-telegram/bot (spec §6). Grounded on
// internal/channels/telegram/adapter.go's long-polling handler registration
// and internal/channels/telegram/bot_client.go's BotClient interface
// (kept here, narrowed to the one send method the transport package needs),
// which exists so tests can inject a fake client instead of hitting the
// real Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter.
type Config struct {
	Token string
}

// BotClient is the subset of *bot.Bot this adapter drives: just what
// send/receive needs.
type BotClient interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*tgmodels.Message, error)
	RegisterHandler(handlerType tgbot.HandlerType, pattern string, matchType tgbot.MatchType, handler tgbot.HandlerFunc)
	Start(ctx context.Context)
}

// Adapter is a Telegram channel connector.
type Adapter struct {
	token  string
	logger *slog.Logger

	mu      sync.Mutex
	client  BotClient
	started bool

	messages chan transport.InboundMessage
}

// New creates a Telegram Adapter. The bot connection (long polling) is
// established by Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token not configured")
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
func (a *Adapter) ChannelType() string { return "telegram" }

// Start creates the underlying *bot.Bot, registers the text-message
// handler, and begins long polling in a background goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	b, err := tgbot.New(a.token, tgbot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	a.client = b
	a.started = true
	go b.Start(ctx)
	return nil
}

// Stop is a no-op beyond marking the adapter stopped; the long-poll
// goroutine exits when ctx (passed to Start) is cancelled.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
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

func (a *Adapter) handleUpdate(ctx context.Context, b *tgbot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.From.IsBot {
		return
	}
	msg := transport.InboundMessage{
		ChannelType: a.ChannelType(),
		ChannelID:   strconv.FormatInt(update.Message.Chat.ID, 10),
		UserID:      strconv.FormatInt(update.Message.From.ID, 10),
		Text:        update.Message.Text,
		MessageID:   strconv.Itoa(update.Message.ID),
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("telegram: inbound buffer full, dropping message", "chat_id", msg.ChannelID)
	}
}

// Send posts msg.Text to the chat identified by msg.ChannelID (spec §6
// OutboundSender.send).
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return "", errors.New("telegram: adapter not started")
	}

	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChannelID, err)
	}

	sent, err := client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send failed: %w", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// StreamToken is a no-op: the Bot API has no incremental edit-as-you-go
// primitive cheap enough to call per token (spec §6 OutboundSender.stream_token).
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
