// Package slack implements transport.InboundAdapter/OutboundSender against
// Slack's Events API over Socket Mode, via slack-go/slack (spec §6).
// Grounded on internal/channels/slack/adapter.go's socketmode.Client
// Run/handleEvents loop, narrowed to plain message send/receive (no
// Block Kit attachments, threads, or slash commands).
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter. BotToken is the xoxb- token used for API
// calls; AppToken is the xapp- token required for Socket Mode.
type Config struct {
	BotToken string
	AppToken string
}

// Adapter is a Slack channel connector.
type Adapter struct {
	client       *slack.Client
	socketClient *socketmode.Client
	logger       *slog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc

	messages chan transport.InboundMessage
}

// New creates a Slack Adapter. The Socket Mode connection is established
// by Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, errors.New("slack: BotToken and AppToken are both required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socketClient := socketmode.New(client, socketmode.OptionDebug(false))

	return &Adapter{
		client:       client,
		socketClient: socketClient,
		logger:       logger,
		messages:     make(chan transport.InboundMessage, 256),
	}, nil
}

// ChannelType identifies this adapter.
func (a *Adapter) ChannelType() string { return "slack" }

// Start runs the Socket Mode event loop in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if _, err := a.client.AuthTest(); err != nil {
		return fmt.Errorf("slack: authentication failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.connected = true

	go a.handleEvents(runCtx)
	go func() {
		if err := a.socketClient.Run(); err != nil {
			a.logger.Error("slack: socket mode connection ended", "error", err)
		}
	}()

	return nil
}

// Stop ends the Socket Mode connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	a.cancel()
	close(a.messages)
	return nil
}

// Subscribe returns the adapter's inbound message stream.
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

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socketClient.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			a.socketClient.Ack(*evt.Request)

			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || eventsAPIEvent.Type != slackevents.CallbackEvent {
				continue
			}
			inner, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok || inner.BotID != "" {
				continue
			}

			msg := transport.InboundMessage{
				ChannelType: a.ChannelType(),
				ChannelID:   inner.Channel,
				UserID:      inner.User,
				Text:        inner.Text,
				MessageID:   inner.TimeStamp,
			}
			select {
			case a.messages <- msg:
			default:
				a.logger.Warn("slack: inbound buffer full, dropping message", "channel_id", inner.Channel)
			}
		}
	}
}

// Send posts msg.Text to msg.ChannelID.
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	_, timestamp, err := a.client.PostMessageContext(ctx, msg.ChannelID, slack.MsgOptionText(msg.Text, false))
	if err != nil {
		return "", fmt.Errorf("slack: send failed: %w", err)
	}
	return timestamp, nil
}

// StreamToken is a no-op: Slack has no live per-session token stream.
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
