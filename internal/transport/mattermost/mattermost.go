// Package mattermost implements transport.InboundAdapter/OutboundSender
// against a Mattermost server via mattermost/mattermost/server/public/model
// (spec §6). Grounded on internal/channels/mattermost/adapter.go's
// API v4 client + WebSocket event handler pattern, narrowed to plain text
// posts (no typing indicators, no streaming edits).
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter.
type Config struct {
	ServerURL string
	Token     string
}

// Adapter is a Mattermost channel connector.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    *model.Client4
	ws        *model.WebSocketClient
	botUserID string
	connected bool

	messages chan transport.InboundMessage
}

// New creates a Mattermost Adapter. The WebSocket connection is
// established by Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.ServerURL == "" || cfg.Token == "" {
		return nil, errors.New("mattermost: server_url and token are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan transport.InboundMessage, 256),
	}, nil
}

// ChannelType identifies this adapter (spec §6 InboundAdapter.channel_type).
func (a *Adapter) ChannelType() string { return "mattermost" }

// Start authenticates the API v4 client, opens the events WebSocket, and
// registers the post-event handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	client := model.NewAPIv4Client(a.cfg.ServerURL)
	client.SetToken(a.cfg.Token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("mattermost: failed to authenticate: %w", err)
	}

	wsURL := "wss://" + strings.TrimPrefix(strings.TrimPrefix(a.cfg.ServerURL, "https://"), "http://")
	ws, err := model.NewWebSocketClient4(wsURL, a.cfg.Token)
	if err != nil {
		return fmt.Errorf("mattermost: failed to open websocket: %w", err)
	}
	ws.Listen()

	a.client = client
	a.ws = ws
	a.botUserID = me.Id
	a.connected = true
	go a.handleEvents(ws)
	return nil
}

// Stop closes the events WebSocket.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.ws.Close()
	a.connected = false
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

func (a *Adapter) handleEvents(ws *model.WebSocketClient) {
	for event := range ws.EventChannel {
		if event.EventType() != model.WebsocketEventPosted {
			continue
		}
		postJSON, ok := event.GetData()["post"].(string)
		if !ok {
			continue
		}
		post, err := model.PostFromJson(strings.NewReader(postJSON))
		if err != nil || post == nil || post.UserId == a.botUserID {
			continue
		}
		msg := transport.InboundMessage{
			ChannelType: a.ChannelType(),
			ChannelID:   post.ChannelId,
			UserID:      post.UserId,
			Text:        post.Message,
			MessageID:   post.Id,
		}
		select {
		case a.messages <- msg:
		default:
			a.logger.Warn("mattermost: inbound buffer full, dropping message", "channel_id", msg.ChannelID)
		}
	}
}

// Send creates a post in msg.ChannelID (spec §6 OutboundSender.send).
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return "", errors.New("mattermost: adapter not started")
	}

	post, _, err := client.CreatePost(ctx, &model.Post{
		ChannelId: msg.ChannelID,
		Message:   msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("mattermost: send failed: %w", err)
	}
	return post.Id, nil
}

// StreamToken is a no-op: this adapter doesn't edit posts incrementally
// (spec §6 OutboundSender.stream_token).
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
