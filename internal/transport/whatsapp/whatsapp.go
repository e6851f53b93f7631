// Package whatsapp implements transport.InboundAdapter/OutboundSender
// against WhatsApp via go.mau.fi/whatsmeow's multi-device protocol (spec
// §6). Grounded on internal/channels/whatsapp/adapter.go's
// sqlstore-backed device container and events.Message handler, narrowed to
// plain text send/receive (no media, no group metadata tracking). Pairing
// is QR-code based, per SPEC_FULL.md's DOMAIN STACK row for
// skip2/go-qrcode: on first run (no paired device in the store) Start
// renders the whatsmeow-issued pairing code to the terminal as a QR code
// and waits for the user to scan it from their phone.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter.
type Config struct {
	// SessionPath is the SQLite file backing whatsmeow's device store,
	// persisting pairing across restarts.
	SessionPath string
}

// Adapter is a WhatsApp channel connector.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	connected bool

	messages chan transport.InboundMessage
}

// New creates a WhatsApp Adapter. The device connection (and, on first
// run, QR pairing) is established by Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.SessionPath == "" {
		return nil, errors.New("whatsapp: session_path not configured")
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
func (a *Adapter) ChannelType() string { return "whatsapp" }

// Start opens (or creates) the device store, connects the whatsmeow
// client, and registers the inbound message handler. If no device has
// paired yet, it prints a pairing QR code and blocks until the user scans
// it or ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.cfg.SessionPath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: failed to open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrDeviceNotFound) {
			return fmt.Errorf("whatsapp: failed to load device: %w", err)
		}
		deviceStore = container.NewDevice()
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Noop)
	client.AddEventHandler(a.handleEvent)

	if client.Store.ID == nil {
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: failed to connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				code, err := qrcode.New(evt.Code, qrcode.Medium)
				if err == nil {
					a.logger.Info("whatsapp: scan this QR code with your phone", "qr", code.ToSmallString(false))
				}
			}
		}
	} else if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}

	a.container = container
	a.client = client
	a.connected = true
	return nil
}

// Stop disconnects the whatsmeow client.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.client.Disconnect()
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

func (a *Adapter) handleEvent(evt interface{}) {
	msgEvt, ok := evt.(*events.Message)
	if !ok || msgEvt.Info.IsFromMe {
		return
	}
	text := msgEvt.Message.GetConversation()
	if text == "" && msgEvt.Message.GetExtendedTextMessage() != nil {
		text = msgEvt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}
	msg := transport.InboundMessage{
		ChannelType: a.ChannelType(),
		ChannelID:   msgEvt.Info.Chat.String(),
		UserID:      msgEvt.Info.Sender.User,
		Text:        text,
		MessageID:   msgEvt.Info.ID,
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("whatsapp: inbound buffer full, dropping message", "chat", msg.ChannelID)
	}
}

// Send posts msg.Text to the JID identified by msg.ChannelID (spec §6
// OutboundSender.send).
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return "", errors.New("whatsapp: adapter not started")
	}

	jid, err := types.ParseJID(msg.ChannelID)
	if err != nil {
		return "", fmt.Errorf("whatsapp: invalid chat jid %q: %w", msg.ChannelID, err)
	}

	resp, err := client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(msg.Text),
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: send failed: %w", err)
	}
	return resp.ID, nil
}

// StreamToken is a no-op: WhatsApp has no live per-session token stream
// (spec §6 OutboundSender.stream_token).
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
