// Package nostr implements transport.InboundAdapter/OutboundSender over the
// Nostr protocol (NIP-04 encrypted direct messages) via nbd-wtf/go-nostr
// (spec §6). Grounded on internal/channels/nostr/adapter.go's
// multi-relay subscribe/publish pattern, narrowed to a single conversation
// shape: one "channel" is one counterparty pubkey.
package nostr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/picobot-run/picobot/internal/transport"
)

// Config configures an Adapter.
type Config struct {
	// PrivateKey is the bot's hex-encoded Nostr secret key.
	PrivateKey string
	// Relays is the set of relay URLs to connect to. Defaults to a small
	// public set if empty.
	Relays []string
}

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
}

// Adapter is a Nostr channel connector.
type Adapter struct {
	privateKey string
	publicKey  string
	relayURLs  []string
	logger     *slog.Logger

	mu      sync.Mutex
	relays  []*nostr.Relay
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	messages chan transport.InboundMessage
}

// New creates a Nostr Adapter. Relay connections are established by
// Start, not New.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("nostr: private_key not configured")
	}
	pub, err := nostr.GetPublicKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("nostr: invalid private key: %w", err)
	}
	relays := cfg.Relays
	if len(relays) == 0 {
		relays = defaultRelays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		privateKey: cfg.PrivateKey,
		publicKey:  pub,
		relayURLs:  relays,
		logger:     logger,
		messages:   make(chan transport.InboundMessage, 256),
	}, nil
}

// ChannelType identifies this adapter (spec §6 InboundAdapter.channel_type).
func (a *Adapter) ChannelType() string { return "nostr" }

// Start connects to every configured relay and subscribes to NIP-04
// encrypted DMs addressed to this adapter's public key.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.ctx = runCtx
	a.cancel = cancel

	for _, url := range a.relayURLs {
		relay, err := nostr.RelayConnect(runCtx, url)
		if err != nil {
			a.logger.Warn("nostr: failed to connect to relay", "relay", url, "error", err)
			continue
		}
		a.relays = append(a.relays, relay)
		go a.subscribeToRelay(relay)
	}
	if len(a.relays) == 0 {
		cancel()
		return errors.New("nostr: failed to connect to any relay")
	}

	a.started = true
	return nil
}

func (a *Adapter) subscribeToRelay(relay *nostr.Relay) {
	since := nostr.Timestamp(time.Now().Add(-2 * time.Minute).Unix())
	filters := nostr.Filters{{
		Kinds: []int{4},
		Tags:  nostr.TagMap{"p": []string{a.publicKey}},
		Since: &since,
	}}

	sub, err := relay.Subscribe(a.ctx, filters)
	if err != nil {
		a.logger.Warn("nostr: subscribe failed", "relay", relay.URL, "error", err)
		return
	}
	for event := range sub.Events {
		a.handleEvent(event, relay)
	}
}

func (a *Adapter) handleEvent(event *nostr.Event, relay *nostr.Relay) {
	sharedSecret, err := nip04.ComputeSharedSecret(event.PubKey, a.privateKey)
	if err != nil {
		a.logger.Warn("nostr: failed to compute shared secret", "relay", relay.URL, "error", err)
		return
	}
	plaintext, err := nip04.Decrypt(event.Content, sharedSecret)
	if err != nil {
		a.logger.Warn("nostr: failed to decrypt event", "relay", relay.URL, "error", err)
		return
	}
	msg := transport.InboundMessage{
		ChannelType: a.ChannelType(),
		ChannelID:   event.PubKey,
		UserID:      event.PubKey,
		Text:        plaintext,
		MessageID:   event.ID,
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("nostr: inbound buffer full, dropping message", "pubkey", event.PubKey)
	}
}

// Stop closes every relay connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.cancel()
	for _, relay := range a.relays {
		_ = relay.Close()
	}
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

// Send encrypts msg.Text as a NIP-04 DM to the pubkey in msg.ChannelID and
// publishes it to every connected relay (spec §6 OutboundSender.send).
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	a.mu.Lock()
	relays := append([]*nostr.Relay(nil), a.relays...)
	a.mu.Unlock()
	if len(relays) == 0 {
		return "", errors.New("nostr: adapter not started")
	}

	sharedSecret, err := nip04.ComputeSharedSecret(msg.ChannelID, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("nostr: invalid recipient pubkey: %w", err)
	}
	ciphertext, err := nip04.Encrypt(msg.Text, sharedSecret)
	if err != nil {
		return "", fmt.Errorf("nostr: encrypt failed: %w", err)
	}

	event := nostr.Event{
		PubKey:    a.publicKey,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Kind:      4,
		Tags:      nostr.Tags{{"p", msg.ChannelID}},
		Content:   ciphertext,
	}
	if err := event.Sign(a.privateKey); err != nil {
		return "", fmt.Errorf("nostr: sign failed: %w", err)
	}

	var lastErr error
	sent := 0
	for _, relay := range relays {
		if err := relay.Publish(ctx, event); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", fmt.Errorf("nostr: publish failed on every relay: %w", lastErr)
	}
	return event.ID, nil
}

// StreamToken is a no-op: Nostr events are immutable once published, so
// there is no incremental-edit primitive to stream into (spec §6
// OutboundSender.stream_token).
func (a *Adapter) StreamToken(ctx context.Context, sessionID, token string) error {
	return nil
}
