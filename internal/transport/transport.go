// Package transport defines the channel-adapter contract (spec §6
// EXTERNAL INTERFACES: InboundAdapter, OutboundSender) and the registry
// that fans inbound messages from every connected channel into the agent
// loop, narrowed to the two interfaces spec §6 names rather than a
// larger multi-interface adapter surface.
package transport

import (
	"context"
	"sync"

	"github.com/picobot-run/picobot/internal/queue"
)

// InboundMessage is one message arriving on a channel, before session
// resolution or deduplication (spec §6 InboundAdapter.subscribe()).
type InboundMessage struct {
	ChannelType string // "telegram", "discord", "slack", "whatsapp", "mattermost", "nostr", "websocket"
	ChannelID   string
	UserID      string
	Text        string
	MessageID   string // optional; empty when the channel has no stable id
}

// OutboundMessage is the payload type accepted by OutboundSender.Send. It
// is queue.OutboundMessage under an alias so the delivery queue (spec
// §4.6) and the transport layer share one payload shape end to end.
type OutboundMessage = queue.OutboundMessage

// InboundAdapter is implemented by every channel connector that can
// receive messages (spec §6).
type InboundAdapter interface {
	// ChannelType identifies the channel (telegram, discord, slack, ...).
	ChannelType() string

	// Subscribe starts the adapter's connection (if not already running)
	// and returns a channel of InboundMessage. The returned channel is
	// closed when ctx is cancelled or the underlying connection ends.
	Subscribe(ctx context.Context) (<-chan InboundMessage, error)
}

// OutboundSender is implemented by every channel connector that can send
// messages and stream tokens back to a live session (spec §6).
type OutboundSender interface {
	ChannelType() string

	// Send delivers msg and returns a delivery id for tracking (spec §4.6
	// DeliveryRecord.ID).
	Send(ctx context.Context, msg OutboundMessage) (deliveryID string, err error)

	// StreamToken forwards one incrementally generated token to the given
	// session, for channels that support live streaming (e.g. the
	// WebSocket transport's "token" wire message). Channels without a
	// live connection for a session (e.g. a bot API reachable only via
	// request/response) should no-op rather than error.
	StreamToken(ctx context.Context, sessionID, token string) error
}

// LifecycleAdapter is implemented by connectors with an explicit
// connect/disconnect step (most channel SDKs are stateful sockets).
type LifecycleAdapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Registry holds the adapters wired for each channel type and fans their
// inbound streams into one deduplicated stream for the agent loop.
type Registry struct {
	mu        sync.RWMutex
	inbound   map[string]InboundAdapter
	outbound  map[string]OutboundSender
	lifecycle map[string]LifecycleAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		inbound:   make(map[string]InboundAdapter),
		outbound:  make(map[string]OutboundSender),
		lifecycle: make(map[string]LifecycleAdapter),
	}
}

// RegisterInbound wires an InboundAdapter under its own ChannelType.
func (r *Registry) RegisterInbound(a InboundAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[a.ChannelType()] = a
	if l, ok := a.(LifecycleAdapter); ok {
		r.lifecycle[a.ChannelType()] = l
	}
}

// RegisterOutbound wires an OutboundSender under its own ChannelType.
func (r *Registry) RegisterOutbound(s OutboundSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[s.ChannelType()] = s
	if l, ok := s.(LifecycleAdapter); ok {
		r.lifecycle[s.ChannelType()] = l
	}
}

// Outbound returns the OutboundSender registered for channelType, if any.
func (r *Registry) Outbound(channelType string) (OutboundSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.outbound[channelType]
	return s, ok
}

// StartAll starts every registered LifecycleAdapter.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.lifecycle {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered LifecycleAdapter, returning the last
// error encountered (if any) after attempting to stop all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lastErr error
	for _, l := range r.lifecycle {
		if err := l.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Subscribe fans in every registered InboundAdapter's stream into one
// deduplicated channel (spec §6: "de-duplication ... is applied before the
// agent loop"). The returned channel closes once ctx is cancelled and
// every adapter's stream has drained.
func (r *Registry) Subscribe(ctx context.Context) (<-chan InboundMessage, error) {
	r.mu.RLock()
	adapters := make([]InboundAdapter, 0, len(r.inbound))
	for _, a := range r.inbound {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	out := make(chan InboundMessage)
	dedup := newDeduplicator(defaultMessageIDTTL, defaultContentTTL)

	var wg sync.WaitGroup
	for _, a := range adapters {
		stream, err := a.Subscribe(ctx)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(stream <-chan InboundMessage) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if dedup.isDuplicate(msg) {
						continue
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(stream)
	}

	go func() {
		wg.Wait()
		dedup.stop()
		close(out)
	}()

	return out, nil
}
