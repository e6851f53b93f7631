package transport

import (
	"context"
	"testing"
	"time"
)

type fakeInbound struct {
	channelType string
	ch          chan InboundMessage
}

func (f *fakeInbound) ChannelType() string { return f.channelType }
func (f *fakeInbound) Subscribe(ctx context.Context) (<-chan InboundMessage, error) {
	return f.ch, nil
}

func TestRegistrySubscribeFansInAndDedups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeInbound{channelType: "telegram", ch: make(chan InboundMessage, 4)}
	b := &fakeInbound{channelType: "slack", ch: make(chan InboundMessage, 4)}

	reg := NewRegistry()
	reg.RegisterInbound(a)
	reg.RegisterInbound(b)

	out, err := reg.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := InboundMessage{ChannelType: "telegram", ChannelID: "c1", UserID: "u1", Text: "hi", MessageID: "m1"}
	a.ch <- msg
	a.ch <- msg // duplicate, should be dropped
	b.ch <- InboundMessage{ChannelType: "slack", ChannelID: "c2", UserID: "u2", Text: "hello"}

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-out:
			received++
		case <-timeout:
			t.Fatalf("expected 2 deduplicated messages, got %d", received)
		}
	}

	select {
	case m, ok := <-out:
		if ok {
			t.Fatalf("expected no further messages, got %+v", m)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryOutboundLookup(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.Outbound("discord"); ok {
		t.Fatal("expected no outbound sender registered yet")
	}
}
