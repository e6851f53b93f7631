package telegram

import (
	"context"
	"testing"

	"github.com/picobot-run/picobot/internal/transport"
)

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestAdapter_ChannelType(t *testing.T) {
	a, err := New(Config{Token: "123:abc"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ChannelType() != "telegram" {
		t.Fatalf("ChannelType = %q, want telegram", a.ChannelType())
	}
}

func TestAdapter_SendBeforeStart(t *testing.T) {
	a, err := New(Config{Token: "123:abc"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Send(context.Background(), transport.OutboundMessage{ChannelID: "1", Text: "hi"}); err == nil {
		t.Fatal("expected error sending before Start")
	}
}

func TestAdapter_StreamTokenNoop(t *testing.T) {
	a, err := New(Config{Token: "123:abc"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StreamToken(context.Background(), "sess", "tok"); err != nil {
		t.Fatalf("StreamToken returned error: %v", err)
	}
}
