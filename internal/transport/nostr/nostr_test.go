package nostr

import (
	"context"
	"testing"

	"github.com/picobot-run/picobot/internal/transport"
)

// a deterministic 32-byte hex secret key for tests.
const testPrivKey = "5d0a9b8f1f0e9c2b3a4d5e6f7081920a3b4c5d6e7f8091a2b3c4d5e6f708192a"

func TestNew_RequiresPrivateKey(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for missing private key")
	}
}

func TestAdapter_ChannelType(t *testing.T) {
	a, err := New(Config{PrivateKey: testPrivKey}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ChannelType() != "nostr" {
		t.Fatalf("ChannelType = %q, want nostr", a.ChannelType())
	}
}

func TestAdapter_SendBeforeStart(t *testing.T) {
	a, err := New(Config{PrivateKey: testPrivKey}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Send(context.Background(), transport.OutboundMessage{ChannelID: testPrivKey, Text: "hi"}); err == nil {
		t.Fatal("expected error sending before Start")
	}
}

func TestAdapter_StreamTokenNoop(t *testing.T) {
	a, err := New(Config{PrivateKey: testPrivKey}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StreamToken(context.Background(), "sess", "tok"); err != nil {
		t.Fatalf("StreamToken returned error: %v", err)
	}
}
