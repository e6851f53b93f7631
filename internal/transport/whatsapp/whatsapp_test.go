package whatsapp

import (
	"context"
	"testing"

	"github.com/picobot-run/picobot/internal/transport"
)

func TestNew_RequiresSessionPath(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty session path")
	}
}

func TestAdapter_ChannelType(t *testing.T) {
	a, err := New(Config{SessionPath: t.TempDir() + "/wa.db"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ChannelType() != "whatsapp" {
		t.Fatalf("ChannelType = %q, want whatsapp", a.ChannelType())
	}
}

func TestAdapter_SendBeforeStart(t *testing.T) {
	a, err := New(Config{SessionPath: t.TempDir() + "/wa.db"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Send(context.Background(), transport.OutboundMessage{ChannelID: "1@s.whatsapp.net", Text: "hi"}); err == nil {
		t.Fatal("expected error sending before Start")
	}
}

func TestAdapter_StopBeforeStart(t *testing.T) {
	a, err := New(Config{SessionPath: t.TempDir() + "/wa.db"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start should be a no-op, got: %v", err)
	}
}
