package transport

import (
	"testing"
	"time"
)

func TestDeduplicatorDropsRepeatedMessageID(t *testing.T) {
	d := newDeduplicator(30*time.Second, 2*time.Second)
	defer d.stop()

	msg := InboundMessage{ChannelType: "telegram", ChannelID: "c1", UserID: "u1", Text: "hi", MessageID: "m1"}
	if d.isDuplicate(msg) {
		t.Fatal("first delivery should not be a duplicate")
	}
	if !d.isDuplicate(msg) {
		t.Fatal("repeated message_id within the TTL should be a duplicate")
	}
}

func TestDeduplicatorDropsRepeatedContentWithoutMessageID(t *testing.T) {
	d := newDeduplicator(30*time.Second, 2*time.Second)
	defer d.stop()

	msg := InboundMessage{ChannelType: "whatsapp", ChannelID: "c1", UserID: "u1", Text: "hi"}
	if d.isDuplicate(msg) {
		t.Fatal("first delivery should not be a duplicate")
	}
	if !d.isDuplicate(msg) {
		t.Fatal("repeated (channel,user,text) within the content TTL should be a duplicate")
	}
}

func TestDeduplicatorAllowsDistinctContent(t *testing.T) {
	d := newDeduplicator(30*time.Second, 2*time.Second)
	defer d.stop()

	a := InboundMessage{ChannelType: "slack", ChannelID: "c1", UserID: "u1", Text: "hi"}
	b := InboundMessage{ChannelType: "slack", ChannelID: "c1", UserID: "u1", Text: "bye"}
	if d.isDuplicate(a) {
		t.Fatal("a should not be a duplicate")
	}
	if d.isDuplicate(b) {
		t.Fatal("b has distinct text and should not be treated as a duplicate")
	}
}

func TestDeduplicatorExpiresAfterTTL(t *testing.T) {
	d := newDeduplicator(20*time.Millisecond, 10*time.Millisecond)
	defer d.stop()

	msg := InboundMessage{ChannelType: "discord", ChannelID: "c1", UserID: "u1", Text: "hi", MessageID: "m1"}
	if d.isDuplicate(msg) {
		t.Fatal("first delivery should not be a duplicate")
	}
	time.Sleep(30 * time.Millisecond)
	if d.isDuplicate(msg) {
		t.Fatal("message outside the TTL window should not be flagged a duplicate")
	}
}
