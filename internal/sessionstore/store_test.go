package sessionstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/picobot-run/picobot/internal/permission"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func sampleSession(id string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:          id,
		ChannelType: "slack",
		ChannelID:   "c1",
		UserID:      "u1",
		Permissions: permission.CapabilitySet{},
		CreatedAt:   now,
		LastActive:  now,
		State:       StateActive,
		Conversation: []Message{
			{SeqOrder: 0, Role: RoleUser, Content: "hi", CreatedAt: now},
			{SeqOrder: 1, Role: RoleAssistant, Content: "hello", CreatedAt: now},
		},
	}
}

// Round-trip invariant from spec §8: insert_session(conn, s);
// load_session(conn, s.id) = s (modulo timestamp precision).
func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := sampleSession("s1")

	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.LoadSession(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got == nil {
		t.Fatalf("expected session, got nil")
	}
	if got.ChannelType != sess.ChannelType || got.ChannelID != sess.ChannelID || got.UserID != sess.UserID {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.Conversation) != 2 || got.Conversation[0].Content != "hi" || got.Conversation[1].Content != "hello" {
		t.Fatalf("conversation mismatch: %+v", got.Conversation)
	}
}

// Session write atomicity: a second SaveSession with fewer messages must
// never leave a reader observing a prefix mixing old and new messages.
func TestSaveSessionReplacesConversationAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := sampleSession("s2")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("initial SaveSession: %v", err)
	}

	sess.Conversation = []Message{
		{SeqOrder: 0, Role: RoleUser, Content: "only message", CreatedAt: sess.CreatedAt},
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("second SaveSession: %v", err)
	}

	got, err := s.LoadSession(ctx, "s2")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(got.Conversation) != 1 || got.Conversation[0].Content != "only message" {
		t.Fatalf("expected conversation fully replaced, got %+v", got.Conversation)
	}
}

func TestFindByChannelUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := sampleSession("s3")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.FindByChannelUser(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("FindByChannelUser: %v", err)
	}
	if got == nil || got.ID != "s3" {
		t.Fatalf("expected to find session s3, got %+v", got)
	}
}

func TestValidateMemoryKeyRejectsReservedAndMalformed(t *testing.T) {
	cases := map[string]bool{
		"favorite_color": true,
		"system_prompt":  false,
		"internal_state": false,
		"1abc":           false,
		"Abc":            false,
		"":               false,
	}
	for key, wantOK := range cases {
		err := ValidateMemoryKey(key)
		if (err == nil) != wantOK {
			t.Errorf("key %q: expected ok=%v, got err=%v", key, wantOK, err)
		}
	}
}

func TestUpsertMemoryRejectsInvalidKey(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertMemory(context.Background(), &UserMemory{UserID: "u1", Key: "system_x", Content: "nope"})
	if err == nil {
		t.Fatalf("expected reserved-prefix key to be rejected")
	}
}

func TestRecentMemoriesOrderedByUpdatedAtDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, key := range []string{"a", "b", "c"} {
		if err := s.UpsertMemory(ctx, &UserMemory{UserID: "u1", Key: key, Content: "v"}); err != nil {
			t.Fatalf("upsert %s: %v", key, err)
		}
		_ = i
		time.Sleep(2 * time.Millisecond)
	}
	recent, err := s.RecentMemories(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentMemories: %v", err)
	}
	if len(recent) != 2 || recent[0].Key != "c" || recent[1].Key != "b" {
		t.Fatalf("expected [c, b], got %+v", recent)
	}
}

func TestSessionSummaryUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := sampleSession("s4")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.UpsertSummary(ctx, &SessionSummary{SessionID: "s4", Summary: "first", MessageCount: 2}); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	if err := s.UpsertSummary(ctx, &SessionSummary{SessionID: "s4", Summary: "second", MessageCount: 5}); err != nil {
		t.Fatalf("UpsertSummary (update): %v", err)
	}
	got, err := s.GetSummary(ctx, "s4")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got == nil || got.Summary != "second" || got.MessageCount != 5 {
		t.Fatalf("expected updated summary, got %+v", got)
	}
}

func TestDeleteMessagesOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	sess := sampleSession("s5")
	sess.Conversation[0].CreatedAt = old
	sess.Conversation[1].CreatedAt = time.Now()
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	n, err := s.DeleteMessagesOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteMessagesOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message deleted, got %d", n)
	}
}
