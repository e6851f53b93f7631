package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/picobot-run/picobot/internal/permission"
)

// Store is the sessions/messages half of the combined database (spec
// §4.7). UserMemory and SessionSummary operations live in memory.go and
// summary.go of this same package, against the same *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open, already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t.UTC(), nil
}

// SaveSession performs the atomic session-write transaction (spec §4.7
// "Session update is a single transaction: upsert the sessions row; DELETE
// FROM messages WHERE session_id = ?; INSERT rows in seq_order order" —
// this guarantees readers never observe a prefix of new messages).
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	permsJSON, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_type, channel_id, user_id, permissions_json, created_at, last_active, state, awaiting_tool, awaiting_request)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_type = excluded.channel_type,
			channel_id = excluded.channel_id,
			user_id = excluded.user_id,
			permissions_json = excluded.permissions_json,
			last_active = excluded.last_active,
			state = excluded.state,
			awaiting_tool = excluded.awaiting_tool,
			awaiting_request = excluded.awaiting_request`,
		sess.ID, sess.ChannelType, sess.ChannelID, sess.UserID, string(permsJSON),
		ts(sess.CreatedAt), ts(sess.LastActive), string(sess.State),
		nullableString(sess.AwaitingTool), nullableString(sess.AwaitingRequest),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, m := range sess.Conversation {
		var toolCallsJSON any
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCallsJSON = string(b)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq_order, role, content, tool_calls_json, tool_call_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, m.SeqOrder, string(m.Role), m.Content, toolCallsJSON, nullableString(m.ToolCallID), ts(m.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert message seq %d: %w", m.SeqOrder, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	committed = true
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LoadSession reconstructs a session and its full conversation, or returns
// (nil, nil) if absent.
func (s *Store) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_type, channel_id, user_id, permissions_json, created_at, last_active, state, awaiting_tool, awaiting_request
		FROM sessions WHERE id = ?`, id)

	var (
		sess                      Session
		permsJSON                 string
		createdAt, lastActive     string
		state                     string
		awaitingTool, awaitingReq sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.ChannelType, &sess.ChannelID, &sess.UserID, &permsJSON,
		&createdAt, &lastActive, &state, &awaitingTool, &awaitingReq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	sess.State = SessionState(state)
	sess.AwaitingTool = awaitingTool.String
	sess.AwaitingRequest = awaitingReq.String
	sess.Permissions = permission.CapabilitySet{}
	if err := json.Unmarshal([]byte(permsJSON), &sess.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if sess.LastActive, err = parseTS(lastActive); err != nil {
		return nil, err
	}

	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Conversation = msgs
	return &sess, nil
}

func (s *Store) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_order, role, content, tool_calls_json, tool_call_id, created_at
		FROM messages WHERE session_id = ? ORDER BY seq_order ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                       Message
			role, createdAt         string
			toolCallsJSON, toolCall sql.NullString
		)
		if err := rows.Scan(&m.SeqOrder, &role, &m.Content, &toolCallsJSON, &toolCall, &createdAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.ToolCallID = toolCall.String
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindByChannelUser looks up a session by (channel_id, user_id) for the
// "created on first message per (channel_id,user_id)" session lifecycle
// rule (spec §3). Returns (nil, nil) if none exists. Multiple sessions can
// theoretically exist per pair only if the caller deliberately creates
// more than one; this returns the most recently active.
func (s *Store) FindByChannelUser(ctx context.Context, channelID, userID string) (*Session, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sessions WHERE channel_id = ? AND user_id = ? ORDER BY last_active DESC LIMIT 1`,
		channelID, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session by channel/user: %w", err)
	}
	return s.LoadSession(ctx, id)
}

// DeleteSession removes a session and (via ON DELETE CASCADE) its
// messages and summary.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// DeleteMessagesOlderThan implements the retention sweep (spec §4.7
// "Retention is a background task... that deletes messages with
// created_at < now - max_age_days"). It lives here rather than in
// internal/retention because it is a plain SQL statement against this
// store's schema; internal/retention owns only the ticking and scheduling
// of the sweep.
func (s *Store) DeleteMessagesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old messages: %w", err)
	}
	return res.RowsAffected()
}

// SessionMessageCounts enumerates distinct session ids with their current
// message counts, for the summarization sweep's trigger check (spec §4.7).
func (s *Store) SessionMessageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*) FROM messages GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("count session messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
