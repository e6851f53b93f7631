package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertSummary writes the single summary row for a session (spec §3
// "SessionSummary: {session_id (unique), ...}").
func (s *Store) UpsertSummary(ctx context.Context, sum *SessionSummary) error {
	now := time.Now().UTC()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = now
	}
	sum.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_summaries (session_id, summary, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			summary = excluded.summary,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		sum.SessionID, sum.Summary, sum.MessageCount, ts(sum.CreatedAt), ts(sum.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert summary for session %s: %w", sum.SessionID, err)
	}
	return nil
}

// GetSummary returns the session's summary, or (nil, nil) if none exists
// yet.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var (
		sum                  SessionSummary
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, summary, message_count, created_at, updated_at
		FROM session_summaries WHERE session_id = ?`, sessionID,
	).Scan(&sum.SessionID, &sum.Summary, &sum.MessageCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary for session %s: %w", sessionID, err)
	}
	if sum.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if sum.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &sum, nil
}
