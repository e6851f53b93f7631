package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

// memoryKeyPattern enforces spec §3's UserMemory key constraint: lowercase
// alphanumeric or underscore, first char alphabetic, length ≤ 64.
var memoryKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// InvalidMemoryKeyError reports a key that fails ValidateMemoryKey.
type InvalidMemoryKeyError struct{ Key, Detail string }

func (e *InvalidMemoryKeyError) Error() string {
	return fmt.Sprintf("invalid memory key %q: %s", e.Key, e.Detail)
}

// ValidateMemoryKey enforces the format and reserved-prefix rules (spec
// §3: "no system_/internal_ prefix").
func ValidateMemoryKey(key string) error {
	if !memoryKeyPattern.MatchString(key) {
		return &InvalidMemoryKeyError{Key: key, Detail: "must be lowercase alphanumeric/underscore, start with a letter, length <= 64"}
	}
	if len(key) >= len("system_") && key[:len("system_")] == "system_" {
		return &InvalidMemoryKeyError{Key: key, Detail: "system_ prefix is reserved"}
	}
	if len(key) >= len("internal_") && key[:len("internal_")] == "internal_" {
		return &InvalidMemoryKeyError{Key: key, Detail: "internal_ prefix is reserved"}
	}
	return nil
}

// UpsertMemory validates key and inserts or replaces the (user_id, key)
// row, preserving created_at across updates.
func (s *Store) UpsertMemory(ctx context.Context, m *UserMemory) error {
	if err := ValidateMemoryKey(m.Key); err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, key, content, source_session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			content = excluded.content,
			source_session_id = excluded.source_session_id,
			updated_at = excluded.updated_at`,
		m.UserID, m.Key, m.Content, m.SourceSessionID, ts(m.CreatedAt), ts(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert memory %s/%s: %w", m.UserID, m.Key, err)
	}
	return nil
}

// DeleteMemory removes a single memory, if present.
func (s *Store) DeleteMemory(ctx context.Context, userID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_memories WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return fmt.Errorf("delete memory %s/%s: %w", userID, key, err)
	}
	return nil
}

// RecentMemories returns up to limit of userID's most-recently-updated
// memories (spec §4.8 "a System message listing up to max_user_memories
// most-recently-updated memories").
func (s *Store) RecentMemories(ctx context.Context, userID string, limit int) ([]UserMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, content, source_session_id, created_at, updated_at
		FROM user_memories WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent memories: %w", err)
	}
	defer rows.Close()

	var out []UserMemory
	for rows.Next() {
		var (
			m                    UserMemory
			source               sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.UserID, &m.Key, &m.Content, &source, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if source.Valid {
			v := source.String
			m.SourceSessionID = &v
		}
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
