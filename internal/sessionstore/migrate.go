package sessionstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// schema holds idempotent CREATE TABLE IF NOT EXISTS statements for the
// whole database file, including the scheduler's tables (spec §6
// "Persistence layout: a single SQL database file... Migrations are
// idempotent CREATE TABLE IF NOT EXISTS statements executed on every
// open").
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	channel_type TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	permissions_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_active TEXT NOT NULL,
	state TEXT NOT NULL,
	awaiting_tool TEXT,
	awaiting_request TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_id ON sessions(channel_id);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq_order INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls_json TEXT,
	tool_call_id TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, seq_order)
);
CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq_order);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

CREATE TABLE IF NOT EXISTS user_memories (
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	content TEXT NOT NULL,
	source_session_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);

CREATE TABLE IF NOT EXISTS session_summaries (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	summary TEXT NOT NULL,
	message_count INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_expr TEXT NOT NULL,
	task_prompt TEXT NOT NULL,
	session_id TEXT,
	user_id TEXT NOT NULL,
	channel_id TEXT,
	capabilities_json TEXT NOT NULL,
	creator_principal TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	max_executions INTEGER,
	execution_count INTEGER NOT NULL,
	claimed_at TEXT,
	claim_id TEXT,
	claim_expires_at TEXT,
	last_run_at TEXT,
	next_run_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	last_error TEXT,
	backoff_until TEXT,
	metadata_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(next_run_at, enabled, claimed_at);
CREATE INDEX IF NOT EXISTS idx_schedules_user_id ON schedules(user_id);

CREATE TABLE IF NOT EXISTS schedule_executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	status TEXT NOT NULL,
	result_summary TEXT,
	error TEXT,
	execution_time_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_schedule_executions_job_id ON schedule_executions(job_id);
`

// Migrate runs the idempotent schema and the one additive ALTER TABLE this
// schema has accumulated (spec §6: "One additive column
// (created_by_system...) on schedules is applied via ALTER TABLE with
// 'duplicate column' errors ignored").
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	if _, err := db.Exec(`ALTER TABLE schedules ADD COLUMN created_by_system INTEGER NOT NULL DEFAULT 0`); err != nil {
		if !isDuplicateColumn(err) {
			return fmt.Errorf("add created_by_system column: %w", err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column")
}
