package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Driver selects the registered database/sql driver name. The default
// (mattn/go-sqlite3, cgo-based) is used unless built with the pure-Go
// modernc.org/sqlite driver via a build tag in a sibling file — both are
// wired per SPEC_FULL's domain stack table, one per build mode, so the
// binary never links both cgo and non-cgo sqlite implementations at once.
const Driver = "sqlite3"

// Open opens (creating if absent) the single SQL database file at
// {dataDir}/sessions.db (spec §6 "Persistence layout"), sets the
// _txlock=immediate DSN parameter so internal/scheduler's BEGIN IMMEDIATE
// claim transactions take the write lock up front, and runs Migrate.
func Open(ctx context.Context, dataDir string) (*sql.DB, error) {
	path := filepath.Join(dataDir, "sessions.db")
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open(Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sessions database: %w", err)
	}
	// SQLite serializes writers at the file level; a single connection
	// avoids SQLITE_BUSY from internal self-contention (mirrors the Rust
	// reference's single-connection-per-call discipline described in
	// spec §5 "Scheduling model").
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sessions database: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
