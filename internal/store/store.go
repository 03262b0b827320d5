// Package store manages the SQLite database (WAL mode) holding capture
// metadata. The audio itself never lands here — it streams to the uplink;
// the gateway keeps only the session record.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlCaptures); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const ddlCaptures = `
CREATE TABLE IF NOT EXISTS captures (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    capture_id  TEXT    NOT NULL UNIQUE,  -- UUID shared with the uplink server
    device_name TEXT    NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,         -- Unix milliseconds
    ended_at    INTEGER                   -- NULL while the capture is live
);
CREATE INDEX IF NOT EXISTS idx_captures_started_at ON captures (started_at DESC);
`
