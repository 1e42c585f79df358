// Package storage opens the broker's SQLite database and applies the
// schema. License and session records are durable; connection state is not.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	id            TEXT PRIMARY KEY,
	key_hash      TEXT NOT NULL,
	issued_to     TEXT NOT NULL,
	tier          TEXT NOT NULL,
	issued_at     TIMESTAMP NOT NULL,
	expires_at    TIMESTAMP,
	max_sessions  INTEGER NOT NULL,
	registered_at TIMESTAMP,
	revoked       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS licenses_issued_to ON licenses(issued_to);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	license_id    TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	document_guid TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS sessions_license ON sessions(license_id);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_user_file_open
	ON sessions(user_id, file_path) WHERE status != 'closed';
`

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema. The caller owns the returned handle.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// OpenInMemory opens a private in-memory database, used by tests.
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}
