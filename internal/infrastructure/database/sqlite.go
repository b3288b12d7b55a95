package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so lexical order is time order.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_low   TEXT NOT NULL,
	user_high  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_seq   INTEGER NOT NULL DEFAULT 0,
	CHECK (user_low < user_high),
	UNIQUE (user_low, user_high)
);

CREATE INDEX IF NOT EXISTS conversations_low_updated_idx  ON conversations (user_low, updated_at);
CREATE INDEX IF NOT EXISTS conversations_high_updated_idx ON conversations (user_high, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	seq             INTEGER NOT NULL CHECK (seq > 0),
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	UNIQUE (conversation_id, seq)
);
`

const sqlitePragmas = "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// OpenSQLite opens (creating if needed) the embedded store at path and applies the schema.
// Accepted forms: "/path/chat.db", "sqlite:///path/chat.db", "sqlite://chat.db".
// A query string on path is kept and the store's pragmas are appended to it.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	path = normalizeSQLitePath(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	db, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer; transactions are serialized by the pool itself.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return db, nil
}

func normalizeSQLitePath(p string) string {
	s := strings.TrimSpace(p)
	s = strings.TrimPrefix(s, "sqlite://")
	s = strings.TrimPrefix(s, "sqlite3://")
	return s
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}
