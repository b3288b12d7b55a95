package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The "C" collation makes user_low < user_high agree with Go's byte-wise
// string comparison used to canonicalize pairs.
const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS chat;

CREATE TABLE IF NOT EXISTS chat.conversation (
	id         UUID PRIMARY KEY,
	user_low   TEXT COLLATE "C" NOT NULL,
	user_high  TEXT COLLATE "C" NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_seq   BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT conversation_pair_ordered CHECK (user_low < user_high),
	CONSTRAINT conversation_pair_unique UNIQUE (user_low, user_high)
);

CREATE INDEX IF NOT EXISTS conversation_low_updated_idx  ON chat.conversation (user_low, updated_at DESC);
CREATE INDEX IF NOT EXISTS conversation_high_updated_idx ON chat.conversation (user_high, updated_at DESC);

CREATE TABLE IF NOT EXISTS chat.message (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES chat.conversation (id),
	seq             BIGINT NOT NULL CHECK (seq > 0),
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT message_conversation_seq_unique UNIQUE (conversation_id, seq)
);
`

// MigratePostgres creates the chat schema when missing. It is idempotent.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
