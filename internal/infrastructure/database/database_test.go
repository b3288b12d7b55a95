package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgresql+asyncpg://u:p@h:5432/db": "postgresql://u:p@h:5432/db",
		"postgres+pgx://u:p@h/db":            "postgres://u:p@h/db",
		"  postgres://u@h/db  ":              "postgres://u@h/db",
		"postgresql+psycopg2://u@h/db":       "postgresql://u@h/db",
		"host=h user=u dbname=db":            "host=h user=u dbname=db",
		"":                                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeDSN(in), in)
	}
}

func TestNormalizeSQLitePath(t *testing.T) {
	assert.Equal(t, "/var/lib/chat.db", normalizeSQLitePath("sqlite:///var/lib/chat.db"))
	assert.Equal(t, "chat.db", normalizeSQLitePath(" sqlite://chat.db "))
	assert.Equal(t, "/tmp/x.db", normalizeSQLitePath("/tmp/x.db"))
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	db, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenSQLite(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('conversations', 'messages')"))
	assert.Equal(t, 2, n)
}

func TestSQLiteDSNKeepsCallerQuery(t *testing.T) {
	assert.Equal(t, "/tmp/x.db?"+sqlitePragmas, sqliteDSN("/tmp/x.db"))
	assert.Equal(t, "file:x.db?mode=rwc&"+sqlitePragmas, sqliteDSN("file:x.db?mode=rwc"))
}

func TestOpenSQLiteWithQueryAppliesPragmas(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := OpenSQLite(ctx, "sqlite://"+filepath.Join(dir, "chat.db")+"?_pragma=synchronous(normal)")
	require.NoError(t, err)
	defer db.Close()

	var fk, syncMode int
	var mode string
	require.NoError(t, db.GetContext(ctx, &fk, "PRAGMA foreign_keys"))
	require.NoError(t, db.GetContext(ctx, &syncMode, "PRAGMA synchronous"))
	require.NoError(t, db.GetContext(ctx, &mode, "PRAGMA journal_mode"))
	assert.Equal(t, 1, fk)
	assert.Equal(t, 1, syncMode)
	assert.Equal(t, "wal", mode)
	assert.FileExists(t, filepath.Join(dir, "chat.db"))
}
