package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the Postgres pool. Zero values keep the defaults below.
// Sessions hold no connection while idle, so MaxConns only bounds concurrent
// appends and history reads.
type PoolOptions struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

const (
	defaultMaxConns        = 16
	defaultMaxConnIdleTime = 5 * time.Minute
	defaultMaxConnLifetime = time.Hour
	defaultHealthCheck     = time.Minute
)

// Connect opens a pgx pool for dsn and pings it before returning.
// SQLAlchemy-style DSNs (postgresql+asyncpg://...) are accepted.
func Connect(ctx context.Context, dsn string, o PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	cfg.MaxConns = defaultMaxConns
	if o.MaxConns > 0 {
		cfg.MaxConns = o.MaxConns
	}
	cfg.MaxConnIdleTime = defaultMaxConnIdleTime
	if o.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
	cfg.MaxConnLifetime = defaultMaxConnLifetime
	cfg.HealthCheckPeriod = defaultHealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}

// driverSuffixes are scheme variants found in .env files shared with other
// stacks; pgx only understands the bare schemes.
var driverSuffixes = []string{"+asyncpg", "+pgx", "+psycopg2"}

func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	for _, suffix := range driverSuffixes {
		scheme = strings.TrimSuffix(scheme, suffix)
	}
	return scheme + "://" + rest
}
