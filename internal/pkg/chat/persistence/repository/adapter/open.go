package adapter

import (
	"context"
	"fmt"

	"github.com/go-chatty/chatty-dm/internal/config"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/database"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"
)

// Open connects the store selected by cfg, applies its schema and returns the
// repository with a function releasing the underlying connections.
func Open(ctx context.Context, cfg config.DatabaseConfig) (repository.ChatRepository, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return NewSqliteChatRepository(db), func() { _ = db.Close() }, nil
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg.URL, database.PoolOptions{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return NewPgChatRepository(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("repository: unsupported driver %q", cfg.Driver)
	}
}
