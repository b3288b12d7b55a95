package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chatty/chatty-dm/internal/config"
	cacheAdapter "github.com/go-chatty/chatty-dm/internal/infrastructure/cache/adapter"
	queueAdapter "github.com/go-chatty/chatty-dm/internal/infrastructure/queue/adapter"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	"github.com/go-chatty/chatty-dm/internal/logger"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/task"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"
	repoAdapter "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/adapter"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// The worker stores queued sends and relays them to the api nodes, whose
// sessions deliver them to subscribers.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	if cfg.Redis.URL == "" {
		return errors.New("worker: redis.url (or REDIS_URL) is required")
	}

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, closeRepo, err := repoAdapter.Open(dbCtx, cfg.Database)
	cancel()
	if err != nil {
		return err
	}
	defer closeRepo()

	rdb, err := cacheAdapter.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	// No sessions live here, so the relay has no local bus to feed.
	relay := realtime.NewRedisRelay(rdb, nil, realtime.RelayOptions{Channel: cfg.Bus.RelayChannel, Logger: zl})
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zl.Error("relay stopped", zap.Error(err))
		}
	}()

	srv, err := queueAdapter.NewAsynqServer(cfg.Redis.URL, queueAdapter.ServerOptions{
		Concurrency: cfg.Queue.Concurrency,
		Queues:      cfg.Queue.Queues,
		Logger:      zl,
	})
	if err != nil {
		return err
	}
	send := usecase.NewSendMessageUseCase(repo, realtime.NewFanout(nil, relay), cfg.Chat.MaxContentLength, zl)
	task.RegisterSendMessageTask(srv, send, zl)

	zl.Info("worker started", zap.Int("concurrency", cfg.Queue.Concurrency), zap.String("queues", cfg.Queue.Queues))
	return srv.Run(ctx)
}
