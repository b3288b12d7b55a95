package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chatty/chatty-dm/cmd/api/router/v1"
	"github.com/go-chatty/chatty-dm/internal/config"
	cacheAdapter "github.com/go-chatty/chatty-dm/internal/infrastructure/cache/adapter"
	cachePort "github.com/go-chatty/chatty-dm/internal/infrastructure/cache/port"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/identity"
	queueAdapter "github.com/go-chatty/chatty-dm/internal/infrastructure/queue/adapter"
	"github.com/go-chatty/chatty-dm/internal/infrastructure/realtime"
	"github.com/go-chatty/chatty-dm/internal/logger"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/session"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/task"
	"github.com/go-chatty/chatty-dm/internal/pkg/chat/application/usecase"
	repoAdapter "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/adapter"
	httpHandler "github.com/go-chatty/chatty-dm/internal/pkg/chat/presentation/http"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
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
		zl.Fatal("api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	// Connect to the database on startup
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, closeRepo, err := repoAdapter.Open(dbCtx, cfg.Database)
	cancel()
	if err != nil {
		return err
	}
	defer closeRepo()

	bus := realtime.NewBus(realtime.BusOptions{QueueSize: cfg.Bus.QueueSize, Logger: zl})
	defer bus.Close()

	// Redis is optional: it backs the pair cache, the cross-node relay and
	// queued sends. Without it the node runs standalone.
	var (
		cache   cachePort.Cache = cacheAdapter.NewMemoryCache()
		relay   *realtime.RedisRelay
		enqueue *task.EnqueueSendMessage
	)
	conversations := usecase.NewGetConversationUseCase(repo)
	if cfg.Redis.URL != "" {
		rdb, err := cacheAdapter.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		cache = cacheAdapter.NewRedisAdapter(rdb, "chatty:")

		relay = realtime.NewRedisRelay(rdb, bus, realtime.RelayOptions{Channel: cfg.Bus.RelayChannel, Logger: zl})
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("relay stopped", zap.Error(err))
			}
		}()

		client, err := queueAdapter.NewAsynqClient(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		enqueue = task.NewEnqueueSendMessage(client, conversations, cfg.Chat.MaxContentLength)
		zl.Info("redis enabled", zap.String("node_id", relay.NodeID()))
	}

	resolve := usecase.NewResolveConversationUseCase(repo, cache, zl)
	history := usecase.NewGetHistoryUseCase(repo, cfg.Chat.HistoryPageLimit)
	send := usecase.NewSendMessageUseCase(repo, realtime.NewFanout(bus, relay), cfg.Chat.MaxContentLength, zl)

	sessions := session.NewManager(session.Services{
		Resolver:      resolve,
		Conversations: conversations,
		History:       history,
		Bus:           bus,
	}, session.Options{
		BackfillPage:     cfg.Session.BackfillPage,
		BackfillAttempts: cfg.Session.BackfillAttempts,
		RetryInterval:    cfg.Session.RetryInterval,
		SuspendTTL:       cfg.Session.SuspendTTL,
		ResyncInterval:   cfg.Session.ResyncInterval,
		Logger:           zl,
	})
	defer sessions.Shutdown()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := v1.NewEngine(zl)
	v1.RegisterRoutes(r, httpHandler.Dependencies{
		Resolve:       resolve,
		Conversations: conversations,
		Inbox:         usecase.NewListConversationsUseCase(repo),
		Send:          send,
		History:       history,
		Enqueue:       enqueue,
		Sessions:      sessions,
		Identity:      identity.NewHeaderProvider(),
		Logger:        zl,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zl.Info("api listening", zap.String("addr", cfg.Server.Addr), zap.String("database", cfg.Database.Driver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// sessions ends their read loops.
	sessions.Shutdown()
	return srv.Shutdown(shutdownCtx)
}
