package adapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/queue/port"
	"github.com/go-chatty/chatty-dm/internal/logger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	defaultConcurrency = 10
	defaultQueues      = "default=1,chat=1"
)

func redisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("asynq: redis url is empty")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	return opt, nil
}

// AsynqClient enqueues port tasks into Redis through asynq.
type AsynqClient struct {
	client *asynq.Client
}

var _ port.Client = (*AsynqClient)(nil)

func NewAsynqClient(redisURL string) (*AsynqClient, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	return &AsynqClient{client: asynq.NewClient(opt)}, nil
}

// Enqueue returns the asynq task id. Options are applied in order, so a later
// option overrides the fields it sets.
func (a *AsynqClient) Enqueue(ctx context.Context, t port.Task, opts ...port.EnqueueOption) (string, error) {
	if t.Type == "" {
		return "", errors.New("asynq: task type is required")
	}
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(t.Type, t.Payload), toAsynqOptions(opts)...)
	if err != nil {
		return "", fmt.Errorf("asynq: enqueue %s: %w", t.Type, err)
	}
	return info.ID, nil
}

func (a *AsynqClient) Close() error {
	return a.client.Close()
}

func toAsynqOptions(opts []port.EnqueueOption) []asynq.Option {
	var out []asynq.Option
	for _, o := range opts {
		switch {
		case !o.ProcessAt.IsZero():
			out = append(out, asynq.ProcessAt(o.ProcessAt))
		case o.ProcessIn > 0:
			out = append(out, asynq.ProcessIn(o.ProcessIn))
		}
		if o.Queue != "" {
			out = append(out, asynq.Queue(o.Queue))
		}
		if o.MaxRetry > 0 {
			out = append(out, asynq.MaxRetry(o.MaxRetry))
		}
		if o.UniqueTTL > 0 {
			out = append(out, asynq.Unique(o.UniqueTTL))
		}
		if o.Retention > 0 {
			out = append(out, asynq.Retention(o.Retention))
		}
		if !o.Deadline.IsZero() {
			out = append(out, asynq.Deadline(o.Deadline))
		}
	}
	return out
}

// ServerOptions configures the worker side. Queues uses the
// "name=weight,..." form, e.g. "chat=6,default=1".
type ServerOptions struct {
	Concurrency int
	Queues      string
	Logger      *zap.Logger
}

// AsynqServer runs registered port handlers for tasks pulled from Redis.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

var _ port.Server = (*AsynqServer)(nil)

func NewAsynqServer(redisURL string, o ServerOptions) (*AsynqServer, error) {
	opt, err := redisOpt(redisURL)
	if err != nil {
		return nil, err
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	queues := parseQueueWeights(o.Queues)
	if len(queues) == 0 {
		queues = parseQueueWeights(defaultQueues)
	}

	log := logger.OrNop(o.Logger)
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: o.Concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
			log.Warn("task failed",
				zap.String("type", t.Type()),
				zap.Bool("skip_retry", errors.Is(err, asynq.SkipRetry)),
				zap.Error(err))
		}),
	})
	return &AsynqServer{server: srv, mux: asynq.NewServeMux()}, nil
}

func (s *AsynqServer) Register(taskType string, h port.Handler) {
	s.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		return toAsynqError(h(ctx, port.Task{Type: t.Type(), Payload: t.Payload()}))
	})
}

// toAsynqError maps port.ErrSkipRetry onto asynq's own marker so the task is
// archived instead of retried.
func toAsynqError(err error) error {
	if err != nil && errors.Is(err, port.ErrSkipRetry) && !errors.Is(err, asynq.SkipRetry) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// Run processes tasks until ctx is cancelled, then waits for in-flight
// handlers to finish.
func (s *AsynqServer) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("asynq: start: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *AsynqServer) Stop(context.Context) error {
	s.server.Shutdown()
	return nil
}

// parseQueueWeights reads "name=weight" pairs. A missing or invalid weight
// counts as 1; entries without a name are ignored.
func parseQueueWeights(s string) map[string]int {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		name, weight, _ := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(weight))
		if err != nil || w <= 0 {
			w = 1
		}
		out[name] = w
	}
	return out
}
