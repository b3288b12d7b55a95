package port

import (
	"context"
	"errors"
	"time"
)

// Task is a background job: a stable type name and an opaque payload the
// handler decodes.
type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A returned error schedules a retry unless it
// wraps ErrSkipRetry. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, task Task) error

// ErrSkipRetry marks a handler failure that retrying cannot fix, such as a
// malformed payload or a rejected message.
var ErrSkipRetry = errors.New("queue: skip retry")

// EnqueueOption controls enqueue behavior. Zero values mean "unspecified";
// adapters ignore fields their backend does not support.
type EnqueueOption struct {
	Queue     string
	ProcessIn time.Duration
	ProcessAt time.Time // wins over ProcessIn
	MaxRetry  int
	UniqueTTL time.Duration
	Retention time.Duration
	Deadline  time.Time
}

// Client enqueues tasks.
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server runs workers. Run blocks until ctx is cancelled.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}
