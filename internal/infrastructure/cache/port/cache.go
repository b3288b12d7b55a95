package port

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache stores short string values such as the conversation id of a
// participant pair. It is an optimization only: callers treat every error as
// a miss and fall back to the store.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value for ttl; ttl <= 0 keeps it until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys and reports how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
}
