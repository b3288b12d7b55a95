package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/cache/port"

	redis "github.com/redis/go-redis/v9"
)

const redisDialTimeout = 3 * time.Second

// NewRedisClient connects to url and pings it. The same client backs the
// pair cache and the realtime relay.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opt.Addr, err)
	}
	return client, nil
}

// RedisCache keeps entries under a common key prefix so several deployments
// can share one Redis. It does not own the client.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisAdapter(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

var _ port.Cache = (*RedisCache)(nil)

func (r *RedisCache) key(k string) string { return r.prefix + k }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", port.ErrMiss
	case err != nil:
		return "", fmt.Errorf("redis: get: %w", err)
	}
	return v, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	n, err := r.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: del: %w", err)
	}
	return n, nil
}
