package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/go-chatty/chatty-dm/internal/infrastructure/cache/port"
)

// memorySweepInterval bounds how long expired entries that are never read
// again stay in memory.
const memorySweepInterval = time.Minute

// MemoryCache is a process-local port.Cache used when no Redis is configured.
// Expired entries are dropped when read and swept from Set.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	sweepAt time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

var _ port.Cache = (*MemoryCache)(nil)

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", port.ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return "", port.ErrMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := m.now()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !now.Before(m.sweepAt) {
		m.sweepLocked(now)
		m.sweepAt = now.Add(memorySweepInterval)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryCache) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

func (m *MemoryCache) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.entries[k]; ok {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
