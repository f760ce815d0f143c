package repository

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is the in-process fallback used when Redis is absent or down.
// Expired entries are dropped lazily on read.
type MemoryCache struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries.Store(key, entry)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	val, ok := c.entries.Load(key)
	if !ok {
		return nil, nil
	}
	entry := val.(*memoryEntry)
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.entries.CompareAndDelete(key, val)
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.entries.Delete(key)
	return nil
}
