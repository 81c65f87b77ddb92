package webhook

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryTokenCache is a bounded in-memory TokenCache. Entries expire after
// their TTL; when the cache is full the oldest entry is evicted. Suitable for
// single-instance deployments and tests.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int
	now     func() time.Time
}

type memoryTokenEntry struct {
	key       string
	expiresAt time.Time
}

// NewMemoryTokenCache creates a MemoryTokenCache holding at most maxSize
// tokens.
func NewMemoryTokenCache(maxSize int) *MemoryTokenCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryTokenCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Remember records the pair and reports whether it was previously unseen.
func (c *MemoryTokenCache) Remember(_ context.Context, timestamp, token string, ttl time.Duration) (bool, error) {
	key := timestamp + ":" + token
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*memoryTokenEntry)
		if entry.expiresAt.After(now) {
			return false, nil
		}
		// Expired entry for the same pair: treat as unseen.
		c.order.Remove(elem)
		delete(c.entries, key)
	}

	c.evictLocked(now)

	entry := &memoryTokenEntry{key: key, expiresAt: now.Add(ttl)}
	c.entries[key] = c.order.PushBack(entry)
	return true, nil
}

// evictLocked removes expired entries, then the oldest entries until the
// cache is below capacity. Caller holds the mutex.
func (c *MemoryTokenCache) evictLocked(now time.Time) {
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*memoryTokenEntry).expiresAt.After(now) {
			break
		}
		delete(c.entries, elem.Value.(*memoryTokenEntry).key)
		c.order.Remove(elem)
		elem = next
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			return
		}
		delete(c.entries, oldest.Value.(*memoryTokenEntry).key)
		c.order.Remove(oldest)
	}
}

// RedisTokenCache is a TokenCache backed by redis SET NX with a TTL, so
// replay defense holds across multiple instances.
type RedisTokenCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisTokenCache creates a redis-backed token cache.
func NewRedisTokenCache(client redis.UniversalClient) *RedisTokenCache {
	return &RedisTokenCache{
		client:    client,
		keyPrefix: "webhook:token:",
	}
}

// Remember atomically records the pair and reports whether it was previously
// unseen.
func (c *RedisTokenCache) Remember(ctx context.Context, timestamp, token string, ttl time.Duration) (bool, error) {
	key := c.keyPrefix + timestamp + ":" + token
	return c.client.SetNX(ctx, key, 1, ttl).Result()
}
