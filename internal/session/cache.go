package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/storage"
)

// Entry is the cached live memory of one session.
type Entry struct {
	UserID string         `json:"userId"`
	Turns  []storage.Turn `json:"turns"`
}

// Cache holds live memory in front of the record store. Implementations
// treat every failure as a miss; the store stays authoritative.
type Cache interface {
	Get(ctx context.Context, sessionID string) (Entry, bool)
	Set(ctx context.Context, sessionID string, e Entry)
	Delete(ctx context.Context, sessionID string) error
}

// LRUCache is an in-process cache with per-entry TTL.
type LRUCache struct {
	cache *expirable.LRU[string, Entry]
}

// NewLRUCache creates a cache holding at most size sessions, each for ttl
// after it was last written.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{cache: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, sessionID string) (Entry, bool) {
	e, ok := c.cache.Get(sessionID)
	if ok {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return e, true
	}
	metrics.CacheMisses.WithLabelValues("lru").Inc()
	return Entry{}, false
}

func (c *LRUCache) Set(_ context.Context, sessionID string, e Entry) {
	c.cache.Add(sessionID, e)
}

func (c *LRUCache) Delete(_ context.Context, sessionID string) error {
	c.cache.Remove(sessionID)
	return nil
}
