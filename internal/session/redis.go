package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/metrics"
)

const redisKeyPrefix = "learnd:session:"

// RedisCache shares live memory between server processes.
type RedisCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisCache connects to addr and verifies the connection with a ping.
func NewRedisCache(addr string, ttl time.Duration, log *logger.Logger) (*RedisCache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{
		log: log.With("service", "RedisSessionCache"),
		rdb: rdb,
		ttl: ttl,
	}, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func (c *RedisCache) Get(ctx context.Context, sessionID string) (Entry, bool) {
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("redis get failed", "session_id", sessionID, "error", err)
		}
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn("discarding unreadable cache entry", "session_id", sessionID, "error", err)
		metrics.CacheMisses.WithLabelValues("redis").Inc()
		return Entry{}, false
	}
	metrics.CacheHits.WithLabelValues("redis").Inc()
	return e, true
}

func (c *RedisCache) Set(ctx context.Context, sessionID string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+sessionID, raw, c.ttl).Err(); err != nil {
		c.log.Warn("redis set failed", "session_id", sessionID, "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", sessionID, err)
	}
	return nil
}
