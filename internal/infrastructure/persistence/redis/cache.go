// Package redis implements the read-through cache, cache invalidation and
// weekly-job guards on top of go-redis.
//
// Every Cache method degrades instead of failing: when Redis is unreachable
// reads report a miss and writes report false, so a request never fails only
// because the cache is down.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maternar/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// URL takes precedence over Host/Port when set, e.g. redis://:pass@host:6379/0.
	URL string

	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewClient builds a go-redis client. It does not dial; the first command does.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts.PoolSize = cfg.PoolSize
		opts.MinIdleConns = cfg.MinIdleConns
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache is a JSON key-value cache. A nil client makes every call a miss.
type Cache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewCache wraps client. Pass a nil client to run without Redis.
func NewCache(client *redis.Client, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{client: client, log: log.With(logger.Component("cache"))}
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool { return c != nil && c.client != nil }

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return errors.New("cache: disabled")
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) degrade(op, key string, err error) {
	c.log.Warn("cache unavailable, degrading",
		logger.Operation(op),
		logger.String("key", key),
		logger.Err(err),
	)
}

// Get loads key into dest and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if !c.Enabled() || key == "" {
		return false
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.degrade("Get", key, err)
		}
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn("cache entry is not valid json, dropping", logger.String("key", key), logger.Err(err))
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	return true
}

// Set stores value as JSON with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if !c.Enabled() || key == "" || value == nil || ttl < 0 {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.log.Error("cache serialization failed", logger.String("key", key), logger.Err(err))
		return false
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.degrade("Set", key, err)
		return false
	}
	return true
}

// Delete removes a key. Removing an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	return c.DeleteMany(ctx, key)
}

// DeleteMany removes keys with a single DEL.
func (c *Cache) DeleteMany(ctx context.Context, keys ...string) bool {
	if !c.Enabled() {
		return false
	}
	if len(keys) == 0 {
		return true
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.degrade("DeleteMany", keys[0], err)
		return false
	}
	return true
}

// IncrWithExpiry increments a counter and starts its TTL on first use. INCR
// and EXPIRE NX run in one transaction so a counter never outlives its window.
// The boolean is false when the cache could not be reached.
func (c *Cache) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, bool) {
	if !c.Enabled() || key == "" {
		return 0, false
	}

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		c.degrade("IncrWithExpiry", key, err)
		return 0, false
	}
	return incr.Val(), true
}

// AddToSet adds member to a set and refreshes the set TTL. added is true
// when the member was new; ok is false when the cache could not be reached.
func (c *Cache) AddToSet(ctx context.Context, key, member string, ttl time.Duration) (added, ok bool) {
	if !c.Enabled() || key == "" {
		return false, false
	}

	var sadd *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		sadd = pipe.SAdd(ctx, key, member)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		c.degrade("AddToSet", key, err)
		return false, false
	}
	return sadd.Val() == 1, true
}

// RemoveFromSet removes member from the set at key.
func (c *Cache) RemoveFromSet(ctx context.Context, key, member string) bool {
	if !c.Enabled() || key == "" {
		return false
	}

	if err := c.client.SRem(ctx, key, member).Err(); err != nil {
		c.degrade("RemoveFromSet", key, err)
		return false
	}
	return true
}

// scanBatch bounds keys per SCAN step and per DEL.
const scanBatch = 500

// DeleteMatching removes every key matching a glob pattern, walking the
// keyspace with SCAN. It returns how many keys were deleted.
func (c *Cache) DeleteMatching(ctx context.Context, pattern string) (int64, bool) {
	if !c.Enabled() || pattern == "" {
		return 0, false
	}

	var (
		deleted int64
		batch   = make([]string, 0, scanBatch)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				c.degrade("DeleteMatching", pattern, err)
				return deleted, false
			}
		}
	}
	if err := iter.Err(); err != nil {
		c.degrade("DeleteMatching", pattern, err)
		return deleted, false
	}
	if err := flush(); err != nil {
		c.degrade("DeleteMatching", pattern, err)
		return deleted, false
	}
	return deleted, true
}
