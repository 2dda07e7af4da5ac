// Package cache provides a Redis read-through cache in front of a
// storage.SeriesRepository.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-ohlcv-ingestor/internal/config"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/models"
	"github.com/johnayoung/go-ohlcv-ingestor/internal/storage"
)

const (
	defaultTTL       = 5 * time.Minute
	defaultNamespace = "ohlcv"
	scanBatch        = 200
)

// SeriesCache decorates a SeriesRepository with Redis caching of whole
// series. Read-side cache failures fall back to the inner repository; a nil
// client bypasses the cache.
type SeriesCache struct {
	inner     storage.SeriesRepository
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
	logger    *slog.Logger
}

// NewSeriesCache wraps inner. ttl <= 0 falls back to five minutes and an empty
// namespace to "ohlcv".
func NewSeriesCache(rdb *redis.Client, ttl time.Duration, inner storage.SeriesRepository, namespace string, logger *slog.Logger) *SeriesCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeriesCache{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
		logger:    logger.With("component", "series_cache"),
	}
}

// NewRedisClient connects to the configured Redis and pings it once.
func NewRedisClient(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", "address", cfg.Addr, "error", err)
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("redis connection successful", "address", cfg.Addr)
	return rdb, nil
}

// Exists implements storage.SeriesRepository.
func (c *SeriesCache) Exists(ctx context.Context, key storage.SeriesKey) (bool, error) {
	return c.inner.Exists(ctx, key)
}

// Load returns the cached series when present and readable, and otherwise
// loads from the inner repository and caches the result.
func (c *SeriesCache) Load(ctx context.Context, key storage.SeriesKey) (models.Series, error) {
	if c.rdb == nil {
		return c.inner.Load(ctx, key)
	}

	ck := c.cacheKey(key)
	if b, err := c.rdb.Get(ctx, ck).Bytes(); err == nil && len(b) > 0 {
		var out models.Series
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		c.logger.Warn("dropping unreadable cache entry", "key", ck)
		_ = c.rdb.Del(ctx, ck).Err()
	}

	out, err := c.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(out); err == nil {
		if err := c.rdb.Set(ctx, ck, b, c.ttl).Err(); err != nil {
			c.logger.Debug("cache set failed", "key", ck, "error", err)
		}
	}
	return out, nil
}

// Replace writes through to the inner repository and then invalidates every
// cache entry of the key. A failed invalidation is returned after the inner
// write has succeeded, since later reads may be stale until the TTL expires.
func (c *SeriesCache) Replace(ctx context.Context, key storage.SeriesKey, s models.Series) error {
	if err := c.inner.Replace(ctx, key, s); err != nil {
		return err
	}
	return c.Invalidate(ctx, key)
}

// Invalidate drops every cache entry of key.
func (c *SeriesCache) Invalidate(ctx context.Context, key storage.SeriesKey) error {
	if c.rdb == nil {
		return nil
	}
	if err := c.deleteByPattern(ctx, c.cacheKeyPrefix(key)+"*"); err != nil {
		c.logger.Warn("cache invalidation failed", "series", key.String(), "error", err)
		return fmt.Errorf("invalidating cached %s: %w", key, err)
	}
	return nil
}

// HealthCheck checks the inner repository and, when configured, Redis.
func (c *SeriesCache) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(storage.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return err
		}
	}
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	return nil
}

func (c *SeriesCache) cacheKey(key storage.SeriesKey) string {
	return c.cacheKeyPrefix(key) + "series"
}

func (c *SeriesCache) cacheKeyPrefix(key storage.SeriesKey) string {
	return fmt.Sprintf("%s:%s:%s:", c.namespace, safe(key.Exchange), safe(key.Symbol))
}

func (c *SeriesCache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = cur
		if cursor == 0 {
			return nil
		}
	}
}

// safe escapes characters that would break the key layout.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "*", "_")
	return s
}
