package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"access-service/internal/client"
	"access-service/internal/repository"
	"access-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache counts hits per key in fixed windows. The window starts on
// the first hit and is not extended by later ones.
type RateLimitCache struct {
	client *client.RedisClient
	prefix string
}

func NewRateLimitCache(client *client.RedisClient, prefix string) *RateLimitCache {
	return &RateLimitCache{client: client, prefix: prefix}
}

func (c *RateLimitCache) key(key string) string {
	if c.prefix == "" {
		return rateLimitPrefix + key
	}
	return c.prefix + ":" + rateLimitPrefix + key
}

// Allow records a hit for key and reports whether it is within limit.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (*repository.RateLimitResult, error) {
	rateLimitKey := c.key(key)

	count, err := c.client.IncrWithExpire(ctx, rateLimitKey, window)
	if err != nil {
		util.Error("Failed to increment rate limit counter",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return nil, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	result := &repository.RateLimitResult{
		Allowed: count <= int64(limit),
		Count:   int(count),
		Limit:   limit,
	}
	if !result.Allowed {
		ttl, err := c.client.TTL(ctx, rateLimitKey)
		if err != nil || ttl < 0 {
			ttl = window
		}
		result.RetryAfter = ttl
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit))
	}

	return result, nil
}

// Reset clears the counter for key.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
