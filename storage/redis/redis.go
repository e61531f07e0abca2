// Package redis provides a Redis implementation of the billing.EventCache
// interface. Processed webhook event ids are stored with a TTL covering the
// provider's retry window, so redelivered events are acknowledged without
// reprocessing.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements billing.EventCache using Redis.
type Cache struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis event cache configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "chartbill:events:").
	KeyPrefix string

	// TTL is how long processed event ids are remembered. It should exceed
	// the provider's webhook retry window (default: 72h).
	TTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "chartbill:events:",
		TTL:       72 * time.Hour,
	}
}

// New creates a new Redis event cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "chartbill:events:"
	}
	if config.TTL == 0 {
		config.TTL = 72 * time.Hour
	}
	return &Cache{client: client, config: config}, nil
}

// Seen implements billing.EventCache.
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event id: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventCache.
func (c *Cache) MarkProcessed(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, c.key(eventID), "1", c.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

func (c *Cache) key(eventID string) string {
	return c.config.KeyPrefix + eventID
}
