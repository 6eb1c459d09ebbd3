package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/pkg/logger"
	"github.com/product-insights/backend/pkg/utils"
)

// Client caches read-path responses. All methods are safe on a nil receiver,
// so the cache can be disabled by simply not constructing one.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Key derives a stable cache key from an endpoint name and its raw query
// string.
func Key(endpoint, rawQuery string) string {
	return endpoint + ":" + utils.HashString(rawQuery)
}

// SetResponse caches one rendered response under the configured TTL.
func (c *Client) SetResponse(ctx context.Context, key string, response interface{}) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if err := c.client.Set(ctx, "resp:"+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set response cache: %w", err)
	}

	logger.Debug("Response cached", zap.String("key", key), zap.Duration("ttl", c.ttl))
	return nil
}

// GetResponse loads a cached response into out. A miss returns (false, nil).
func (c *Client) GetResponse(ctx context.Context, key string, out interface{}) (bool, error) {
	if c == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, "resp:"+key).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("response").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get response cache: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}

	metrics.CacheHits.WithLabelValues("response").Inc()
	logger.Debug("Response cache hit", zap.String("key", key))
	return true, nil
}

// Invalidate drops every cached response. Called after an ingestion run so
// fresh insights become visible immediately.
func (c *Client) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, "resp:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Response cache invalidated")
	return nil
}
