// Package redis provides cross-process coordination for the ACS: per-device
// session locks and device liveness tracking.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
)

// Client wraps the Redis client with ACS-specific operations
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// NewClient creates a new Redis client from configuration
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is nil")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  4 * time.Second,
		MaxRetries:   3,
	})

	ctx := context.Background()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("✅ Redis connection established at %s (DB: %d)", addr, cfg.DB)

	return &Client{client: rdb, ctx: ctx}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks if Redis is responsive
func (c *Client) Ping() error {
	return c.client.Ping(c.ctx).Err()
}

// Set stores a key-value pair as JSON with optional expiration
func (c *Client) Set(key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(c.ctx, key, data, expiration).Err()
}

// Get retrieves a value and unmarshals it into dest
func (c *Client) Get(key string, dest interface{}) error {
	val, err := c.client.Get(c.ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("key does not exist: %s", key)
	}
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return nil
}

// Delete removes a key
func (c *Client) Delete(key string) error {
	return c.client.Del(c.ctx, key).Err()
}

// SetNX sets a key only if it does not exist, returning whether it was set
func (c *Client) SetNX(key, value string, expiration time.Duration) (bool, error) {
	return c.client.SetNX(c.ctx, key, value, expiration).Result()
}
