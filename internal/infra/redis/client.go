package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations: sweep leases and the preference cache.
type Client struct {
	rdb      *redis.Client
	instance string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, instance: uuid.NewString()}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func leaseKey(name string) string {
	return fmt.Sprintf("herald:lease:%s", name)
}

// AcquireLease takes a named lease for ttl. Returns false when another
// instance holds it; a sweep that loses the lease skips this run.
func (c *Client) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(name), c.instance, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLease drops a lease early if this instance still holds it.
func (c *Client) ReleaseLease(ctx context.Context, name string) error {
	key := leaseKey(name)
	holder, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get lease failed: %w", err)
	}
	if holder != c.instance {
		return nil
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del lease failed: %w", err)
	}
	return nil
}
