// Package redis wraps the Redis operations the supervisor uses: short-TTL
// dedup keys for the notifier and an append-only repair journal.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for notification dedup and repair audit.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration. An empty URL disables Redis;
// callers fall back to in-process equivalents.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func dedupKey(fingerprint string) string {
	return "sentinel:notify:" + fingerprint
}

const journalKey = "sentinel:repair_journal"

// Seen marks a notification fingerprint as sent and reports whether it was
// already marked within the window. SET NX with TTL makes the check and the
// mark one atomic operation.
func (c *Client) Seen(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, dedupKey(fingerprint), time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return !set, nil
}

// AppendJournal pushes a repair journal entry, keeping the newest maxLen
// entries.
func (c *Client) AppendJournal(ctx context.Context, entry any, maxLen int64) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, journalKey, payload)
	if maxLen > 0 {
		pipe.LTrim(ctx, journalKey, 0, maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal append failed: %w", err)
	}
	return nil
}
