// Package cache publishes the latest observations to Redis for out-of-process readers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"oracle-engine/internal/observation"
)

// DefaultPrefix is the key namespace used when none is configured.
const DefaultPrefix = "oracle"

// Config configures the Redis connection.
type Config struct {
	URL      string
	Password string
	Prefix   string
	// TTL expires published observations; zero keeps them until overwritten.
	TTL time.Duration
	// Channel receives a message per published observation when set.
	Channel string
}

// Entry is the cached representation of an observation.
type Entry struct {
	Oracle      string                  `json:"oracle"`
	Asset       string                  `json:"asset"`
	Observation observation.Observation `json:"observation"`
	PublishedAt int64                   `json:"published_at"`
}

// Cache reads and writes observations in Redis.
type Cache struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	channel string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, cfg Config) *Cache {
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Cache{rdb: rdb, prefix: prefix, ttl: cfg.TTL, channel: cfg.Channel}
}

// Key returns the key holding the latest observation of oracle for asset.
func (c *Cache) Key(oracle string, asset common.Address) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, oracle, strings.ToLower(asset.Hex()))
}

// Publish stores obs as the latest observation of oracle for asset and announces it on the
// configured channel.
func (c *Cache) Publish(ctx context.Context, oracle string, asset common.Address, obs observation.Observation) error {
	payload, err := json.Marshal(Entry{
		Oracle:      oracle,
		Asset:       asset.Hex(),
		Observation: obs,
		PublishedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.Key(oracle, asset), payload, c.ttl)
	if c.channel != "" {
		pipe.Publish(ctx, c.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", c.Key(oracle, asset), err)
	}
	return nil
}

// Latest returns the cached entry of oracle for asset; ok is false when none is cached.
func (c *Cache) Latest(ctx context.Context, oracle string, asset common.Address) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, c.Key(oracle, asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read %s: %w", c.Key(oracle, asset), err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", c.Key(oracle, asset), err)
	}
	return entry, true, nil
}

// AlreadySent reports whether the alert key was recorded and has not yet expired.
func (c *Cache) AlreadySent(ctx context.Context, key string) bool {
	exists, err := c.rdb.Exists(ctx, c.alertKey(key)).Result()
	return err == nil && exists > 0
}

// Record marks the alert key as sent for cooldown.
func (c *Cache) Record(ctx context.Context, key string, cooldown time.Duration) error {
	return c.rdb.Set(ctx, c.alertKey(key), "1", cooldown).Err()
}

func (c *Cache) alertKey(key string) string {
	return c.prefix + ":alert:" + key
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
