// Package redis provides a Redis storage backend built on go-redis.
// It mirrors storage/valkey for deployments that already run Redis and
// use the go-redis client elsewhere.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "gate:"

	// DefaultTTL is used by a namespace created without a default TTL
	DefaultTTL = time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// pingTimeout bounds the initial connection check
	pingTimeout = 2 * time.Second
)

// incrementScript increments KEYS[1] unless it already reached the ceiling.
// ARGV[1] = limit (0 = none), ARGV[2] = ttl in ms, ARGV[3] = "1" to refresh ttl.
// Returns {value, allowed, pttl}.
var incrementScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if limit > 0 and current >= limit then
    return {current, 0, redis.call('PTTL', KEYS[1])}
end
local value = redis.call('INCR', KEYS[1])
if value == 1 or ARGV[3] == '1' then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {value, 1, redis.call('PTTL', KEYS[1])}
`)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Redis authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "gate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Client owns the Redis connection shared by every named store.
type Client struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger
}

// New creates a new Redis client and verifies the connection.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Client{rdb: rdb, prefix: prefix, logger: logger}, nil
}

// Close closes the Redis client connection.
func (c *Client) Close() {
	if err := c.rdb.Close(); err != nil {
		c.logger.Warn("Failed to close Redis connection", "error", err)
		return
	}
	c.logger.Info("Redis storage connection closed")
}

// Ping verifies the connection is healthy.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Namespace returns a store whose keys live under {prefix}{name}:.
func (c *Client) Namespace(name string, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{
		rdb:        c.rdb,
		prefix:     c.prefix + name + ":",
		defaultTTL: defaultTTL,
		logger:     c.logger.With("store", name),
	}
}

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	rdb        *goredis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

// Put implements storage.Store.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.key(key), value, s.ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// PutIfAbsent implements storage.Store with SET NX.
func (s *Store) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	inserted, err := s.rdb.SetNX(ctx, s.key(key), value, s.ttlOrDefault(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to execute put-if-absent: %w", err)
	}
	return inserted, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Contains implements storage.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return n > 0, nil
}

// Increment implements storage.Store.
// SECURITY: The ceiling check and the increment run in one script.
func (s *Store) Increment(ctx context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error) {
	refresh := "0"
	if opts.RefreshTTL {
		refresh = "1"
	}

	result, err := incrementScript.Run(ctx, s.rdb,
		[]string{s.key(key)},
		opts.Limit, s.ttlOrDefault(opts.TTL).Milliseconds(), refresh,
	).Int64Slice()
	if err != nil {
		return storage.Counter{}, fmt.Errorf("failed to execute increment: %w", err)
	}
	if len(result) != 3 {
		return storage.Counter{}, fmt.Errorf("unexpected increment reply length %d", len(result))
	}

	c := storage.Counter{Value: result[0], Allowed: result[1] == 1}
	if result[2] > 0 {
		c.ExpiresIn = time.Duration(result[2]) * time.Millisecond
	}
	return c, nil
}

// Range implements storage.Store by scanning the namespace.
func (s *Store) Range(ctx context.Context, fn func(key, value string) bool) error {
	seen := make(map[string]struct{})

	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		if _, dup := seen[fullKey]; dup {
			continue
		}
		seen[fullKey] = struct{}{}

		value, err := s.rdb.Get(ctx, fullKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue // Key expired between SCAN and GET
		}
		if err != nil {
			return fmt.Errorf("failed to get key during scan: %w", err)
		}

		if !fn(strings.TrimPrefix(fullKey, s.prefix), value) {
			return nil
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	return nil
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}
