package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/tourmarket/requestgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "gate:"

	// DefaultTTL is used by a namespace created without a default TTL
	DefaultTTL = time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// luaPutIfAbsent inserts ARGV[1] with a PX expiry only when the key is missing.
// Returns 1 when inserted, 0 otherwise.
const luaPutIfAbsent = `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
    return 1
end
return 0
`

// luaIncrement increments KEYS[1] unless it already reached the ceiling.
// ARGV[1] = limit (0 = none), ARGV[2] = ttl in ms, ARGV[3] = "1" to refresh ttl.
// Returns {value, allowed, pttl}.
const luaIncrement = `
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
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
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

// Client owns the Valkey connection shared by every named store.
type Client struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// New creates a new Valkey client.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Client{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (c *Client) Close() {
	c.client.Close()
	c.logger.Info("Valkey storage connection closed")
}

// Ping verifies the connection is healthy.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

// Namespace returns a store whose keys live under {prefix}{name}:.
func (c *Client) Namespace(name string, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{
		client:     c.client,
		prefix:     c.prefix + name + ":",
		defaultTTL: defaultTTL,
		logger:     c.logger.With("store", name),
	}
}

// Store is a Valkey-backed implementation of storage.Store.
// Expiry is delegated to Valkey's native key TTL. Capacity is bounded by the
// server's maxmemory policy instead of a per-store entry limit.
type Store struct {
	client     valkeygo.Client
	prefix     string
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

// Put implements storage.Store.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	ttl = s.ttlOrDefault(ttl)
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Px(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// PutIfAbsent implements storage.Store using SET NX PX inside a script.
func (s *Store) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ttl = s.ttlOrDefault(ttl)
	inserted, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutIfAbsent).
			Numkeys(1).
			Key(s.key(key)).
			Arg(value, strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute put-if-absent: %w", err)
	}
	return inserted == 1, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Contains implements storage.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return n > 0, nil
}

// Increment implements storage.Store.
// SECURITY: The ceiling check and the increment run in one script, so
// concurrent callers can never push the counter past the limit.
func (s *Store) Increment(ctx context.Context, key string, opts storage.IncrementOptions) (storage.Counter, error) {
	ttl := s.ttlOrDefault(opts.TTL)
	refresh := "0"
	if opts.RefreshTTL {
		refresh = "1"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrement).
			Numkeys(1).
			Key(s.key(key)).
			Arg(strconv.FormatInt(opts.Limit, 10), strconv.FormatInt(ttl.Milliseconds(), 10), refresh).
			Build(),
	).AsIntSlice()
	if err != nil {
		return storage.Counter{}, fmt.Errorf("failed to execute increment: %w", err)
	}
	if len(result) != 3 {
		return storage.Counter{}, fmt.Errorf("unexpected increment reply length %d", len(result))
	}

	return counterFromReply(result[0], result[1], result[2]), nil
}

// Range implements storage.Store by scanning the namespace.
func (s *Store) Range(ctx context.Context, fn func(key, value string) bool) error {
	pattern := s.prefix + "*"

	// SCAN can return duplicates across iterations
	seen := make(map[string]struct{})

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, fullKey := range result.Elements {
			if _, dup := seen[fullKey]; dup {
				continue
			}
			seen[fullKey] = struct{}{}

			value, err := s.client.Do(ctx, s.client.B().Get().Key(fullKey).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key expired between SCAN and GET
				}
				return fmt.Errorf("failed to get key during scan: %w", err)
			}

			if !fn(strings.TrimPrefix(fullKey, s.prefix), value) {
				return nil
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// key returns the namespaced key: {prefix}{name}:{key}
func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// counterFromReply converts the {value, allowed, pttl} script reply.
// PTTL is negative when the key has no expiry or does not exist.
func counterFromReply(value, allowed, pttl int64) storage.Counter {
	c := storage.Counter{
		Value:   value,
		Allowed: allowed == 1,
	}
	if pttl > 0 {
		c.ExpiresIn = time.Duration(pttl) * time.Millisecond
	}
	return c
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
