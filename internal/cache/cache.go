// Package cache implements the typed, TTL'd cache (component C5) in front
// of the persistence layer: hot reads, distributed rate-limit counters, and
// dedup locks. Connection setup pings Redis once at construction and logs
// driver errors with structured fields rather than formatted strings,
// generalized from a single session shape to typed Get/Set/Incr/
// AcquireLock operations over arbitrary keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"fpai/internal/errkind"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Client is the redis-backed implementation of the typed cache operations.
// The single logical namespace prefix is "fpai:".
type Client struct {
	rdb       *redis.Client
	keyPrefix string
	log       *slog.Logger
}

const defaultKeyPrefix = "fpai:"

// New connects to Redis and verifies connectivity with a ping.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to cache: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	log.Info("cache client initialized", "addr", cfg.Addr, "key_prefix", prefix)
	return &Client{rdb: rdb, keyPrefix: prefix, log: log}, nil
}

func (c *Client) key(k string) string { return c.keyPrefix + k }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Set stores value (JSON-encoded) under key with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", key, "error", err)
		return errkind.Wrap(errkind.CacheUnavailable, err)
	}
	return nil
}

// Get retrieves the value stored under key into dest. ok is false on a
// miss. Per "dynamic typing / schema drift": a value that fails to
// deserialize into dest is treated as a miss and the entry is deleted
// rather than propagating a stale shape.
func (c *Client) Get(ctx context.Context, key string, dest any) (ok bool, err error) {
	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.log.Warn("cache get failed", "key", key, "error", err)
		return false, errkind.Wrap(errkind.CacheUnavailable, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Debug("cache entry failed schema validation, treating as miss", "key", key, "error", err)
		c.rdb.Del(ctx, c.key(key))
		return false, nil
	}
	return true, nil
}

// Invalidate deletes a single key.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return errkind.Wrap(errkind.CacheUnavailable, err)
	}
	return nil
}

// InvalidatePrefix deletes every key under the given logical prefix
// (within this client's namespace), used by the owner-scoped cache
// invalidation in compliance.PurgeService (Scenario F).
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) error {
	pattern := c.key(prefix) + "*"
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errkind.Wrap(errkind.CacheUnavailable, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errkind.Wrap(errkind.CacheUnavailable, err)
	}
	return nil
}

// Incr atomically increments key and, on first increment, sets its TTL to
// window. Implements the rate_limit:<identifier> counter category of.
func (c *Client) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.IncrBy(ctx, key, 1, window)
}

// IncrBy atomically adds delta to key and, on first increment, sets its
// TTL to window. Used for accumulating a sum (rather than an occurrence
// count) into a rolling counter, e.g. a risk score total a caller later
// divides by the matching occurrence count to get an average.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	full := c.key(key)
	count, err := c.rdb.IncrBy(ctx, full, delta).Result()
	if err != nil {
		return 0, errkind.Wrap(errkind.CacheUnavailable, err)
	}
	if count == delta {
		c.rdb.Expire(ctx, full, window)
	}
	return count, nil
}

// Lease is returned by AcquireLock and released by the holder once the
// protected section completes.
type Lease struct {
	client *Client
	key    string
	token  string
}

// ErrBusy is returned by AcquireLock when another holder already owns the
// lock.
var ErrBusy = errors.New("lock busy")

// AcquireLock performs a SETNX-equivalent: sets key to a random token with
// ttl if and only if it is currently absent. Returns ErrBusy if another
// caller holds it.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	full := c.key(key)
	ok, err := c.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, errkind.Wrap(errkind.CacheUnavailable, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{client: c, key: full, token: token}, nil
}

// releaseLockScript only deletes the key if it still holds this lease's
// token, avoiding releasing a lock some other holder has since acquired
// after this lease's TTL expired.
var releaseLockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Release drops the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Err(); err != nil {
		return errkind.Wrap(errkind.CacheUnavailable, err)
	}
	return nil
}
