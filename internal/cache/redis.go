package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vizcache-gateway/pkg/logging"
)

const defaultRedisOpTimeout = 250 * time.Millisecond

// RedisStore implements Store on Redis. Values use native expiry; the
// fingerprint registry is a plain set that outlives its values, so near
// lookups re-check presence and drop stale members they run into.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
}

type RedisConfig struct {
	Prefix    string
	OpTimeout time.Duration
}

// NewRedisClient builds a client tuned for cache use: no client-side retries
// and short network timeouts, so an unhealthy Redis degrades to misses quickly.
func NewRedisClient(addr string, opTimeout time.Duration) *redis.Client {
	if opTimeout <= 0 {
		opTimeout = defaultRedisOpTimeout
	}
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		MaxRetries:   -1,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	timeout := config.OpTimeout
	if timeout <= 0 {
		timeout = defaultRedisOpTimeout
	}
	return &RedisStore{
		client:    client,
		prefix:    config.Prefix,
		opTimeout: timeout,
	}
}

// key builds the final Redis key with prefix.
func (c *RedisStore) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *RedisStore) exactKey(key string) string { return c.key("exact", key) }
func (c *RedisStore) nearKey(fp string) string   { return c.key("near", fp) }
func (c *RedisStore) registryKey() string        { return c.key("near", "registry") }

func (c *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// GetExact returns (value, true) on hit. Redis errors come back wrapped in
// ErrBackendUnavailable so the caller can log and treat them as a miss.
func (c *RedisStore) GetExact(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.client.Get(ctx, c.exactKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("get exact", err)
	}
	return res, true, nil
}

// SetExact stores value with ttl. ttl <= 0 skips caching.
func (c *RedisStore) SetExact(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.exactKey(key), value, ttl).Err(); err != nil {
		return backendErr("set exact", err)
	}
	return nil
}

func (c *RedisStore) GetNearest(ctx context.Context, fp string, threshold int) (NearMatch, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	members, err := c.client.SMembers(ctx, c.registryKey()).Result()
	if err != nil {
		return NearMatch{}, false, backendErr("scan registry", err)
	}

	ranked, invalid, err := rankCandidates(fp, members, threshold)
	if err != nil {
		return NearMatch{}, false, err
	}

	var stale []interface{}
	if len(invalid) > 0 {
		logging.L(ctx).Warn("cache_registry_invalid_members",
			zap.String("registry", c.registryKey()),
			zap.Strings("fingerprints", invalid),
		)
		for _, m := range invalid {
			stale = append(stale, m)
		}
	}

	match, found, err := c.firstLive(ctx, ranked, &stale)
	if err != nil {
		return NearMatch{}, false, err
	}

	if len(stale) > 0 {
		// Best effort: a failed cleanup does not hide a hit.
		if err := c.client.SRem(ctx, c.registryKey(), stale...).Err(); err != nil && !found {
			return NearMatch{}, false, backendErr("evict stale fingerprints", err)
		}
	}

	return match, found, nil
}

// firstLive fetches the ranked candidates and returns the first one whose
// value still exists. Expired candidates are appended to stale.
func (c *RedisStore) firstLive(ctx context.Context, ranked []candidate, stale *[]interface{}) (NearMatch, bool, error) {
	if len(ranked) == 0 {
		return NearMatch{}, false, nil
	}

	keys := make([]string, len(ranked))
	for i, cand := range ranked {
		keys[i] = c.nearKey(cand.fp)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return NearMatch{}, false, backendErr("get near", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			*stale = append(*stale, ranked[i].fp)
			continue
		}
		return NearMatch{Value: s, Fingerprint: ranked[i].fp, Distance: ranked[i].dist}, true, nil
	}
	return NearMatch{}, false, nil
}

// SetNear writes the value and registers the fingerprint in one transaction.
func (c *RedisStore) SetNear(ctx context.Context, fp, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.nearKey(fp), value, ttl)
		pipe.SAdd(ctx, c.registryKey(), fp)
		return nil
	})
	if err != nil {
		return backendErr("set near", err)
	}
	return nil
}

// Ping checks if the Redis connection is healthy.
func (c *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return backendErr("ping", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisStore) Close() error {
	return c.client.Close()
}
