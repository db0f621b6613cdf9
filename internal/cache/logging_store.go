package cache

import (
	"context"
	"time"

	"vizcache-gateway/internal/metrics"
	"vizcache-gateway/pkg/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store) *LoggingStore {
	return &LoggingStore{inner: inner}
}

func (c *LoggingStore) GetExact(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.GetExact(ctx, key)

	result := lookupResult(ok, err)
	metrics.CacheLookupsTotal.WithLabelValues("exact", result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", "exact"),
		zap.String("hash_key", key),
		zap.String("cache_result", result),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	logResult(ctx, "exact_cache_get", fields, err)

	return value, ok, err
}

func (c *LoggingStore) SetExact(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.SetExact(ctx, key, value, ttl)

	metrics.CacheWritesTotal.WithLabelValues("exact", writeResult(err)).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", "exact"),
		zap.String("hash_key", key),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	logResult(ctx, "exact_cache_set", fields, err)

	return err
}

func (c *LoggingStore) GetNearest(ctx context.Context, fp string, threshold int) (NearMatch, bool, error) {
	start := time.Now()
	match, ok, err := c.inner.GetNearest(ctx, fp, threshold)

	result := lookupResult(ok, err)
	metrics.CacheLookupsTotal.WithLabelValues("near", result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", "near"),
		zap.String("fingerprint", fp),
		zap.Int("threshold", threshold),
		zap.String("cache_result", result),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	if ok {
		fields = append(fields,
			zap.String("matched_fingerprint", match.Fingerprint),
			zap.Int("distance", match.Distance),
		)
	}
	logResult(ctx, "near_cache_get", fields, err)

	return match, ok, err
}

func (c *LoggingStore) SetNear(ctx context.Context, fp, value string, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.SetNear(ctx, fp, value, ttl)

	metrics.CacheWritesTotal.WithLabelValues("near", writeResult(err)).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", "near"),
		zap.String("fingerprint", fp),
		zap.Duration("ttl", ttl),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	logResult(ctx, "near_cache_set", fields, err)

	return err
}

// Ping forwards to the wrapped store when it supports health checks.
func (c *LoggingStore) Ping(ctx context.Context) error {
	if p, ok := c.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *LoggingStore) Close() error {
	return c.inner.Close()
}

func lookupResult(ok bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case ok:
		return "hit"
	default:
		return "miss"
	}
}

func writeResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func logResult(ctx context.Context, msg string, fields []zap.Field, err error) {
	logger := logging.L(ctx)
	if err != nil {
		logger.Warn(msg, append(fields, zap.Error(err))...)
		return
	}
	logger.Debug(msg, fields...)
}
