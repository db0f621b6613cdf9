package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"vizcache-gateway/internal/metrics"
	"vizcache-gateway/pkg/logging"
)

const (
	DefaultTTL           = time.Hour
	DefaultNearThreshold = 6
)

// Source tells where a lookup result came from.
type Source string

const (
	SourceExact         Source = "exact"
	SourceNearDuplicate Source = "near_duplicate"
	SourceMiss          Source = "miss"
)

// Result is the outcome of a lookup.
type Result struct {
	Value  string
	Source Source

	ExactKey    string
	Fingerprint string // empty when the exact tier answered

	MatchedFingerprint string
	Distance           int

	// Shared is set by Resolve when the value came from an upstream call
	// that another identical request was already running.
	Shared bool
}

// Coordinator runs the exact → near-duplicate → miss lookup order on top of
// a single Store and writes results back to both indexes. It is safe for
// concurrent use.
//
// The near-duplicate tier keys only on image content: two different prompts
// against the same picture share an answer.
type Coordinator struct {
	store     Store
	ttl       time.Duration
	threshold int
	inflight  singleflight.Group
}

// NewCoordinator wires a coordinator around store. A zero TTL falls back to
// DefaultTTL.
func NewCoordinator(store Store, cfg Config) *Coordinator {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		store:     store,
		ttl:       ttl,
		threshold: cfg.NearThreshold,
	}
}

// Lookup checks the exact tier, then the near-duplicate tier. Backend failures
// are logged and reported as a miss. The only error returned is *DecodeError,
// when the exact tier misses and the image cannot be fingerprinted.
func (c *Coordinator) Lookup(ctx context.Context, prompt string, image []byte) (Result, error) {
	res := Result{
		ExactKey: DeriveExactKey(prompt, image),
		Source:   SourceMiss,
	}

	value, ok, err := c.store.GetExact(ctx, res.ExactKey)
	switch {
	case err != nil:
		c.storeFailure(ctx, "get_exact", err)
	case ok:
		res.Value = value
		res.Source = SourceExact
		metrics.CacheDecisionsTotal.WithLabelValues(string(res.Source)).Inc()
		return res, nil
	}

	fp, err := DeriveFingerprint(image)
	if err != nil {
		return res, err
	}
	res.Fingerprint = fp

	match, ok, err := c.store.GetNearest(ctx, fp, c.threshold)
	switch {
	case err != nil:
		c.storeFailure(ctx, "get_nearest", err)
	case ok:
		res.Value = match.Value
		res.Source = SourceNearDuplicate
		res.MatchedFingerprint = match.Fingerprint
		res.Distance = match.Distance
	}

	metrics.CacheDecisionsTotal.WithLabelValues(string(res.Source)).Inc()
	return res, nil
}

// Store writes value to the exact and near-duplicate indexes, overwriting
// whatever was there. ttl <= 0 uses the configured default. Backend failures
// are logged, never returned. If the image cannot be fingerprinted the exact
// entry is still written and the *DecodeError is returned.
func (c *Coordinator) Store(ctx context.Context, prompt string, image []byte, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	key := DeriveExactKey(prompt, image)
	if err := c.store.SetExact(ctx, key, value, ttl); err != nil {
		c.storeFailure(ctx, "set_exact", err)
	}

	fp, err := DeriveFingerprint(image)
	if err != nil {
		return err
	}
	if err := c.store.SetNear(ctx, fp, value, ttl); err != nil {
		c.storeFailure(ctx, "set_near", err)
	}
	return nil
}

// Resolve looks the request up and, on a miss, runs compute and stores its
// result. Concurrent misses for the same exact key share one compute call;
// the marker is cleared as soon as that call returns, success or not.
//
// The shared call does not inherit any caller's cancellation, so compute must
// bound itself. Each caller still stops waiting when its own ctx is done.
func (c *Coordinator) Resolve(
	ctx context.Context,
	prompt string,
	image []byte,
	compute func(ctx context.Context) (string, error),
) (Result, error) {
	res, err := c.Lookup(ctx, prompt, image)
	if err != nil || res.Source != SourceMiss {
		return res, err
	}

	callCtx := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(res.ExactKey, func() (interface{}, error) {
		value, err := compute(callCtx)
		if err != nil {
			return "", err
		}
		if err := c.Store(callCtx, prompt, image, value, 0); err != nil {
			logging.L(callCtx).Warn("cache_store_error", zap.Error(err))
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return res, r.Err
		}
		if r.Shared {
			metrics.InflightSharedTotal.Inc()
		}
		res.Value = r.Val.(string)
		res.Shared = r.Shared
		return res, nil
	}
}

// Ping reports store health when the store supports it.
func (c *Coordinator) Ping(ctx context.Context) error {
	if p, ok := c.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

func (c *Coordinator) storeFailure(ctx context.Context, op string, err error) {
	logger := logging.L(ctx)
	if errors.Is(err, ErrBackendUnavailable) {
		logger.Warn("cache_backend_unavailable", zap.String("op", op), zap.Error(err))
		return
	}
	// Anything else is a broken invariant, e.g. mixed fingerprint lengths.
	logger.DPanic("cache_invariant_violated", zap.String("op", op), zap.Error(err))
}
