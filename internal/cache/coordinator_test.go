package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

const testPrompt = "Extract the product name from the image."

func newMemoryCoordinator(t *testing.T, clock *fakeClock) *Coordinator {
	t.Helper()
	cfg := MemoryConfig{}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return NewCoordinator(NewMemoryStore(cfg), Config{TTL: time.Hour, NearThreshold: DefaultNearThreshold})
}

func TestCoordinator_LookupAfterStoreIsExact(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)
	img := encodePNG(t, sceneA())

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
	require.NotEmpty(t, res.Fingerprint)

	require.NoError(t, c.Store(ctx, testPrompt, img, "Widget\nChina 80%", 0))

	res, err = c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)
	require.Equal(t, "Widget\nChina 80%", res.Value)
	require.Equal(t, DeriveExactKey(testPrompt, img), res.ExactKey)
}

func TestCoordinator_DifferentPromptSameImageIsNearDuplicate(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)
	img := encodePNG(t, sceneA())

	require.NoError(t, c.Store(ctx, testPrompt, img, "cached", 0))

	res, err := c.Lookup(ctx, "a completely different prompt", img)
	require.NoError(t, err)
	require.Equal(t, SourceNearDuplicate, res.Source)
	require.Equal(t, "cached", res.Value)
	require.Equal(t, 0, res.Distance)
	require.Equal(t, res.Fingerprint, res.MatchedFingerprint)
}

func TestCoordinator_ReencodedImageIsNearDuplicate(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)

	require.NoError(t, c.Store(ctx, testPrompt, encodePNG(t, sceneA()), "cached", 0))

	res, err := c.Lookup(ctx, testPrompt, encodeJPEG(t, sceneA(), 75))
	require.NoError(t, err)
	require.Equal(t, SourceNearDuplicate, res.Source)

	res, err = c.Lookup(ctx, testPrompt, encodePNG(t, sceneB()))
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
}

func TestCoordinator_TTLExpiryLocal(t *testing.T) {
	ctx := testContext(t)
	clock := newFakeClock()
	c := newMemoryCoordinator(t, clock)
	img := encodePNG(t, sceneA())

	require.NoError(t, c.Store(ctx, testPrompt, img, "cached", time.Second))
	clock.Advance(2 * time.Second)

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
}

func TestCoordinator_TTLExpiryRedis(t *testing.T) {
	ctx := testContext(t)
	mr := miniredis.RunT(t)
	store := NewRedisStore(NewRedisClient(mr.Addr(), 0), RedisConfig{Prefix: "t"})
	c := NewCoordinator(store, Config{TTL: time.Hour, NearThreshold: DefaultNearThreshold})
	t.Cleanup(func() { _ = c.Close() })
	img := encodePNG(t, sceneA())

	require.NoError(t, c.Store(ctx, testPrompt, img, "cached", time.Second))

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)

	mr.FastForward(2 * time.Second)

	res, err = c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
}

func TestCoordinator_RedisUnavailableDegradesToMiss(t *testing.T) {
	ctx := testContext(t)
	mr := miniredis.RunT(t)
	store := NewLoggingStore(NewRedisStore(NewRedisClient(mr.Addr(), 50*time.Millisecond), RedisConfig{}))
	c := NewCoordinator(store, Config{NearThreshold: DefaultNearThreshold})
	t.Cleanup(func() { _ = c.Close() })
	mr.Close()

	img := encodePNG(t, sceneA())

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)

	require.NoError(t, c.Store(ctx, testPrompt, img, "value", 0))
	require.Error(t, c.Ping(ctx))
}

func TestCoordinator_RedisHangDegradesToMissWithinTimeout(t *testing.T) {
	ctx := testContext(t)
	const opTimeout = 100 * time.Millisecond
	store := NewRedisStore(NewRedisClient(silentListener(t), opTimeout), RedisConfig{Prefix: "t"})
	c := NewCoordinator(NewLoggingStore(store), Config{NearThreshold: DefaultNearThreshold})
	t.Cleanup(func() { _ = c.Close() })

	img := encodePNG(t, sceneA())
	// Two store round trips per call, each capped by opTimeout.
	limit := 2*opTimeout + 500*time.Millisecond

	start := time.Now()
	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
	require.Less(t, time.Since(start), limit)

	start = time.Now()
	require.NoError(t, c.Store(ctx, testPrompt, img, "value", 0))
	require.Less(t, time.Since(start), limit)
}

func TestCoordinator_ConcurrentStoreSameKey(t *testing.T) {
	ctx := testContext(t)
	store := NewMemoryStore(MemoryConfig{})
	c := NewCoordinator(store, Config{NearThreshold: DefaultNearThreshold})
	img := encodePNG(t, sceneA())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Store(ctx, testPrompt, img, "same result", 0)
		}()
	}
	wg.Wait()

	exact, near := store.Len()
	require.Equal(t, 1, exact)
	require.Equal(t, 1, near)

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)
	require.Equal(t, "same result", res.Value)
}

func TestCoordinator_UndecodableImage(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)
	junk := []byte("not an image")

	_, err := c.Lookup(ctx, testPrompt, junk)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))

	// The exact tier still works for replays of the same bytes.
	err = c.Store(ctx, testPrompt, junk, "value", 0)
	require.True(t, errors.As(err, &decodeErr))

	res, err := c.Lookup(ctx, testPrompt, junk)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)
}

func TestCoordinator_ResolveDeduplicatesInflight(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)
	img := encodePNG(t, sceneA())

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "computed", nil
	}

	const n = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]Result, n)
		errs    = make([]error, n)
	)
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = c.Resolve(ctx, testPrompt, img, compute)
		}(i)
	}
	started.Wait()
	// Give every goroutine time to reach the in-flight group.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "computed", results[i].Value)
	}

	res, err := c.Resolve(ctx, testPrompt, img, compute)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)
	require.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_ResolveComputeErrorNotCached(t *testing.T) {
	ctx := testContext(t)
	c := newMemoryCoordinator(t, nil)
	img := encodePNG(t, sceneA())
	upstreamErr := errors.New("upstream down")

	_, err := c.Resolve(ctx, testPrompt, img, func(context.Context) (string, error) {
		return "", upstreamErr
	})
	require.ErrorIs(t, err, upstreamErr)

	res, err := c.Lookup(ctx, testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)

	res, err = c.Resolve(ctx, testPrompt, img, func(context.Context) (string, error) {
		return "second try", nil
	})
	require.NoError(t, err)
	require.Equal(t, SourceMiss, res.Source)
	require.Equal(t, "second try", res.Value)
}

func TestCoordinator_ResolveSurvivesLeaderCancellation(t *testing.T) {
	c := newMemoryCoordinator(t, nil)
	img := encodePNG(t, sceneA())

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-release:
			return "computed", nil
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(testContext(t))
	defer cancelLeader()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Resolve(leaderCtx, testPrompt, img, compute)
		leaderErr <- err
	}()
	<-entered

	type outcome struct {
		res Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := c.Resolve(testContext(t), testPrompt, img, compute)
		follower <- outcome{res, err}
	}()
	// Give the follower time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	require.Equal(t, "computed", got.res.Value)
	require.True(t, got.res.Shared)
	require.Equal(t, int32(1), calls.Load())

	// The abandoned leader's result is still cached.
	res, err := c.Lookup(testContext(t), testPrompt, img)
	require.NoError(t, err)
	require.Equal(t, SourceExact, res.Source)
}
