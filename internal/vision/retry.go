package vision

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxBackoff    = 30 * time.Second
	maxRetryAfter = 2 * time.Minute
)

// doWithRetry runs do up to MaxRetries+1 times. Only transient network
// errors, 408, 429 and 5xx are retried; Retry-After wins over the computed
// backoff. Context cancellation ends the loop immediately.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	attempts := c.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := do(ctx, body)

		var wait time.Duration
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err

		case !shouldRetryStatus(resp.StatusCode):
			return resp, nil

		default:
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			wait = parseRetryAfter(resp)
			resp.Body.Close()
		}

		if attempt == attempts-1 {
			break
		}
		if wait <= 0 {
			wait = computeBackoff(c.cfg.BaseBackoff, attempt)
		}

		c.logger.Debug("retrying vision request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	c.logger.Warn("vision request exhausted all retries",
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("vision: max retries (%d) exceeded: %w", attempts, lastErr)
}

func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func shouldRetryStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date, capped at
// maxRetryAfter. Returns 0 if absent or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns a full-jitter delay in [0, base*2^attempt), capped.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	ceiling := base << min(attempt, 10)
	if ceiling <= 0 || ceiling > maxBackoff {
		ceiling = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
