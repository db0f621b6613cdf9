package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vizcache-gateway/pkg/logging"
)

// Timeout puts a deadline on the request context. Handlers are expected to
// honor it; if the deadline passed and nothing was written yet, a 504 is sent
// once the handler returns. d <= 0 disables the deadline.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &trackingWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !tw.wrote {
				logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
				writeJSONError(w, http.StatusGatewayTimeout, "gateway timeout")
			}
		})
	}
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}
