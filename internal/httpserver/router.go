package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"vizcache-gateway/internal/handlers"
	"vizcache-gateway/internal/metrics"
	"vizcache-gateway/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, analyze *handlers.AnalyzeHandler, opts Options) {
	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Get("/healthz", analyze.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		// multipart framing on top of the image itself
		r.Use(middleware.MaxBodySize(opts.MaxBodyBytes + 64*1024))

		r.Post("/analyze", analyze.Analyze)
		r.Post("/analyze/", analyze.Analyze)
	})
}
