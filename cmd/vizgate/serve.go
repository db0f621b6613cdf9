package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vizcache-gateway/internal/cache"
	"vizcache-gateway/internal/config"
	"vizcache-gateway/internal/handlers"
	"vizcache-gateway/internal/httpserver"
	"vizcache-gateway/internal/metrics"
	"vizcache-gateway/internal/vision"
	"vizcache-gateway/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides config and PORT)")
	return cmd
}

func serve(cfg *config.Config) error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	cacheCfg := cfg.CacheSettings()
	backend := "local"
	if cacheCfg.RedisAddr != "" {
		backend = "redis"
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", backend),
		zap.Duration("cache_ttl", cacheCfg.TTL),
		zap.Int("near_threshold", cacheCfg.NearThreshold),
		zap.String("version_id", cfg.VersionID),
		zap.String("vision_model", cfg.Vision.Model),
	)

	// ----- Redis client (only if configured) -----
	var redisClient *redis.Client
	if cacheCfg.RedisAddr != "" {
		redisClient = cache.NewRedisClient(cacheCfg.RedisAddr, cacheCfg.RedisOpTimeout)

		// Fail fast if Redis is misconfigured
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cacheCfg.RedisAddr))
	}

	// ----- Cache -----
	store := cache.NewLoggingStore(cache.NewStore(cacheCfg, redisClient))
	coordinator := cache.NewCoordinator(store, cacheCfg)
	defer func() { _ = coordinator.Close() }()

	// ----- Vision client -----
	visionClient, err := vision.NewClient(cfg.VisionSettings(), logger)
	if err != nil {
		return err
	}
	if closer, ok := visionClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Router -----
	analyzeHandler := handlers.NewAnalyzeHandler(coordinator, visionClient, cfg.Prompt, cfg.MaxUploadBytes)

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, analyzeHandler, httpserver.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
