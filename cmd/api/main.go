package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/pixelstage/internal/api"
	"github.com/dunamismax/pixelstage/internal/config"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/queue"
	"github.com/dunamismax/pixelstage/internal/ratelimit"
	"github.com/dunamismax/pixelstage/internal/storage"
	"github.com/dunamismax/pixelstage/internal/store"
	"github.com/dunamismax/pixelstage/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.NewPrefixed(os.Stdout, "api", false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixelstage-api", cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnf("tracing shutdown error: %v", err)
		}
	}()

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Fatalf("storage client failed: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket failed: %v", err)
	}

	jobStore, closeStore := openJobStore(ctx, cfg.Database, logger)
	defer closeStore()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warnf("queue client close error: %v", err)
		}
	}()

	opts := []api.Option{api.WithPresignTTL(cfg.API.PresignTTL)}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		opts = append(opts, api.WithRateLimiter(limiter, cfg.RateLimit.UserIDHeader))
		logger.Infof("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	app := api.NewServer(logger, queueClient, jobStore, storageClient, opts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
}

func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (store.JobStore, func()) {
	if cfg.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, jobs are kept in memory and not shared with the worker")
		return store.NewMemoryJobStore(), func() {}
	}

	pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
	if err != nil {
		logger.Fatalf("postgres job store failed: %v", err)
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warnf("postgres close error: %v", err)
		}
	}
}
