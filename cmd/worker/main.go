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

	"github.com/dunamismax/pixelstage/internal/codec"
	"github.com/dunamismax/pixelstage/internal/config"
	"github.com/dunamismax/pixelstage/internal/logging"
	"github.com/dunamismax/pixelstage/internal/storage"
	"github.com/dunamismax/pixelstage/internal/store"
	"github.com/dunamismax/pixelstage/internal/telemetry"
	"github.com/dunamismax/pixelstage/internal/webhook"
	"github.com/dunamismax/pixelstage/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.NewPrefixed(os.Stdout, "worker", cfg.Worker.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixelstage-worker", cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnf("tracing shutdown error: %v", err)
		}
	}()

	if err := codec.Startup(); err != nil {
		logger.Fatalf("codec startup failed: %v", err)
	}
	defer codec.Shutdown()
	imageCodec, err := codec.New()
	if err != nil {
		logger.Fatalf("codec init failed: %v", err)
	}

	storageClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		logger.Fatalf("storage client failed: %v", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.Fatalf("ensure bucket failed: %v", err)
	}

	jobStore, closeStore := openJobStore(ctx, cfg.Database, logger)
	defer closeStore()

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, storageClient, imageCodec, webhookClient, jobStore, nil)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server failed: %v", err)
		}
	}()

	logger.Infof(
		"starting worker concurrency=%d max_active_jobs=%d queue=%s redis=%s",
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := srv.Run(); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func openJobStore(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (store.JobStore, func()) {
	if cfg.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, job status is kept in memory")
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
