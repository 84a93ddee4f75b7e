package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/bulkresize/internal/api"
	"github.com/dunamismax/bulkresize/internal/config"
	"github.com/dunamismax/bulkresize/internal/pipeline"
	"github.com/dunamismax/bulkresize/internal/ratelimit"
	"github.com/dunamismax/bulkresize/internal/storage"
	"github.com/dunamismax/bulkresize/internal/telemetry"
	"github.com/dunamismax/bulkresize/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	if loaded, err := config.LoadDotEnv(".env"); err != nil {
		logger.Fatalf("load .env: %v", err)
	} else if loaded {
		logger.Printf("loaded environment from .env")
	}
	cfg := config.Load()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := os.MkdirAll(cfg.API.UploadDir, 0o755); err != nil {
		logger.Fatalf("create upload dir %s: %v", cfg.API.UploadDir, err)
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image backend startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	processor, err := pipeline.NewLocalProcessor(logger, pipeline.Config{
		OutputDir:    cfg.Resize.OutputDir,
		Concurrency:  cfg.Resize.Concurrency,
		Quality:      cfg.Resize.Quality,
		MaxDimension: cfg.Resize.MaxDimension,
	})
	if err != nil {
		logger.Fatalf("build processor: %v", err)
	}

	if cfg.Storage.MirrorEnabled {
		store, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatalf("storage client init failed: %v", err)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := store.EnsureBucket(bucketCtx); err != nil {
			cancel()
			logger.Fatalf("ensure bucket %s failed: %v", store.Bucket(), err)
		}
		cancel()
		processor.EnableMirror(store, cfg.Storage.Prefix)
		logger.Printf("mirroring outputs to bucket=%s prefix=%s", store.Bucket(), cfg.Storage.Prefix)
	}

	opts := api.Options{
		UploadDir:             cfg.API.UploadDir,
		MaxUploadBytes:        cfg.API.MaxUploadBytes,
		FormMaxMemory:         cfg.API.FormMaxMemory,
		BatchTimeout:          cfg.API.BatchTimeout,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("bulkresize/api"),
	}

	if cfg.RateLimit.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
		opts.RateLimiter = limiter
		logger.Printf("rate limiting enabled capacity=%d window=%s", cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	}

	if cfg.Webhook.URL != "" {
		opts.Webhook = webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
		opts.WebhookURL = cfg.Webhook.URL
	}

	app := api.NewServer(logger, processor, opts)

	// Writes may wait on a whole batch.
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      cfg.API.BatchTimeout + time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s backend=%s output_dir=%s concurrency=%d",
			cfg.API.Addr, pipeline.Backend, cfg.Resize.OutputDir, cfg.Resize.Concurrency)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
