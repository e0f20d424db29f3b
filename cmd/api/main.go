package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/mediaingest/internal/api"
	"github.com/nikhilbhutani/mediaingest/internal/api/handlers"
	"github.com/nikhilbhutani/mediaingest/internal/broker"
	"github.com/nikhilbhutani/mediaingest/internal/cache"
	"github.com/nikhilbhutani/mediaingest/internal/config"
	"github.com/nikhilbhutani/mediaingest/internal/database"
	"github.com/nikhilbhutani/mediaingest/internal/ingest"
	"github.com/nikhilbhutani/mediaingest/internal/metrics"
	"github.com/nikhilbhutani/mediaingest/internal/queue"
	"github.com/nikhilbhutani/mediaingest/internal/repository"
	"github.com/nikhilbhutani/mediaingest/internal/storage"
	"github.com/nikhilbhutani/mediaingest/internal/stt"
	"github.com/nikhilbhutani/mediaingest/internal/tracker"
	"github.com/nikhilbhutani/mediaingest/internal/transcode"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checks := map[string]handlers.Pinger{}
	var notifiers []ingest.Notifier

	// Database (optional): submissions outlive the tracker only when set.
	var repo ingest.Repository
	if cfg.Database.URL != "" {
		db, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			slog.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := database.RunMigrations(ctx, db, database.MigrationsFS(cfg.Database.MigrationsPath)); err != nil {
			slog.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		checks["database"] = db
		repo = repository.NewPostgres(db)
	} else {
		slog.Warn("DATABASE_URL not set, submissions are kept in memory only")
	}

	// Redis (optional): snapshot cache and webhook queue.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, running without cache and callbacks", "error", err)
	} else {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		if pg, ok := repo.(*repository.Postgres); ok {
			repo = repository.NewCached(pg, cache.NewCache(rdb, "mediaingest:submission:"), cfg.Redis.CacheTTL)
		}

		queueClient := queue.NewClient(cfg.Redis, cfg.Webhook)
		defer queueClient.Close()
		notifiers = append(notifiers, queue.NewWebhookNotifier(queueClient))
	}

	// RabbitMQ (optional): stage events for downstream consumers.
	if cfg.Broker.AMQPURL != "" {
		pub, err := broker.Dial(ctx, cfg.Broker.AMQPURL, cfg.Broker.Exchange)
		if err != nil {
			slog.Error("rabbitmq unavailable", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sttProvider, err := stt.NewProvider(cfg.STT)
	if err != nil {
		slog.Error("failed to create STT provider", "error", err)
		os.Exit(1)
	}
	artifacts := storage.NewArtifactStore(
		storage.NewSupabaseStorage(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey),
		cfg.Storage.Bucket,
	)

	pipeline := ingest.NewPipeline(ingest.Config{
		Transcode: transcode.Options{
			Codec:   cfg.Transcode.Codec,
			Bitrate: cfg.Transcode.Bitrate,
		},
		MaxVideoBytes:   cfg.Ingest.MaxUploadBytes,
		RetentionWindow: cfg.Ingest.RetentionWindow,
		StepTimeout:     cfg.Ingest.StepTimeout,
	}, ingest.Deps{
		Transcoder: transcode.NewPool(transcode.NewFFmpeg(transcode.FFmpegConfig{
			FFmpegPath:  cfg.Transcode.FFmpegPath,
			FFprobePath: cfg.Transcode.FFprobePath,
		}), cfg.Transcode.Concurrency),
		Store:       artifacts,
		Transcriber: stt.NewService(sttProvider, artifacts, cfg.STT.Language, cfg.STT.Timeout),
		Tracker:     tracker.New(),
		Repository:  repo,
		Notifiers:   notifiers,
		Metrics:     m,
	})

	if n, err := pipeline.RecoverInterrupted(ctx); err != nil {
		slog.Error("failed to recover interrupted submissions", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("failed submissions interrupted by restart", "count", n)
	}

	router := api.NewRouter(cfg, pipeline, checks, metrics.Handler(reg))
	handler := router.Setup(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       10 * time.Minute, // large uploads
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "stt_backend", sttProvider.Name(), "auth", cfg.Auth.JWTSecret != "")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// Draining the pipeline first lets open event streams see their
	// submissions finish before the listener closes.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelDrain()
	if err := pipeline.Shutdown(drainCtx); err != nil {
		slog.Warn("cancelled in-flight submissions", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
