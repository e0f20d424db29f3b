package main

import (
	"log/slog"
	"os"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/mediaingest/internal/config"
	"github.com/nikhilbhutani/mediaingest/internal/queue"
	"github.com/nikhilbhutani/mediaingest/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Webhook.Secret == "" {
		slog.Warn("WEBHOOK_SECRET not set, callbacks will be unsigned")
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Webhook.WorkerConcurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
			},
			Logger: newAsynqLogger(logger),
		},
	)

	registry := queue.NewHandlersRegistry()

	dispatcher := webhook.NewDispatcher(cfg.Webhook.Secret, cfg.Webhook.Timeout)
	registry.Register(queue.TypeSubmissionWebhook, asynq.HandlerFunc(dispatcher.ProcessTask))

	slog.Info("starting worker", "concurrency", cfg.Webhook.WorkerConcurrency)
	if err := srv.Run(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
