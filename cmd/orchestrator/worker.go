package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/config"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a reference inference worker against the configured endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cfg, logger)
	},
}

func runWorker(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Worker starting",
		slog.String("version", serviceVersion),
		slog.String("stt_endpoint", cfg.Worker.STTEndpoint),
		slog.String("tts_endpoint", cfg.Worker.TTSEndpoint),
		slog.Int("max_concurrent", cfg.Worker.MaxConcurrent),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	b, err := broker.NewRedis(ctx, broker.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := worker.NewClient(worker.ClientConfig{
		STTEndpoint:   cfg.Worker.STTEndpoint,
		TTSEndpoint:   cfg.Worker.TTSEndpoint,
		APIKey:        cfg.Worker.APIKey,
		Timeout:       cfg.Worker.GetTimeoutDuration(),
		MaxRetries:    cfg.Worker.MaxRetries,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	}, logger.With(slog.String("component", "inference")), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}
	defer client.Close()

	w, err := worker.New(b, client, worker.Config{
		DistributeQueue:   cfg.Queues.Distribute,
		ResultsQueue:      cfg.Queues.Results,
		CompletionChannel: cfg.Queues.Completion,
		PopTimeout:        cfg.Orchestrator.GetPopTimeoutDuration(),
		Concurrency:       cfg.Worker.MaxConcurrent,
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	err = w.Run(ctx)

	stats := w.GetStats()
	clientStats := client.GetStats()
	logger.Info("Worker stopped",
		slog.Uint64("received", stats.Received),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("errors", stats.Errors),
		slog.Uint64("retries", clientStats.TotalRetries),
	)
	return err
}
