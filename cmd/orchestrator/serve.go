package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/config"
	"github.com/skypro1111/media-task-orchestrator/internal/dispatcher"
	"github.com/skypro1111/media-task-orchestrator/internal/media"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
	"github.com/skypro1111/media-task-orchestrator/internal/server"
	"github.com/skypro1111/media-task-orchestrator/internal/stream"
	"github.com/skypro1111/media-task-orchestrator/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: queue consumers, supervisor and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, logger)
	},
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("redis_addr", cfg.Redis.Addr),
		slog.String("inbound_queue", cfg.Queues.Inbound),
		slog.String("distribute_queue", cfg.Queues.Distribute),
		slog.Float64("short_media_threshold", cfg.Orchestrator.ShortMediaThreshold),
		slog.Duration("task_timeout", cfg.Orchestrator.GetTaskTimeoutDuration()),
		slog.Int("max_attempts", cfg.Orchestrator.MaxAttempts),
		slog.Duration("buffer_ttl", cfg.Orchestrator.GetBufferTTLDuration()),
		slog.String("log_level", cfg.Logging.Level),
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

	reg := registry.New()

	engine, err := stream.NewEngine(reg, b, stream.Config{
		BufferTTL:     cfg.Orchestrator.GetBufferTTLDuration(),
		SweepInterval: cfg.Orchestrator.GetSweepIntervalDuration(),
	}, logger.With(slog.String("component", "engine")), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create reassembly engine: %w", err)
	}
	defer engine.Stop()

	sup, err := supervisor.New(reg, b, engine, supervisor.Config{
		DistributeQueue:   cfg.Queues.Distribute,
		CompletionChannel: cfg.Queues.Completion,
		Timeout:           cfg.Orchestrator.GetTaskTimeoutDuration(),
		MaxAttempts:       cfg.Orchestrator.MaxAttempts,
	}, logger.With(slog.String("component", "supervisor")), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	defer sup.Stop()

	segmenter, err := media.NewWAVSegmenter(cfg.Segmenter.Options(), logger.With(slog.String("component", "segmenter")))
	if err != nil {
		return fmt.Errorf("failed to create segmenter: %w", err)
	}

	disp, err := dispatcher.New(segmenter, sup, dispatcher.Config{
		ShortMediaThreshold: cfg.Orchestrator.ShortMediaThreshold,
		TTSMaxChars:         cfg.Orchestrator.TTSMaxChars,
	}, logger.With(slog.String("component", "dispatcher")), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	consumer := server.NewConsumer(b, disp, engine, sup, server.ConsumerConfig{
		InboundQueue: cfg.Queues.Inbound,
		ResultsQueue: cfg.Queues.Results,
		Workers:      cfg.Orchestrator.Consumers,
		PopTimeout:   cfg.Orchestrator.GetPopTimeoutDuration(),
	}, logger.With(slog.String("component", "consumer")), appMetrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg, server.Components{
			Broker:     b,
			Dispatcher: disp,
			Engine:     engine,
			Supervisor: sup,
			Consumer:   consumer,
			Registry:   reg,
		}, logger.With(slog.String("component", "http")), appMetrics, serviceVersion)

		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Stop(shutdownCtx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()

	logger.Info("Starting graceful shutdown...")

	engineStats := engine.GetStats()
	supStats := sup.GetStats()
	logger.Info("Final orchestrator statistics",
		slog.Uint64("completions", engineStats.Completions),
		slog.Uint64("failures", engineStats.Failures),
		slog.Uint64("expired", engineStats.Expired),
		slog.Uint64("retries", supStats.Retries),
		slog.Int("tracked_units", supStats.TrackedUnits),
	)

	return err
}
