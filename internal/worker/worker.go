package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

// Inferrer runs one unit against an inference backend
type Inferrer interface {
	Infer(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error)
}

// Config contains worker loop settings
type Config struct {
	DistributeQueue   string
	ResultsQueue      string
	CompletionChannel string
	PopTimeout        time.Duration
	Concurrency       int
}

// Stats represents worker statistics
type Stats struct {
	Received  uint64 `json:"received"`
	Completed uint64 `json:"completed"`
	Errors    uint64 `json:"errors"`
	Malformed uint64 `json:"malformed"`
}

// Worker consumes the distribution queue
type Worker struct {
	broker   broker.Broker
	inferrer Inferrer
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	received  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	malformed atomic.Uint64
}

// New creates a worker
func New(b broker.Broker, inferrer Inferrer, config Config, logger *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	if config.DistributeQueue == "" || config.ResultsQueue == "" || config.CompletionChannel == "" {
		return nil, fmt.Errorf("queue and channel names must be set")
	}
	if config.PopTimeout <= 0 {
		config.PopTimeout = 5 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &Worker{
		broker:   b,
		inferrer: inferrer,
		config:   config,
		logger:   logger,
		metrics:  m,
	}, nil
}

// Run pops units until ctx is done or the broker is closed
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.String("queue", w.config.DistributeQueue),
		slog.Int("concurrency", w.config.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for range w.config.Concurrency {
		g.Go(func() error {
			return w.loop(gctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		payload, err := w.broker.PopQueue(ctx, w.config.DistributeQueue, w.config.PopTimeout)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrTimeout):
			continue
		case ctx.Err() != nil, errors.Is(err, broker.ErrClosed):
			return nil
		default:
			w.metrics.RecordConsumeError(w.config.DistributeQueue)
			w.logger.Error("Failed to pop unit",
				slog.String("queue", w.config.DistributeQueue),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.metrics.RecordConsumed(w.config.DistributeQueue)
		if err := w.Process(ctx, payload); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to process unit", slog.String("error", err.Error()))
		}
	}
}

// Process handles one distributed unit. Inference failures are reported as
// error responses. When ctx ends mid-inference nothing is reported and the
// unit is left to the retry supervisor.
func (w *Worker) Process(ctx context.Context, payload []byte) error {
	unit, err := protocol.UnmarshalTaskUnit(payload)
	if err != nil {
		w.malformed.Add(1)
		return err
	}
	w.received.Add(1)

	resp := protocol.TaskResponse{Unit: *unit, Status: protocol.StatusCompleted}
	result, err := w.inferrer.Infer(ctx, unit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.failed.Add(1)
		w.logger.Warn("Inference failed",
			slog.String("unit_id", unit.ID),
			slog.String("task", unit.Task),
			slog.String("error", err.Error()),
		)
		resp.Status = protocol.StatusError
		resp.Error = err.Error()
	} else {
		w.completed.Add(1)
		resp.Response = result
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response for unit %s: %w", unit.ID, err)
	}
	if err := w.broker.PushQueue(ctx, w.config.ResultsQueue, data); err != nil {
		return fmt.Errorf("failed to push response for unit %s: %w", unit.ID, err)
	}

	completion, err := json.Marshal(protocol.Completion{TaskRequestID: unit.ID, Status: resp.Status})
	if err != nil {
		return fmt.Errorf("failed to marshal completion for unit %s: %w", unit.ID, err)
	}
	if err := w.broker.Publish(ctx, w.config.CompletionChannel, completion); err != nil {
		return fmt.Errorf("failed to publish completion for unit %s: %w", unit.ID, err)
	}

	w.logger.Debug("Unit processed",
		slog.String("unit_id", unit.ID),
		slog.String("root", unit.Root()),
		slog.String("status", resp.Status),
	)
	return nil
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	return Stats{
		Received:  w.received.Load(),
		Completed: w.completed.Load(),
		Errors:    w.failed.Load(),
		Malformed: w.malformed.Load(),
	}
}
