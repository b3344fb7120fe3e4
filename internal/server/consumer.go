package server

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
	"github.com/skypro1111/media-task-orchestrator/internal/stream"
)

// Dispatcher accepts inbound requests
type Dispatcher interface {
	Dispatch(ctx context.Context, unit *protocol.TaskUnit) error
}

// ResponseHandler ingests worker responses
type ResponseHandler interface {
	HandleResponse(ctx context.Context, resp protocol.TaskResponse) (stream.Emission, error)
}

// Tracker stops timeout tracking of units that produced a response
type Tracker interface {
	Cancel(id string)
}

// ConsumerConfig contains queue consumer settings
type ConsumerConfig struct {
	InboundQueue string
	ResultsQueue string
	Workers      int // per queue
	PopTimeout   time.Duration
}

// ConsumerStats represents consumer statistics
type ConsumerStats struct {
	RequestsReceived  uint64 `json:"requests_received"`
	RequestsRejected  uint64 `json:"requests_rejected"`
	ResponsesReceived uint64 `json:"responses_received"`
	ParseErrors       uint64 `json:"parse_errors"`
	PopErrors         uint64 `json:"pop_errors"`
}

// Consumer drains the inbound request queue into the dispatcher and the
// worker results queue into the reassembly engine.
type Consumer struct {
	broker     broker.Broker
	dispatcher Dispatcher
	handler    ResponseHandler
	tracker    Tracker
	config     ConsumerConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics

	requestsReceived  atomic.Uint64
	requestsRejected  atomic.Uint64
	responsesReceived atomic.Uint64
	parseErrors       atomic.Uint64
	popErrors         atomic.Uint64
}

// NewConsumer creates a queue consumer
func NewConsumer(b broker.Broker, d Dispatcher, h ResponseHandler, tracker Tracker,
	cfg ConsumerConfig, logger *slog.Logger, m *metrics.Metrics) *Consumer {

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}

	return &Consumer{
		broker:     b,
		dispatcher: d,
		handler:    h,
		tracker:    tracker,
		config:     cfg,
		logger:     logger,
		metrics:    m,
	}
}

// Run consumes both queues until ctx is done or the broker is closed
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Queue consumer started",
		slog.String("inbound_queue", c.config.InboundQueue),
		slog.String("results_queue", c.config.ResultsQueue),
		slog.Int("workers", c.config.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for range c.config.Workers {
		g.Go(func() error {
			return c.consume(gctx, c.config.InboundQueue, c.handleRequest)
		})
		g.Go(func() error {
			return c.consume(gctx, c.config.ResultsQueue, c.handleResponse)
		})
	}
	err := g.Wait()

	stats := c.GetStatistics()
	c.logger.Info("Queue consumer stopped",
		slog.Uint64("requests_received", stats.RequestsReceived),
		slog.Uint64("responses_received", stats.ResponsesReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
	return err
}

// consume is one worker loop over queue
func (c *Consumer) consume(ctx context.Context, queue string, handle func(context.Context, []byte) error) error {
	for {
		payload, err := c.broker.PopQueue(ctx, queue, c.config.PopTimeout)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrTimeout):
			continue
		case ctx.Err() != nil, errors.Is(err, broker.ErrClosed):
			return nil
		default:
			c.popErrors.Add(1)
			c.metrics.RecordConsumeError(queue)
			c.logger.Error("Failed to pop message",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.metrics.RecordConsumed(queue)
		if err := handle(ctx, payload); err != nil {
			c.logger.Warn("Failed to handle message",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleRequest dispatches one inbound task request
func (c *Consumer) handleRequest(ctx context.Context, payload []byte) error {
	unit, err := protocol.UnmarshalTaskUnit(payload)
	if err != nil {
		c.parseErrors.Add(1)
		return err
	}
	c.requestsReceived.Add(1)

	if err := c.dispatcher.Dispatch(ctx, unit); err != nil {
		c.requestsRejected.Add(1)
		return fmt.Errorf("request %s rejected: %w", unit.ID, err)
	}
	return nil
}

// handleResponse stops the unit's timer and hands the response to the engine
func (c *Consumer) handleResponse(ctx context.Context, payload []byte) error {
	var resp protocol.TaskResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.parseErrors.Add(1)
		return fmt.Errorf("failed to parse worker response: %w", err)
	}
	if resp.Unit.ID == "" {
		c.parseErrors.Add(1)
		return fmt.Errorf("worker response without unit id")
	}
	c.responsesReceived.Add(1)

	c.tracker.Cancel(resp.Unit.ID)

	if _, err := c.handler.HandleResponse(ctx, resp); err != nil {
		return fmt.Errorf("failed to ingest response for unit %s: %w", resp.Unit.ID, err)
	}
	return nil
}

// GetStatistics returns current consumer statistics
func (c *Consumer) GetStatistics() ConsumerStats {
	return ConsumerStats{
		RequestsReceived:  c.requestsReceived.Load(),
		RequestsRejected:  c.requestsRejected.Load(),
		ResponsesReceived: c.responsesReceived.Load(),
		ParseErrors:       c.parseErrors.Load(),
		PopErrors:         c.popErrors.Load(),
	}
}
