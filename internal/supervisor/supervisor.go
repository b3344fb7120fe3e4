package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
)

// FailureSink receives units whose attempts are exhausted
type FailureSink interface {
	Fail(ctx context.Context, unit *protocol.TaskUnit, reason string) error
}

// Config contains supervisor settings
type Config struct {
	DistributeQueue   string
	CompletionChannel string
	Timeout           time.Duration
	MaxAttempts       int
}

// Stats represents supervisor statistics
type Stats struct {
	Distributed  uint64 `json:"distributed"`
	Retries      uint64 `json:"retries"`
	Failures     uint64 `json:"failures"`
	Cancelled    uint64 `json:"cancelled"`
	Abandoned    uint64 `json:"abandoned"`
	TrackedUnits int    `json:"tracked_units"`
}

// Supervisor owns the retry records of the registry
type Supervisor struct {
	reg     *registry.Registry
	broker  broker.Broker
	sink    FailureSink
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// timers tracks deadline goroutines; mu and stopped keep schedule from
	// adding to it once Stop is waiting
	timers  sync.WaitGroup
	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	distributed atomic.Uint64
	retries     atomic.Uint64
	failures    atomic.Uint64
	cancelled   atomic.Uint64
	abandoned   atomic.Uint64
}

// New creates a supervisor
func New(reg *registry.Registry, b broker.Broker, sink FailureSink, config Config, logger *slog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if reg == nil || b == nil || sink == nil {
		return nil, fmt.Errorf("registry, broker and failure sink are required")
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", config.Timeout)
	}
	if config.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", config.MaxAttempts)
	}
	if config.DistributeQueue == "" {
		config.DistributeQueue = protocol.DistributeQueue
	}
	if config.CompletionChannel == "" {
		config.CompletionChannel = protocol.CompletionChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:     reg,
		broker:  b,
		sink:    sink,
		config:  config,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Distribute pushes unit to the distribution queue and starts tracking it.
// Tracking starts first so a fast worker's completion always finds a record.
func (s *Supervisor) Distribute(ctx context.Context, unit *protocol.TaskUnit) error {
	payload, err := unit.Marshal()
	if err != nil {
		return err
	}

	s.Track(unit, payload)

	if err := s.broker.PushQueue(ctx, s.config.DistributeQueue, payload); err != nil {
		s.Cancel(unit.ID)
		return fmt.Errorf("failed to distribute unit %s: %w", unit.ID, err)
	}

	s.distributed.Add(1)
	s.metrics.RecordDispatched(unit.Task)
	s.logger.Debug("Unit distributed",
		slog.String("unit_id", unit.ID),
		slog.String("root", unit.Root()),
		slog.Int("order", unit.Order),
		slog.Bool("is_last", unit.IsLast),
	)
	return nil
}

// Track arms the deadline of unit and counts one more attempt. payload is the
// serialized form re-pushed if the deadline elapses.
func (s *Supervisor) Track(unit *protocol.TaskUnit, payload []byte) {
	for {
		rec, created := s.reg.Records.GetOrCreate(unit.ID, func() *registry.Record {
			return &registry.Record{Unit: unit.Clone()}
		})

		rec.Lock()
		if rec.Removed {
			// Cancelled between GetOrCreate and Lock
			rec.Unlock()
			continue
		}

		rec.Attempts++
		rec.Payload = payload
		if rec.Deadline != nil {
			rec.Deadline.Cancel()
		}
		rec.Deadline = s.arm(unit.ID, rec)
		attempts := rec.Attempts
		rec.Unlock()

		if created {
			s.metrics.SetTrackedUnits(s.reg.Records.Len())
		}
		s.logger.Debug("Tracking unit",
			slog.String("unit_id", unit.ID),
			slog.Int("attempt", attempts),
			slog.Duration("timeout", s.config.Timeout),
		)
		return
	}
}

// Cancel stops tracking id. Unknown ids are ignored.
func (s *Supervisor) Cancel(id string) {
	rec, ok := s.reg.Records.LoadAndDelete(id)
	if !ok {
		return
	}

	rec.Lock()
	rec.Removed = true
	if rec.Deadline != nil {
		rec.Deadline.Cancel()
	}
	rec.Unlock()

	s.cancelled.Add(1)
	s.metrics.SetTrackedUnits(s.reg.Records.Len())
}

// arm schedules the deadline for rec. Caller holds rec.
func (s *Supervisor) arm(id string, rec *registry.Record) registry.Canceler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return cancelled()
	}
	return schedule(&s.timers, s.config.Timeout, func(d *deadline) {
		s.elapsed(id, rec, d)
	})
}

// elapsed runs when a deadline fires without a completion
func (s *Supervisor) elapsed(id string, rec *registry.Record, d *deadline) {
	rec.Lock()
	if rec.Removed || rec.Deadline != registry.Canceler(d) {
		rec.Unlock()
		return
	}

	root := rec.Unit.Root()
	if _, finished := s.reg.Finished.Load(root); finished {
		rec.Removed = true
		s.reg.Records.CompareAndDelete(id, rec)
		rec.Unlock()

		s.abandoned.Add(1)
		s.metrics.SetTrackedUnits(s.reg.Records.Len())
		s.logger.Debug("Dropping timed out unit of finished root",
			slog.String("unit_id", id),
			slog.String("root", root),
		)
		return
	}

	if rec.Attempts < s.config.MaxAttempts {
		rec.Attempts++
		payload := rec.Payload
		attempt := rec.Attempts
		rec.Deadline = s.arm(id, rec)
		rec.Unlock()

		s.retries.Add(1)
		s.metrics.RecordTimeout(true)
		s.logger.Warn("Unit timed out, redistributing",
			slog.String("unit_id", id),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.config.MaxAttempts),
		)

		if err := s.broker.PushQueue(s.ctx, s.config.DistributeQueue, payload); err != nil {
			s.logger.Error("Failed to redistribute unit",
				slog.String("unit_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	rec.Removed = true
	s.reg.Records.CompareAndDelete(id, rec)
	unit := rec.Unit
	attempts := rec.Attempts
	rec.Unlock()

	s.failures.Add(1)
	s.metrics.RecordTimeout(false)
	s.metrics.SetTrackedUnits(s.reg.Records.Len())
	s.logger.Error("Unit failed after exhausting attempts",
		slog.String("unit_id", id),
		slog.String("root", unit.Root()),
		slog.Int("attempts", attempts),
	)

	if err := s.sink.Fail(s.ctx, unit, protocol.ReasonRetriesExhausted); err != nil {
		s.logger.Error("Failed to report unit failure",
			slog.String("unit_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// Run cancels tracking for every completion published on the completion
// channel until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	sub, err := s.broker.Subscribe(ctx, s.config.CompletionChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to completions: %w", err)
	}
	defer sub.Close()

	s.logger.Info("Supervisor listening for completions",
		slog.String("channel", s.config.CompletionChannel),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var c protocol.Completion
			if err := json.Unmarshal(payload, &c); err != nil || c.TaskRequestID == "" {
				s.logger.Warn("Ignoring malformed completion", slog.String("payload", string(payload)))
				continue
			}
			s.Cancel(c.TaskRequestID)
		}
	}
}

// GetStats returns current supervisor statistics
func (s *Supervisor) GetStats() Stats {
	return Stats{
		Distributed:  s.distributed.Load(),
		Retries:      s.retries.Load(),
		Failures:     s.failures.Load(),
		Cancelled:    s.cancelled.Load(),
		Abandoned:    s.abandoned.Load(),
		TrackedUnits: s.reg.Records.Len(),
	}
}

// Stop cancels every deadline and waits for the deadline goroutines to exit.
// Records stay in the registry.
func (s *Supervisor) Stop() {
	s.logger.Info("Stopping supervisor...")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for _, rec := range s.reg.Records.All() {
		rec.Lock()
		if rec.Deadline != nil {
			rec.Deadline.Cancel()
		}
		rec.Unlock()
	}

	s.cancel()
	s.timers.Wait()

	s.logger.Info("Supervisor stopped", slog.Int("tracked_units", s.reg.Records.Len()))
}
