package stream

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
)

// Publisher delivers messages to result channels
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config contains engine settings
type Config struct {
	// BufferTTL is how long a buffer may stay idle before the sweep fails its
	// root. Tombstones of finished roots are kept for the same time.
	BufferTTL     time.Duration
	SweepInterval time.Duration
}

// Emission describes what one Ingest call published
type Emission struct {
	Root      string
	Results   []protocol.Result
	Completed bool
	Dropped   bool
}

// Stats represents engine statistics
type Stats struct {
	ResultsIngested   uint64 `json:"results_ingested"`
	MessagesPublished uint64 `json:"messages_published"`
	Completions       uint64 `json:"completions"`
	Failures          uint64 `json:"failures"`
	Expired           uint64 `json:"expired"`
	Duplicates        uint64 `json:"duplicates"`
	Placeholders      uint64 `json:"placeholders"`
	ActiveBuffers     int    `json:"active_buffers"`
	FinishedRoots     int    `json:"finished_roots"`
}

// Engine reassembles worker results per correlation root and publishes them
// in order to the root's result channel.
type Engine struct {
	reg       *registry.Registry
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	config    Config

	resultsIngested   atomic.Uint64
	messagesPublished atomic.Uint64
	completions       atomic.Uint64
	failures          atomic.Uint64
	expired           atomic.Uint64
	duplicates        atomic.Uint64
	placeholders      atomic.Uint64

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewEngine creates an engine and starts its expiry sweep
func NewEngine(reg *registry.Registry, publisher Publisher, config Config, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	if reg == nil || publisher == nil {
		return nil, fmt.Errorf("registry and publisher are required")
	}
	if config.BufferTTL <= 0 || config.SweepInterval <= 0 {
		return nil, fmt.Errorf("buffer ttl and sweep interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reg:       reg,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go e.startCleanupRoutine()

	return e, nil
}

// HandleResponse decodes a worker response and ingests it. Payloads that
// cannot be decoded are replaced by a placeholder so the root still completes.
func (e *Engine) HandleResponse(ctx context.Context, resp protocol.TaskResponse) (Emission, error) {
	unit := &resp.Unit

	var (
		result protocol.Result
		err    error
	)
	if resp.Status == protocol.StatusError {
		err = fmt.Errorf("worker reported error: %s", resp.Error)
	} else {
		result, err = protocol.DecodeResult(unit.Task, resp.Response)
	}

	if err != nil {
		e.placeholders.Add(1)
		e.metrics.RecordDecodeFallback()
		e.logger.Warn("Substituting placeholder for worker response",
			slog.String("unit_id", unit.ID),
			slog.String("root", unit.Root()),
			slog.String("task", unit.Task),
			slog.String("error", err.Error()),
		)
		result = protocol.Placeholder(unit.Task)
	}

	if result.Transcript != nil {
		if start, ok := unit.FloatAttr(protocol.AttrStart); ok {
			result.Transcript.Shift(start)
		}
	}

	return e.Ingest(ctx, unit, result)
}

// Ingest adds one result for unit and publishes whatever became deliverable.
func (e *Engine) Ingest(ctx context.Context, unit *protocol.TaskUnit, result protocol.Result) (Emission, error) {
	root := unit.Root()
	e.resultsIngested.Add(1)
	e.metrics.RecordResult(unit.Task)

	if !unit.HasParent() && !unit.IsStream {
		return e.ingestUnsplit(ctx, unit, result)
	}

	if _, finished := e.reg.Finished.Load(root); finished {
		return e.drop(unit, "root already finished"), nil
	}

	buf, created := e.reg.Buffers.GetOrCreate(root, func() *registry.Buffer {
		return registry.NewBuffer(unit.Task)
	})
	if created {
		e.metrics.SetActiveBuffers(e.reg.Buffers.Len())
	}

	buf.Lock()
	if buf.Released {
		buf.Unlock()
		return e.drop(unit, "buffer released"), nil
	}
	// A root finishing between the tombstone check and GetOrCreate leaves
	// this buffer orphaned
	if _, finished := e.reg.Finished.Load(root); finished {
		e.release(root, buf)
		buf.Unlock()
		return e.drop(unit, "root already finished"), nil
	}
	if unit.HasOrder() {
		if buf.Seen[unit.ID] {
			buf.Unlock()
			return e.drop(unit, "duplicate unit"), nil
		}
		buf.Seen[unit.ID] = true
	}
	buf.LastSeen = time.Now()

	var (
		emission = Emission{Root: root}
		messages [][]protocol.Result
	)
	switch {
	case unit.IsStream && unit.HasOrder():
		messages, emission.Completed = e.ingestOrdered(buf, unit, result)
	case unit.IsStream:
		messages = [][]protocol.Result{{result}}
		emission.Completed = unit.IsLast
	default:
		var batch []protocol.Result
		batch, emission.Completed = e.ingestBatch(buf, unit, result)
		if emission.Completed {
			messages = [][]protocol.Result{batch}
		}
	}

	if emission.Completed && !e.finish(root, buf) {
		buf.Unlock()
		return e.drop(unit, "root failed concurrently"), nil
	}

	buf.Delivery.Lock()
	buf.Unlock()
	defer buf.Delivery.Unlock()

	for _, msg := range messages {
		emission.Results = append(emission.Results, msg...)
	}

	if emission.Completed {
		e.completions.Add(1)
		e.metrics.RecordCompletion(buf.Task, time.Since(buf.CreatedAt).Seconds())
		e.logger.Info("Correlation root completed",
			slog.String("root", root),
			slog.String("task", buf.Task),
			slog.Int("results", len(emission.Results)),
			slog.Duration("elapsed", time.Since(buf.CreatedAt)),
		)
	}

	return emission, e.deliver(ctx, root, messages, emission.Completed)
}

// ingestUnsplit handles a root-level unit that is its own correlation root
func (e *Engine) ingestUnsplit(ctx context.Context, unit *protocol.TaskUnit, result protocol.Result) (Emission, error) {
	root := unit.Root()
	if _, created := e.reg.Finished.GetOrCreate(root, time.Now); !created {
		return e.drop(unit, "root already finished"), nil
	}

	e.completions.Add(1)
	e.metrics.RecordCompletion(unit.Task, time.Since(unit.CreatedAt).Seconds())
	e.logger.Debug("Unsplit unit completed", slog.String("root", root), slog.String("task", unit.Task))

	emission := Emission{Root: root, Results: []protocol.Result{result}, Completed: true}
	return emission, e.deliver(ctx, root, [][]protocol.Result{{result}}, true)
}

// ingestOrdered buffers result under its order and drains every contiguous
// order starting at NextExpected. Each drained order becomes one message.
func (e *Engine) ingestOrdered(buf *registry.Buffer, unit *protocol.TaskUnit, result protocol.Result) ([][]protocol.Result, bool) {
	if unit.IsLast {
		buf.LastOrder = unit.Order
	}

	if unit.Order < buf.NextExpected {
		e.logger.Warn("Result for an already delivered order",
			slog.String("root", unit.Root()),
			slog.Int("order", unit.Order),
			slog.Int("next_expected", buf.NextExpected),
		)
	} else {
		buf.Pending[unit.Order] = append(buf.Pending[unit.Order], result)
	}

	var messages [][]protocol.Result
	for {
		pending, ok := buf.Pending[buf.NextExpected]
		if !ok {
			break
		}
		messages = append(messages, pending)
		delete(buf.Pending, buf.NextExpected)
		buf.NextExpected++
	}

	return messages, buf.LastOrder > 0 && buf.NextExpected > buf.LastOrder
}

// ingestBatch accumulates result and returns the terminal batch once every
// order up to the last one has arrived.
func (e *Engine) ingestBatch(buf *registry.Buffer, unit *protocol.TaskUnit, result protocol.Result) ([]protocol.Result, bool) {
	buf.Batch = append(buf.Batch, registry.Entry{Order: unit.Order, Result: result})

	if unit.HasOrder() {
		buf.Arrived[unit.Order] = true
		if unit.IsLast {
			buf.LastOrder = unit.Order
		}
	} else if unit.IsLast {
		return e.terminalBatch(buf), true
	}

	if buf.LastOrder == 0 {
		return nil, false
	}
	for order := 1; order <= buf.LastOrder; order++ {
		if !buf.Arrived[order] {
			return nil, false
		}
	}
	return e.terminalBatch(buf), true
}

// terminalBatch sorts the accumulated results by earliest timestamp, with
// untimed results last and ties broken by order, then merges audio fragments.
func (e *Engine) terminalBatch(buf *registry.Buffer) []protocol.Result {
	entries := slices.Clone(buf.Batch)
	slices.SortStableFunc(entries, func(a, b registry.Entry) int {
		if c := cmp.Compare(a.Result.EarliestTimestamp(), b.Result.EarliestTimestamp()); c != 0 {
			return c
		}
		return cmp.Compare(a.Order, b.Order)
	})

	results := make([]protocol.Result, len(entries))
	for i, entry := range entries {
		results[i] = entry.Result
	}

	return e.mergeAudio(results)
}

// mergeAudio replaces several speech fragments with one merged WAV
func (e *Engine) mergeAudio(results []protocol.Result) []protocol.Result {
	var (
		payloads []string
		first    *protocol.Speech
	)
	for _, r := range results {
		if r.HasAudio() {
			if first == nil {
				first = r.Speech
			}
			payloads = append(payloads, r.Speech.Audio)
		}
	}
	if len(payloads) < 2 {
		return results
	}

	merged, err := audio.MergeWAVBase64(payloads)
	if err != nil {
		e.logger.Warn("Audio merge failed, delivering fragments",
			slog.Int("fragments", len(payloads)),
			slog.String("error", err.Error()),
		)
		return results
	}

	e.metrics.RecordAudioMerge()
	return []protocol.Result{{
		Kind: protocol.TaskTextToSpeech,
		Speech: &protocol.Speech{
			Audio:      merged,
			Format:     protocol.DefaultSpeechFormat,
			SampleRate: first.SampleRate,
		},
	}}
}

// Fail discards the root of unit and publishes a failure marker. Roots that
// already finished are left alone so a caller never sees two terminal messages.
func (e *Engine) Fail(ctx context.Context, unit *protocol.TaskUnit, reason string) error {
	root := unit.Root()

	if _, created := e.reg.Finished.GetOrCreate(root, time.Now); !created {
		e.logger.Debug("Ignoring failure for finished root",
			slog.String("root", root),
			slog.String("unit_id", unit.ID),
			slog.String("reason", reason),
		)
		return nil
	}

	buf, ok := e.reg.Buffers.Load(root)
	if ok {
		buf.Lock()
		e.release(root, buf)
		buf.Delivery.Lock()
		buf.Unlock()
		defer buf.Delivery.Unlock()
	}

	return e.publishFailure(ctx, root, unit.ID, reason)
}

// finish claims the terminal message for root and removes its buffer. It
// returns false when a failure already claimed it. Caller holds buf.
func (e *Engine) finish(root string, buf *registry.Buffer) bool {
	_, claimed := e.reg.Finished.GetOrCreate(root, time.Now)
	e.release(root, buf)
	return claimed
}

// release removes buf from the registry. Caller holds buf.
func (e *Engine) release(root string, buf *registry.Buffer) {
	buf.Released = true
	buf.Pending = nil
	buf.Batch = nil
	e.reg.Buffers.CompareAndDelete(root, buf)
	e.metrics.SetActiveBuffers(e.reg.Buffers.Len())
}

func (e *Engine) drop(unit *protocol.TaskUnit, reason string) Emission {
	e.duplicates.Add(1)
	e.metrics.RecordDuplicate()
	e.logger.Debug("Dropping result",
		slog.String("root", unit.Root()),
		slog.String("unit_id", unit.ID),
		slog.Int("order", unit.Order),
		slog.String("reason", reason),
	)
	return Emission{Root: unit.Root(), Dropped: true}
}

// deliver publishes the result messages and, when completed, the completion marker
func (e *Engine) deliver(ctx context.Context, root string, messages [][]protocol.Result, completed bool) error {
	channel := protocol.ResultChannel(root)

	for _, msg := range messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode results for %s: %w", root, err)
		}
		if err := e.publisher.Publish(ctx, channel, payload); err != nil {
			return fmt.Errorf("failed to publish results for %s: %w", root, err)
		}
		e.messagesPublished.Add(1)
	}

	if !completed {
		return nil
	}

	marker, err := json.Marshal(protocol.CompletedMarker())
	if err != nil {
		return fmt.Errorf("failed to encode completion marker: %w", err)
	}
	if err := e.publisher.Publish(ctx, channel, marker); err != nil {
		return fmt.Errorf("failed to publish completion for %s: %w", root, err)
	}
	e.messagesPublished.Add(1)

	return nil
}

func (e *Engine) publishFailure(ctx context.Context, root, taskID, reason string) error {
	e.failures.Add(1)
	e.metrics.RecordFailure(reason)
	e.logger.Warn("Correlation root failed",
		slog.String("root", root),
		slog.String("task_id", taskID),
		slog.String("reason", reason),
	)

	marker, err := json.Marshal(protocol.FailedMarker(taskID, reason))
	if err != nil {
		return fmt.Errorf("failed to encode failure marker: %w", err)
	}
	if err := e.publisher.Publish(ctx, protocol.ResultChannel(root), marker); err != nil {
		return fmt.Errorf("failed to publish failure for %s: %w", root, err)
	}
	e.messagesPublished.Add(1)
	return nil
}

// GetStats returns current engine statistics
func (e *Engine) GetStats() Stats {
	return Stats{
		ResultsIngested:   e.resultsIngested.Load(),
		MessagesPublished: e.messagesPublished.Load(),
		Completions:       e.completions.Load(),
		Failures:          e.failures.Load(),
		Expired:           e.expired.Load(),
		Duplicates:        e.duplicates.Load(),
		Placeholders:      e.placeholders.Load(),
		ActiveBuffers:     e.reg.Buffers.Len(),
		FinishedRoots:     e.reg.Finished.Len(),
	}
}

// Stop stops the expiry sweep
func (e *Engine) Stop() {
	e.logger.Info("Stopping reassembly engine...")

	e.cancel()
	<-e.cleanup

	stats := e.GetStats()
	e.logger.Info("Reassembly engine stopped",
		slog.Int("remaining_buffers", stats.ActiveBuffers),
		slog.Uint64("completions", stats.Completions),
		slog.Uint64("failures", stats.Failures),
	)
}

// startCleanupRoutine runs in a separate goroutine to expire idle buffers
func (e *Engine) startCleanupRoutine() {
	defer close(e.cleanup)

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	e.logger.Info("Buffer expiry routine started",
		slog.Duration("ttl", e.config.BufferTTL),
		slog.Duration("check_interval", e.config.SweepInterval),
	)

	for {
		select {
		case <-e.ctx.Done():
			e.logger.Info("Buffer expiry routine stopping")
			return

		case now := <-ticker.C:
			e.expire(e.ctx, now)
		}
	}
}

// expire fails buffers idle for longer than the TTL and forgets old tombstones
func (e *Engine) expire(ctx context.Context, now time.Time) int {
	for root, finishedAt := range e.reg.Finished.All() {
		if now.Sub(finishedAt) > e.config.BufferTTL {
			e.reg.Finished.CompareAndDelete(root, finishedAt)
		}
	}

	expired := 0
	for root, buf := range e.reg.Buffers.All() {
		buf.Lock()
		if buf.Released || now.Sub(buf.LastSeen) <= e.config.BufferTTL {
			buf.Unlock()
			continue
		}

		idle := now.Sub(buf.LastSeen)
		next, last := buf.NextExpected, buf.LastOrder
		if !e.finish(root, buf) {
			buf.Unlock()
			continue
		}
		buf.Delivery.Lock()
		buf.Unlock()

		expired++
		e.expired.Add(1)
		e.logger.Warn("Expiring idle buffer",
			slog.String("root", root),
			slog.Duration("idle", idle),
			slog.Int("next_expected", next),
			slog.Int("last_order", last),
		)

		if err := e.publishFailure(ctx, root, root, protocol.ReasonExpired); err != nil {
			e.logger.Error("Failed to publish expiry marker",
				slog.String("root", root),
				slog.String("error", err.Error()),
			)
		}
		buf.Delivery.Unlock()
	}

	if expired > 0 {
		e.logger.Info("Expired idle buffers", slog.Int("expired_count", expired))
	}
	return expired
}
