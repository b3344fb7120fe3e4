package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/skypro1111/media-task-orchestrator/internal/media"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

var (
	ErrInvalidDuration = errors.New("invalid media duration")
	ErrNoSegments      = errors.New("segmenter produced no segments")
)

// Distributor hands a unit to the worker pool
type Distributor interface {
	Distribute(ctx context.Context, unit *protocol.TaskUnit) error
}

// Config contains dispatch thresholds
type Config struct {
	// ShortMediaThreshold is the longest duration, in seconds, sent unsplit
	ShortMediaThreshold float64
	// TTSMaxChars is the longest text sent unsplit; 0 disables text splitting
	TTSMaxChars int
}

// Stats represents dispatcher statistics
type Stats struct {
	Requests   uint64 `json:"requests"`
	Split      uint64 `json:"split"`
	Units      uint64 `json:"units"`
	Rejected   uint64 `json:"rejected"`
	Incomplete uint64 `json:"incomplete"`
}

// Dispatcher fans requests out to the distributor
type Dispatcher struct {
	segmenter   media.Segmenter
	distributor Distributor
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Metrics

	requests   atomic.Uint64
	split      atomic.Uint64
	units      atomic.Uint64
	rejected   atomic.Uint64
	incomplete atomic.Uint64
}

// New creates a dispatcher
func New(segmenter media.Segmenter, distributor Distributor, config Config, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if segmenter == nil || distributor == nil {
		return nil, fmt.Errorf("segmenter and distributor are required")
	}
	if config.ShortMediaThreshold <= 0 {
		return nil, fmt.Errorf("short media threshold must be positive, got %f", config.ShortMediaThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		segmenter:   segmenter,
		distributor: distributor,
		config:      config,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Dispatch validates unit and distributes it, split when necessary. Input
// errors are returned before anything is distributed. An error part way
// through a split leaves the children already distributed in place.
func (d *Dispatcher) Dispatch(ctx context.Context, unit *protocol.TaskUnit) error {
	d.requests.Add(1)

	if err := unit.Validate(); err != nil {
		return d.reject(unit, err)
	}

	switch unit.Task {
	case protocol.TaskSpeechToText:
		return d.dispatchSpeech(ctx, unit)
	case protocol.TaskTextToSpeech:
		return d.dispatchText(ctx, unit)
	default:
		return d.reject(unit, fmt.Errorf("%w: %q", protocol.ErrUnknownTask, unit.Task))
	}
}

func (d *Dispatcher) dispatchSpeech(ctx context.Context, unit *protocol.TaskUnit) error {
	input := unit.Attr(protocol.AttrInput)

	duration, err := d.segmenter.Probe(ctx, input)
	if err != nil {
		return d.reject(unit, fmt.Errorf("failed to probe %s: %w", input, err))
	}
	if duration <= 0 {
		return d.reject(unit, fmt.Errorf("%w: %f", ErrInvalidDuration, duration))
	}

	if duration <= d.config.ShortMediaThreshold {
		single := passThrough(unit)
		single.SetAttr(protocol.AttrStart, "0")
		single.SetAttr(protocol.AttrEnd, formatSeconds(duration))

		d.logger.Info("Dispatching short media unsplit",
			slog.String("request_id", unit.ID),
			slog.Float64("duration", duration),
		)
		return d.distribute(ctx, single)
	}

	d.logger.Info("Splitting long media",
		slog.String("request_id", unit.ID),
		slog.Float64("duration", duration),
		slog.Float64("threshold", d.config.ShortMediaThreshold),
	)

	var (
		pending    *protocol.TaskUnit
		dispatched int
	)
	// Each child is distributed once the next segment exists, so the final
	// child can be marked last
	for seg, err := range d.segmenter.Split(ctx, input) {
		if err != nil {
			return d.abandon(unit, dispatched, fmt.Errorf("failed to split %s: %w", input, err))
		}

		child := unit.NewChild(seg.Order, map[string]string{
			protocol.AttrInput: seg.Path,
			protocol.AttrStart: formatSeconds(seg.Start),
			protocol.AttrEnd:   formatSeconds(seg.End),
		})

		if pending != nil {
			if err := d.distribute(ctx, pending); err != nil {
				return d.abandon(unit, dispatched, err)
			}
			dispatched++
		}
		pending = child
	}

	if pending == nil {
		return d.reject(unit, ErrNoSegments)
	}

	pending.IsLast = true
	if err := d.distribute(ctx, pending); err != nil {
		return d.abandon(unit, dispatched, err)
	}
	dispatched++

	d.recordSplit(unit, dispatched)
	return nil
}

func (d *Dispatcher) dispatchText(ctx context.Context, unit *protocol.TaskUnit) error {
	pieces := media.SplitText(unit.Attr(protocol.AttrText), d.config.TTSMaxChars)
	if len(pieces) <= 1 {
		return d.distribute(ctx, passThrough(unit))
	}

	for i, piece := range pieces {
		child := unit.NewChild(i+1, map[string]string{protocol.AttrText: piece})
		child.IsLast = i == len(pieces)-1
		if err := d.distribute(ctx, child); err != nil {
			return d.abandon(unit, i, err)
		}
	}

	d.recordSplit(unit, len(pieces))
	return nil
}

// passThrough stamps a request as the single unit of its own root
func passThrough(unit *protocol.TaskUnit) *protocol.TaskUnit {
	single := unit.Clone()
	single.ParentID = ""
	single.Order = 1
	single.IsLast = true
	return single
}

func (d *Dispatcher) distribute(ctx context.Context, unit *protocol.TaskUnit) error {
	if err := d.distributor.Distribute(ctx, unit); err != nil {
		return err
	}
	d.units.Add(1)
	return nil
}

func (d *Dispatcher) recordSplit(unit *protocol.TaskUnit, children int) {
	d.split.Add(1)
	d.metrics.RecordSplit(children)
	d.logger.Info("Request split",
		slog.String("request_id", unit.ID),
		slog.String("task", unit.Task),
		slog.Int("children", children),
	)
}

func (d *Dispatcher) reject(unit *protocol.TaskUnit, err error) error {
	d.rejected.Add(1)
	d.metrics.RecordDispatchError(unit.Task)
	d.logger.Warn("Request rejected",
		slog.String("request_id", unit.ID),
		slog.String("task", unit.Task),
		slog.String("error", err.Error()),
	)
	return err
}

// abandon reports a split that failed after some children were distributed.
// The reassembly engine's expiry sweep fails the root later.
func (d *Dispatcher) abandon(unit *protocol.TaskUnit, dispatched int, err error) error {
	if dispatched == 0 {
		return d.reject(unit, err)
	}
	d.incomplete.Add(1)
	d.metrics.RecordDispatchError(unit.Task)
	d.logger.Error("Split aborted after partial dispatch",
		slog.String("request_id", unit.ID),
		slog.Int("dispatched", dispatched),
		slog.String("error", err.Error()),
	)
	return err
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() Stats {
	return Stats{
		Requests:   d.requests.Load(),
		Split:      d.split.Load(),
		Units:      d.units.Load(),
		Rejected:   d.rejected.Load(),
		Incomplete: d.incomplete.Load(),
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
