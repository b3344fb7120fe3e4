package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
	"github.com/skypro1111/media-task-orchestrator/internal/vad"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported media format")
	ErrEmptyMedia        = errors.New("media contains no audio")
)

// Segment is one piece of a split recording. Start and End are seconds from
// the start of the source.
type Segment struct {
	Order int
	Start float64
	End   float64
	Path  string
}

// Duration returns the segment length in seconds
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Segmenter probes media and splits it into ordered segments
type Segmenter interface {
	Probe(ctx context.Context, path string) (float64, error)
	Split(ctx context.Context, path string) iter.Seq2[Segment, error]
}

// SplitOptions controls where WAVSegmenter cuts
type SplitOptions struct {
	TargetSeconds      float64
	MinSeconds         float64
	MaxSeconds         float64
	SilenceThresholdDB float64
	SilenceWindow      time.Duration
	MinSilence         time.Duration
	OutputDir          string
}

// DefaultSplitOptions returns the options used when none are configured
func DefaultSplitOptions() SplitOptions {
	return SplitOptions{
		TargetSeconds:      20,
		MinSeconds:         10,
		MaxSeconds:         25,
		SilenceThresholdDB: -40,
		SilenceWindow:      20 * time.Millisecond,
		MinSilence:         300 * time.Millisecond,
		OutputDir:          os.TempDir(),
	}
}

// Validate checks option consistency
func (o SplitOptions) Validate() error {
	if o.MinSeconds <= 0 {
		return fmt.Errorf("min segment seconds must be positive")
	}
	if o.TargetSeconds < o.MinSeconds || o.MaxSeconds < o.TargetSeconds {
		return fmt.Errorf("segment seconds must satisfy min <= target <= max (got %v/%v/%v)",
			o.MinSeconds, o.TargetSeconds, o.MaxSeconds)
	}
	if o.SilenceThresholdDB >= 0 {
		return fmt.Errorf("silence threshold must be below 0 dBFS")
	}
	if o.SilenceWindow <= 0 {
		return fmt.Errorf("silence window must be positive")
	}
	return nil
}

// WAVSegmenter splits WAV recordings at detected silences
type WAVSegmenter struct {
	opts   SplitOptions
	logger *slog.Logger
}

// NewWAVSegmenter creates a segmenter writing segments under opts.OutputDir
func NewWAVSegmenter(opts SplitOptions, logger *slog.Logger) (*WAVSegmenter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSegmenter{opts: opts, logger: logger}, nil
}

// Probe returns the duration of the recording in seconds
func (s *WAVSegmenter) Probe(ctx context.Context, path string) (float64, error) {
	w, err := s.load(ctx, path)
	if err != nil {
		return 0, err
	}
	return w.Duration(), nil
}

// Split lazily yields the segments of the recording in order. Each segment is
// written to its own WAV file when it is yielded. Iteration stops at the first
// error, which is yielded with a zero Segment.
func (s *WAVSegmenter) Split(ctx context.Context, path string) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		w, err := s.load(ctx, path)
		if err != nil {
			yield(Segment{}, err)
			return
		}

		cuts, err := s.cutPoints(w)
		if err != nil {
			yield(Segment{}, err)
			return
		}

		dir, err := os.MkdirTemp(s.opts.OutputDir, "segments-")
		if err != nil {
			yield(Segment{}, fmt.Errorf("failed to create segment directory: %w", err))
			return
		}

		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		rate := float64(w.Format.SampleRate)
		align := int(w.Format.BlockAlign)

		start := 0.0
		for i, end := range cuts {
			if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}

			from := int(math.Round(start*rate)) * align
			to := min(int(math.Round(end*rate))*align, len(w.Data))

			data, err := audio.EncodePCM(w.Format, w.Data[from:to])
			if err != nil {
				yield(Segment{}, fmt.Errorf("failed to encode segment %d: %w", i+1, err))
				return
			}

			segPath := filepath.Join(dir, fmt.Sprintf("%s_%03d.wav", base, i+1))
			if err := os.WriteFile(segPath, data, 0o644); err != nil {
				yield(Segment{}, fmt.Errorf("failed to write segment %d: %w", i+1, err))
				return
			}

			seg := Segment{Order: i + 1, Start: start, End: end, Path: segPath}
			s.logger.Debug("Segment written",
				slog.String("source", path),
				slog.Int("order", seg.Order),
				slog.Float64("start", seg.Start),
				slog.Float64("end", seg.End))

			if !yield(seg, nil) {
				return
			}
			start = end
		}
	}
}

func (s *WAVSegmenter) load(ctx context.Context, path string) (*audio.WAV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".wav" && ext != ".wave" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	w, err := audio.ParseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if w.Frames() == 0 {
		return nil, ErrEmptyMedia
	}
	return w, nil
}

// cutPoints returns the end second of every segment. Each cut falls on the
// silence midpoint nearest to the target length within [min, max]; without a
// usable silence the recording is cut hard at the target length.
func (s *WAVSegmenter) cutPoints(w *audio.WAV) ([]float64, error) {
	samples, err := monoSamples(w)
	if err != nil {
		return nil, err
	}

	rate := int(w.Format.SampleRate)
	window := max(1, int(s.opts.SilenceWindow.Seconds()*float64(rate)))
	detector, err := vad.NewProcessor(s.opts.SilenceThresholdDB, window, rate, s.opts.MinSilence)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence detector: %w", err)
	}
	silences := detector.DetectSilences(samples)

	duration := w.Duration()
	var cuts []float64
	cursor := 0.0
	for duration-cursor > s.opts.MaxSeconds {
		cut := cursor + s.opts.TargetSeconds
		best := math.Inf(1)
		for _, sil := range silences {
			mid := sil.Midpoint()
			if mid < cursor+s.opts.MinSeconds || mid > cursor+s.opts.MaxSeconds {
				continue
			}
			if d := math.Abs(mid - (cursor + s.opts.TargetSeconds)); d < best {
				best = d
				cut = mid
			}
		}
		cuts = append(cuts, cut)
		cursor = cut
	}
	return append(cuts, duration), nil
}

// monoSamples downmixes the recording to mono samples normalized to [-1, 1]
func monoSamples(w *audio.WAV) ([]float32, error) {
	f := w.Format
	bytesPerSample := int(f.BitsPerSample) / 8
	channels := int(f.Channels)
	if bytesPerSample == 0 || bytesPerSample*channels > int(f.BlockAlign) {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	}

	decode, err := sampleDecoder(f.AudioFormat == 3, bytesPerSample)
	if err != nil {
		return nil, err
	}

	frames := w.Frames()
	out := make([]float32, frames)
	for i := range frames {
		frame := w.Data[i*int(f.BlockAlign):]
		var sum float32
		for c := range channels {
			sum += decode(frame[c*bytesPerSample:])
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

func sampleDecoder(float bool, size int) (func([]byte) float32, error) {
	switch {
	case float && size == 4:
		return func(b []byte) float32 {
			return math.Float32frombits(binary.LittleEndian.Uint32(b))
		}, nil
	case size == 1:
		return func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }, nil
	case size == 2:
		return func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		}, nil
	case size == 3:
		return func(b []byte) float32 {
			v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			return float32(v) / 8388608
		}, nil
	case size == 4:
		return func(b []byte) float32 {
			return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}, nil
	}
	return nil, fmt.Errorf("%w: %d byte samples", ErrUnsupportedFormat, size)
}
