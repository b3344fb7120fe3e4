package media

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
)

const testRate = 8000

// span is a stretch of either tone or silence
type span struct {
	seconds float64
	voice   bool
}

func writeRecording(t *testing.T, spans ...span) string {
	t.Helper()

	var samples []int16
	for _, s := range spans {
		n := int(s.seconds * testRate)
		for i := 0; i < n; i++ {
			var v int16
			if s.voice {
				v = int16(12000 * math.Sin(2*math.Pi*220*float64(i)/testRate))
			}
			samples = append(samples, v)
		}
	}

	data, err := audio.EncodeWAV(samples, testRate)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "recording.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestSegmenter(t *testing.T) *WAVSegmenter {
	t.Helper()
	opts := DefaultSplitOptions()
	opts.OutputDir = t.TempDir()
	s, err := NewWAVSegmenter(opts, nil)
	require.NoError(t, err)
	return s
}

func collect(t *testing.T, s Segmenter, path string) []Segment {
	t.Helper()
	var out []Segment
	for seg, err := range s.Split(context.Background(), path) {
		require.NoError(t, err)
		out = append(out, seg)
	}
	return out
}

func TestSplitOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultSplitOptions().Validate())

	bad := DefaultSplitOptions()
	bad.MaxSeconds = 5
	assert.Error(t, bad.Validate())

	bad = DefaultSplitOptions()
	bad.MinSeconds = 0
	assert.Error(t, bad.Validate())

	bad = DefaultSplitOptions()
	bad.SilenceThresholdDB = 3
	assert.Error(t, bad.Validate())

	_, err := NewWAVSegmenter(bad, nil)
	assert.Error(t, err)
}

func TestProbe(t *testing.T) {
	s := newTestSegmenter(t)
	path := writeRecording(t, span{seconds: 3, voice: true})

	duration, err := s.Probe(context.Background(), path)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, duration, 1e-9)
}

func TestProbeErrors(t *testing.T) {
	s := newTestSegmenter(t)
	dir := t.TempDir()

	_, err := s.Probe(context.Background(), filepath.Join(dir, "clip.mp3"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	_, err = s.Probe(context.Background(), filepath.Join(dir, "missing.wav"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wav file at all, really not"), 0o644))
	_, err = s.Probe(context.Background(), garbage)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Probe(ctx, garbage)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitAtSilence(t *testing.T) {
	s := newTestSegmenter(t)
	path := writeRecording(t,
		span{seconds: 18, voice: true},
		span{seconds: 0.6},
		span{seconds: 18.4, voice: true},
		span{seconds: 0.5},
		span{seconds: 2.5, voice: true},
	)

	segments := collect(t, s, path)
	require.Len(t, segments, 2)

	assert.Equal(t, 1, segments[0].Order)
	assert.Equal(t, 0.0, segments[0].Start)
	assert.InDelta(t, 18.3, segments[0].End, 0.05)

	assert.Equal(t, 2, segments[1].Order)
	assert.Equal(t, segments[0].End, segments[1].Start)
	assert.InDelta(t, 40.0, segments[1].End, 1e-9)

	var total float64
	for _, seg := range segments {
		data, err := os.ReadFile(seg.Path)
		require.NoError(t, err)
		d, err := audio.GetWAVDuration(data)
		require.NoError(t, err)
		assert.InDelta(t, seg.Duration(), d, 0.001)
		total += d
	}
	assert.InDelta(t, 40.0, total, 0.001)
}

func TestSplitWithoutSilenceCutsAtTarget(t *testing.T) {
	s := newTestSegmenter(t)
	path := writeRecording(t, span{seconds: 60, voice: true})

	segments := collect(t, s, path)
	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.Equal(t, i+1, seg.Order)
	}
	assert.InDelta(t, 20.0, segments[0].End, 1e-9)
	assert.InDelta(t, 40.0, segments[1].End, 1e-9)
	assert.InDelta(t, 60.0, segments[2].End, 1e-9)
}

func TestSplitStopsWhenConsumerBreaks(t *testing.T) {
	s := newTestSegmenter(t)
	path := writeRecording(t, span{seconds: 60, voice: true})

	count := 0
	for _, err := range s.Split(context.Background(), path) {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestSplitYieldsLoadError(t *testing.T) {
	s := newTestSegmenter(t)

	var errs []error
	for seg, err := range s.Split(context.Background(), "clip.ogg") {
		assert.Zero(t, seg)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnsupportedFormat)
}
