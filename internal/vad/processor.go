package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// floorDB is reported for windows of digital silence
const floorDB = -120.0

// Processor classifies fixed-size windows of normalized samples as voice or silence
type Processor struct {
	thresholdDB float64 // RMS level (dBFS) below which a window is silent
	windowSize  int     // Samples per window
	sampleRate  int
	minSilence  time.Duration

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// VADResult represents the classification of one window
type VADResult struct {
	LevelDB     float64 `json:"level_db"`
	HasVoice    bool    `json:"has_voice"`
	WindowIndex int     `json:"window_index"`
}

// Silence is a run of silent windows, in seconds from the start of the input
type Silence struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Midpoint returns the center of the silence run
func (s Silence) Midpoint() float64 {
	return (s.Start + s.End) / 2
}

// ProcessorStats represents processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	ThresholdDB     float64   `json:"threshold_db"`
}

// NewProcessor creates a detector. thresholdDB must be negative (dBFS).
func NewProcessor(thresholdDB float64, windowSize int, sampleRate int, minSilence time.Duration) (*Processor, error) {
	if thresholdDB >= 0 {
		return nil, fmt.Errorf("threshold must be below 0 dBFS, got %f", thresholdDB)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if minSilence < 0 {
		return nil, fmt.Errorf("minimum silence cannot be negative, got %v", minSilence)
	}

	return &Processor{
		thresholdDB: thresholdDB,
		windowSize:  windowSize,
		sampleRate:  sampleRate,
		minSilence:  minSilence,
	}, nil
}

// Process classifies one window of samples normalized to [-1, 1]
func (p *Processor) Process(samples []float32) (*VADResult, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty window")
	}

	level := levelDB(samples)

	p.mu.Lock()
	defer p.mu.Unlock()

	hasVoice := level >= p.thresholdDB
	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	return &VADResult{
		LevelDB:     level,
		HasVoice:    hasVoice,
		WindowIndex: int(p.totalWindows - 1),
	}, nil
}

// DetectSilences scans samples window by window and returns the silence runs
// lasting at least the configured minimum. A trailing partial window is
// classified like a full one.
func (p *Processor) DetectSilences(samples []float32) []Silence {
	var (
		silences []Silence
		runStart = -1
	)

	windowSeconds := float64(p.windowSize) / float64(p.sampleRate)
	minSeconds := p.minSilence.Seconds()

	closeRun := func(endWindow int) {
		if runStart < 0 {
			return
		}
		start := float64(runStart) * windowSeconds
		end := math.Min(float64(endWindow)*windowSeconds, float64(len(samples))/float64(p.sampleRate))
		if end-start >= minSeconds {
			silences = append(silences, Silence{Start: start, End: end})
		}
		runStart = -1
	}

	window := 0
	for offset := 0; offset < len(samples); offset += p.windowSize {
		end := min(offset+p.windowSize, len(samples))
		result, err := p.Process(samples[offset:end])
		if err != nil {
			break
		}
		if result.HasVoice {
			closeRun(window)
		} else if runStart < 0 {
			runStart = window
		}
		window++
	}
	closeRun(window)

	return silences
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		ThresholdDB:     p.thresholdDB,
	}
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastProcessed = time.Time{}
}

// levelDB returns the RMS level of samples in dBFS
func levelDB(samples []float32) float64 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	if rms == 0 {
		return floorDB
	}
	return math.Max(20*math.Log10(rms), floorDB)
}
