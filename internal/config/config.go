package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/media-task-orchestrator/internal/media"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

// Config represents the complete service configuration
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	HTTP         HTTPConfig         `yaml:"http"`
	Queues       QueuesConfig       `yaml:"queues"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	Worker       WorkerConfig       `yaml:"worker"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// RedisConfig contains broker connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	Enabled        bool   `yaml:"enabled"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds, non-streaming requests
}

// QueuesConfig names the broker queues and channels
type QueuesConfig struct {
	Inbound    string `yaml:"inbound"`
	Distribute string `yaml:"distribute"`
	Results    string `yaml:"results"`
	Completion string `yaml:"completion"`
}

// OrchestratorConfig contains dispatch, reassembly and retry parameters
type OrchestratorConfig struct {
	ShortMediaThreshold float64 `yaml:"short_media_threshold"` // seconds
	TaskTimeout         int     `yaml:"task_timeout"`          // seconds
	MaxAttempts         int     `yaml:"max_attempts"`
	BufferTTL           int     `yaml:"buffer_ttl"`     // seconds
	SweepInterval       int     `yaml:"sweep_interval"` // seconds
	Consumers           int     `yaml:"consumers"`
	PopTimeout          int     `yaml:"pop_timeout"` // seconds
	TTSMaxChars         int     `yaml:"tts_max_chars"`
}

// SegmenterConfig controls where long recordings are cut
type SegmenterConfig struct {
	TargetSeconds      float64 `yaml:"target_seconds"`
	MinSeconds         float64 `yaml:"min_seconds"`
	MaxSeconds         float64 `yaml:"max_seconds"`
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`
	SilenceWindowMs    int     `yaml:"silence_window_ms"`
	MinSilence         float64 `yaml:"min_silence"` // seconds
	OutputDir          string  `yaml:"output_dir"`
}

// WorkerConfig contains the reference worker's inference API configuration
type WorkerConfig struct {
	STTEndpoint   string `yaml:"stt_endpoint"`
	TTSEndpoint   string `yaml:"tts_endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig applies when logging to a file
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Default returns the configuration used for keys absent from the file
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 20,
		},
		HTTP: HTTPConfig{
			Port:           8080,
			Address:        "0.0.0.0",
			Enabled:        true,
			RequestTimeout: 600,
		},
		Queues: QueuesConfig{
			Inbound:    protocol.InboundQueue,
			Distribute: protocol.DistributeQueue,
			Results:    protocol.ResultsQueue,
			Completion: protocol.CompletionChannel,
		},
		Orchestrator: OrchestratorConfig{
			ShortMediaThreshold: 25,
			TaskTimeout:         120,
			MaxAttempts:         3,
			BufferTTL:           900,
			SweepInterval:       30,
			Consumers:           4,
			PopTimeout:          5,
			TTSMaxChars:         500,
		},
		Segmenter: SegmenterConfig{
			TargetSeconds:      20,
			MinSeconds:         10,
			MaxSeconds:         25,
			SilenceThresholdDB: -40,
			SilenceWindowMs:    20,
			MinSilence:         0.3,
			OutputDir:          os.TempDir(),
		},
		Worker: WorkerConfig{
			STTEndpoint:   "http://localhost:8000/v1/audio/transcriptions",
			TTSEndpoint:   "http://localhost:8000/v1/audio/speech",
			Timeout:       60,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 28,
			},
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Queues.Validate(); err != nil {
		return fmt.Errorf("queues config: %w", err)
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates redis configuration
func (r *RedisConfig) Validate() error {
	if r.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}

	if r.DB < 0 {
		return fmt.Errorf("db cannot be negative, got %d", r.DB)
	}

	if r.PoolSize < 0 {
		return fmt.Errorf("pool_size cannot be negative, got %d", r.PoolSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.RequestTimeout < 1 {
			return fmt.Errorf("request_timeout must be at least 1 second, got %d", h.RequestTimeout)
		}
	}

	return nil
}

// Validate validates queue names
func (q *QueuesConfig) Validate() error {
	names := map[string]string{
		"inbound":    q.Inbound,
		"distribute": q.Distribute,
		"results":    q.Results,
		"completion": q.Completion,
	}
	for key, name := range names {
		if name == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}

	if q.Inbound == q.Distribute || q.Distribute == q.Results || q.Inbound == q.Results {
		return fmt.Errorf("inbound, distribute and results queues must be distinct")
	}

	return nil
}

// Validate validates orchestrator configuration
func (o *OrchestratorConfig) Validate() error {
	if o.ShortMediaThreshold <= 0 {
		return fmt.Errorf("short_media_threshold must be positive, got %f", o.ShortMediaThreshold)
	}

	if o.TaskTimeout < 1 {
		return fmt.Errorf("task_timeout must be at least 1 second, got %d", o.TaskTimeout)
	}

	if o.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", o.MaxAttempts)
	}

	if o.BufferTTL < o.TaskTimeout {
		return fmt.Errorf("buffer_ttl (%d) must not be shorter than task_timeout (%d)", o.BufferTTL, o.TaskTimeout)
	}

	if o.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", o.SweepInterval)
	}

	if o.Consumers < 1 {
		return fmt.Errorf("consumers must be at least 1, got %d", o.Consumers)
	}

	if o.PopTimeout < 1 {
		return fmt.Errorf("pop_timeout must be at least 1 second, got %d", o.PopTimeout)
	}

	if o.TTSMaxChars < 0 {
		return fmt.Errorf("tts_max_chars cannot be negative, got %d", o.TTSMaxChars)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.SilenceWindowMs < 1 {
		return fmt.Errorf("silence_window_ms must be at least 1, got %d", s.SilenceWindowMs)
	}

	if s.MinSilence < 0 {
		return fmt.Errorf("min_silence cannot be negative, got %f", s.MinSilence)
	}

	return s.Options().Validate()
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	if w.STTEndpoint == "" && w.TTSEndpoint == "" {
		return fmt.Errorf("at least one of stt_endpoint and tts_endpoint must be set")
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration. Any output other than stdout
// and stderr is treated as a file path.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	if l.Rotation.MaxSizeMB < 0 || l.Rotation.MaxBackups < 0 || l.Rotation.MaxAgeDays < 0 {
		return fmt.Errorf("rotation settings cannot be negative")
	}

	return nil
}

// IsFile reports whether logs go to a file
func (l *LoggingConfig) IsFile() bool {
	return l.Output != "stdout" && l.Output != "stderr"
}

// GetRequestTimeoutDuration returns the non-streaming request timeout as a time.Duration
func (h *HTTPConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}

// GetTaskTimeoutDuration returns the per-unit deadline as a time.Duration
func (o *OrchestratorConfig) GetTaskTimeoutDuration() time.Duration {
	return time.Duration(o.TaskTimeout) * time.Second
}

// GetBufferTTLDuration returns the reassembly buffer expiry as a time.Duration
func (o *OrchestratorConfig) GetBufferTTLDuration() time.Duration {
	return time.Duration(o.BufferTTL) * time.Second
}

// GetSweepIntervalDuration returns the expiry sweep period as a time.Duration
func (o *OrchestratorConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(o.SweepInterval) * time.Second
}

// GetPopTimeoutDuration returns the queue pop timeout as a time.Duration
func (o *OrchestratorConfig) GetPopTimeoutDuration() time.Duration {
	return time.Duration(o.PopTimeout) * time.Second
}

// Options converts the segmenter section to split options
func (s *SegmenterConfig) Options() media.SplitOptions {
	return media.SplitOptions{
		TargetSeconds:      s.TargetSeconds,
		MinSeconds:         s.MinSeconds,
		MaxSeconds:         s.MaxSeconds,
		SilenceThresholdDB: s.SilenceThresholdDB,
		SilenceWindow:      time.Duration(s.SilenceWindowMs) * time.Millisecond,
		MinSilence:         time.Duration(s.MinSilence * float64(time.Second)),
		OutputDir:          s.OutputDir,
	}
}

// GetTimeoutDuration returns the inference timeout as a time.Duration
func (w *WorkerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
