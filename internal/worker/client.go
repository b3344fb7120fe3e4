package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

const (
	maxBackoff      = 30 * time.Second
	maxResponseSize = 64 << 20
)

// ErrNoEndpoint is returned for task kinds without a configured endpoint
var ErrNoEndpoint = errors.New("no inference endpoint configured")

// ClientConfig contains inference client configuration
type ClientConfig struct {
	STTEndpoint   string
	TTSEndpoint   string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Backoff       time.Duration // first retry delay, doubled on every retry
}

// HTTPError is a non-2xx answer from the inference API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client sends task units to the inference API
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics

	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// speechRequest is the JSON body sent to the text-to-speech endpoint
type speechRequest struct {
	Input          string `json:"input"`
	Model          string `json:"model,omitempty"`
	Voice          string `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// NewClient creates a new inference HTTP client
func NewClient(config ClientConfig, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.STTEndpoint == "" && config.TTSEndpoint == "" {
		return nil, fmt.Errorf("at least one endpoint must be configured")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Infer runs the unit against the endpoint of its task kind and returns the
// raw response payload.
func (c *Client) Infer(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error) {
	endpoint := c.endpoint(unit.Task)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoEndpoint, unit.Task)
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordInferenceRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attempts++
		response, err := c.doRequest(ctx, endpoint, unit)
		if err == nil {
			elapsed := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(elapsed)
			c.metrics.RecordInference(unit.Task, "success", elapsed.Seconds())
			return response, nil
		}

		lastErr = err
		c.logger.Debug("Inference attempt failed",
			slog.String("unit_id", unit.ID),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)

		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordInference(unit.Task, "failure", time.Since(startTime).Seconds())
	return nil, fmt.Errorf("inference failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) endpoint(task string) string {
	switch task {
	case protocol.TaskSpeechToText:
		return c.config.STTEndpoint
	case protocol.TaskTextToSpeech:
		return c.config.TTSEndpoint
	default:
		return ""
	}
}

// backoff returns the delay before the given retry
func (c *Client) backoff(attempt int) time.Duration {
	d := c.config.Backoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// doRequest performs a single HTTP request to the inference API
func (c *Client) doRequest(ctx context.Context, endpoint string, unit *protocol.TaskUnit) (json.RawMessage, error) {
	var (
		body        io.Reader
		contentType string
		err         error
	)
	if unit.Task == protocol.TaskSpeechToText {
		body, contentType, err = c.createMultipartRequest(unit)
	} else {
		body, contentType, err = c.createSpeechRequest(unit)
	}
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Media-Task-Orchestrator/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "audio/") {
		return wrapAudio(respBody, unit.Attr(protocol.AttrFormat))
	}

	if !json.Valid(respBody) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return json.RawMessage(respBody), nil
}

// createMultipartRequest builds the speech-to-text form: the media file plus
// the unit's identifying fields.
func (c *Client) createMultipartRequest(unit *protocol.TaskUnit) (io.Reader, string, error) {
	input := unit.Attr(protocol.AttrInput)
	data, err := os.ReadFile(input)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media %s: %w", input, err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(input))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write media data: %w", err)
	}

	fields := map[string]string{
		"unit_id":         unit.ID,
		"response_format": "json",
	}
	if unit.ParentID != "" {
		fields["parent_id"] = unit.ParentID
	}
	for _, key := range []string{protocol.AttrModel, protocol.AttrLanguage, protocol.AttrStart, protocol.AttrEnd} {
		if v := unit.Attr(key); v != "" {
			fields[key] = v
		}
	}

	for _, key := range slices.Sorted(maps.Keys(fields)) {
		if err := writer.WriteField(key, fields[key]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

func (c *Client) createSpeechRequest(unit *protocol.TaskUnit) (io.Reader, string, error) {
	data, err := json.Marshal(speechRequest{
		Input:          unit.Attr(protocol.AttrText),
		Model:          unit.Attr(protocol.AttrModel),
		Voice:          unit.Attr(protocol.AttrVoice),
		Language:       unit.Attr(protocol.AttrLanguage),
		ResponseFormat: unit.Attr(protocol.AttrFormat),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal speech request: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

// wrapAudio turns a binary audio answer into a speech payload
func wrapAudio(data []byte, format string) (json.RawMessage, error) {
	speech := protocol.Speech{
		Audio:      base64.StdEncoding.EncodeToString(data),
		Format:     format,
		SampleRate: protocol.DefaultSpeechSampleRate,
	}
	if speech.Format == "" {
		speech.Format = protocol.DefaultSpeechFormat
	}
	if info, err := audio.GetWAVInfo(data); err == nil {
		speech.Format = "wav"
		speech.SampleRate = int(info.SampleRate)
	}

	out, err := json.Marshal(speech)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech payload: %w", err)
	}
	return out, nil
}

// isRetryableError reports whether a failed request is worth repeating:
// network errors, timeouts, rate limiting and 5xx answers.
func isRetryableError(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for active requests to finish
func (c *Client) Close() error {
	for range c.config.MaxConcurrent {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
