package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/config"
	"github.com/skypro1111/media-task-orchestrator/internal/dispatcher"
	"github.com/skypro1111/media-task-orchestrator/internal/media"
	"github.com/skypro1111/media-task-orchestrator/internal/metrics"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
	"github.com/skypro1111/media-task-orchestrator/internal/stream"
	"github.com/skypro1111/media-task-orchestrator/internal/supervisor"
)

const (
	serviceName    = "media-task-orchestrator"
	maxRequestBody = 1 << 20
)

// Components are the orchestrator parts the HTTP API reads from and submits to
type Components struct {
	Broker     broker.Broker
	Dispatcher *dispatcher.Dispatcher
	Engine     *stream.Engine
	Supervisor *supervisor.Supervisor
	Consumer   *Consumer
	Registry   *registry.Registry
}

// HTTPServer provides the task submission API and monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	components Components
	metrics    *metrics.Metrics
	version    string

	startTime time.Time
}

// taskRequest is the body of POST /api/v1/{task}
type taskRequest struct {
	Stream      bool              `json:"stream"`
	RequesterID string            `json:"requester_id,omitempty"`
	Attributes  map[string]string `json:"attributes"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, components Components, logger *slog.Logger,
	m *metrics.Metrics, version string) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		components: components,
		metrics:    m,
		version:    version,
		startTime:  time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: appConfig.HTTP.GetRequestTimeoutDuration() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed API handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/{task}", h.withMetrics("/api/v1/{task}", h.handleTask))
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))

	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streamed lines leave immediately
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleTask submits a task and answers with its results. The result channel
// is subscribed before dispatching so no message published by a fast worker
// is missed.
func (h *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	unit := protocol.NewTaskUnit(r.PathValue("task"), req.Attributes)
	unit.IsStream = req.Stream
	unit.RequesterID = req.RequesterID

	if err := unit.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.HTTP.GetRequestTimeoutDuration())
	defer cancel()

	sub, err := h.components.Broker.Subscribe(ctx, protocol.ResultChannel(unit.ID))
	if err != nil {
		h.logger.Error("Failed to subscribe to result channel",
			slog.String("root", unit.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "result channel unavailable")
		return
	}
	defer sub.Close()

	if err := h.components.Dispatcher.Dispatch(ctx, unit); err != nil {
		status := http.StatusInternalServerError
		if isInputError(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	h.logger.Debug("Task accepted",
		slog.String("root", unit.ID),
		slog.String("task", unit.Task),
		slog.Bool("stream", unit.IsStream),
	)

	if unit.IsStream {
		h.streamResults(ctx, w, unit.ID, sub)
		return
	}
	h.awaitResult(ctx, w, unit.ID, sub)
}

// streamResults forwards every published message as one line
func (h *HTTPServer) streamResults(ctx context.Context, w http.ResponseWriter, root string, sub broker.Subscription) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			h.logger.Warn("Streaming request ended before completion", slog.String("root", root))
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			line := make([]byte, 0, len(payload)+1)
			if _, err := w.Write(append(append(line, payload...), '\n')); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

			if d, err := protocol.ParseDelivery(payload); err == nil && d.Terminal() {
				return
			}
		}
	}
}

// awaitResult waits for the terminal marker and answers with the last result
// message. A single-result batch is unwrapped to its object.
func (h *HTTPServer) awaitResult(ctx context.Context, w http.ResponseWriter, root string, sub broker.Subscription) {
	var last json.RawMessage

	for {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusGatewayTimeout, "timed out waiting for results")
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				writeError(w, http.StatusInternalServerError, "result channel closed")
				return
			}

			d, err := protocol.ParseDelivery(payload)
			if err != nil {
				h.logger.Warn("Ignoring unparseable delivery",
					slog.String("root", root),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !d.Terminal() {
				switch n := len(d.Results); {
				case n == 1:
					last = d.Results[0]
				case n > 1:
					last = json.RawMessage(payload)
				}
				continue
			}

			w.Header().Set("Content-Type", "application/json")
			if d.Marker.Failed() {
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(d.Marker)
				return
			}
			if last == nil {
				last = json.RawMessage("{}")
			}
			w.WriteHeader(http.StatusOK)
			w.Write(last)
			w.Write([]byte{'\n'})
			return
		}
	}
}

func isInputError(err error) bool {
	for _, target := range []error{
		protocol.ErrUnknownTask,
		protocol.ErrMissingField,
		protocol.ErrUnsupportedMedia,
		dispatcher.ErrInvalidDuration,
		dispatcher.ErrNoSegments,
		media.ErrUnsupportedFormat,
		media.ErrEmptyMedia,
		fs.ErrNotExist,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{}
	if e := h.components.Engine; e != nil {
		components["engine"] = map[string]interface{}{
			"status":         "running",
			"active_buffers": e.GetStats().ActiveBuffers,
		}
	}
	if s := h.components.Supervisor; s != nil {
		components["supervisor"] = map[string]interface{}{
			"status":        "running",
			"tracked_units": s.GetStats().TrackedUnits,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": h.version,
		},
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// Credentials are omitted
	sanitizedConfig := map[string]interface{}{
		"redis": map[string]interface{}{
			"addr":      h.config.Redis.Addr,
			"db":        h.config.Redis.DB,
			"pool_size": h.config.Redis.PoolSize,
		},
		"http": map[string]interface{}{
			"port":            h.config.HTTP.Port,
			"address":         h.config.HTTP.Address,
			"request_timeout": h.config.HTTP.RequestTimeout,
		},
		"queues":       h.config.Queues,
		"orchestrator": h.config.Orchestrator,
		"segmenter":    h.config.Segmenter,
		"worker": map[string]interface{}{
			"stt_endpoint":   h.config.Worker.STTEndpoint,
			"tts_endpoint":   h.config.Worker.TTSEndpoint,
			"timeout":        h.config.Worker.Timeout,
			"max_retries":    h.config.Worker.MaxRetries,
			"max_concurrent": h.config.Worker.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if d := h.components.Dispatcher; d != nil {
		stats["dispatcher"] = d.GetStats()
	}
	if e := h.components.Engine; e != nil {
		stats["engine"] = e.GetStats()
	}
	if s := h.components.Supervisor; s != nil {
		stats["supervisor"] = s.GetStats()
	}
	if c := h.components.Consumer; c != nil {
		stats["consumer"] = c.GetStatistics()
	}
	if reg := h.components.Registry; reg != nil {
		stats["registry"] = reg.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": serviceName,
		"version": h.version,
		"endpoints": map[string]interface{}{
			"GET /":               "API documentation",
			"POST /api/v1/{task}": "Submit a speech-to-text or text-to-speech task",
			"GET /health":         "Service health check",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get orchestrator statistics",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
