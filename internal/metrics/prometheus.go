package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the orchestrator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Dispatch metrics
	UnitsDispatched *prometheus.CounterVec
	RequestsSplit   prometheus.Counter
	SplitSegments   prometheus.Histogram
	DispatchErrors  *prometheus.CounterVec

	// Reassembly metrics
	ResultsIngested   *prometheus.CounterVec
	DecodeFallbacks   prometheus.Counter
	DuplicatesDropped prometheus.Counter
	Completions       *prometheus.CounterVec
	Failures          *prometheus.CounterVec
	ActiveBuffers     prometheus.Gauge
	ReassemblyTime    prometheus.Histogram
	AudioMerges       prometheus.Counter

	// Supervisor metrics
	TrackedUnits prometheus.Gauge
	Retries      prometheus.Counter
	Timeouts     prometheus.Counter

	// Consumer metrics
	MessagesConsumed *prometheus.CounterVec
	ConsumeErrors    *prometheus.CounterVec

	// Worker metrics
	InferenceRequests *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	InferenceRetries  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Dispatch metrics
		UnitsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_units_dispatched_total",
			Help: "Total number of units pushed to the distribution queue",
		}, []string{"task"}),
		RequestsSplit: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_requests_split_total",
			Help: "Total number of requests split into child units",
		}),
		SplitSegments: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mto_split_segments",
			Help:    "Number of child units produced per split request",
			Buckets: prometheus.ExponentialBuckets(2, 2, 8), // 2 to 256
		}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_dispatch_errors_total",
			Help: "Total number of requests rejected or failed during dispatch",
		}, []string{"task"}),

		// Reassembly metrics
		ResultsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_results_ingested_total",
			Help: "Total number of worker results ingested",
		}, []string{"task"}),
		DecodeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_decode_fallbacks_total",
			Help: "Total number of worker payloads replaced by a placeholder",
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_duplicates_dropped_total",
			Help: "Total number of results dropped because their root already finished",
		}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_completions_total",
			Help: "Total number of correlation roots completed",
		}, []string{"task"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_failures_total",
			Help: "Total number of correlation roots failed",
		}, []string{"reason"}),
		ActiveBuffers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mto_active_buffers",
			Help: "Current number of reassembly buffers",
		}),
		ReassemblyTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mto_reassembly_duration_seconds",
			Help:    "Time from first result to completion of a correlation root",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5 minutes
		}),
		AudioMerges: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_audio_merges_total",
			Help: "Total number of batch audio merges",
		}),

		// Supervisor metrics
		TrackedUnits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mto_tracked_units",
			Help: "Current number of units awaiting a worker response",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_retries_total",
			Help: "Total number of units redistributed after a timeout",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_timeouts_total",
			Help: "Total number of unit deadlines that elapsed",
		}),

		// Consumer metrics
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_messages_consumed_total",
			Help: "Total number of messages consumed from broker queues",
		}, []string{"queue"}),
		ConsumeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_consume_errors_total",
			Help: "Total number of messages that failed processing",
		}, []string{"queue"}),

		// Worker metrics
		InferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_inference_requests_total",
			Help: "Total number of inference requests sent by the worker",
		}, []string{"task", "outcome"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mto_inference_duration_seconds",
			Help:    "Duration of inference requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		}, []string{"task"}),
		InferenceRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mto_inference_retries_total",
			Help: "Total number of inference request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mto_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mto_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDispatched increments the dispatched units counter
func (m *Metrics) RecordDispatched(task string) {
	if m == nil {
		return
	}
	m.UnitsDispatched.WithLabelValues(task).Inc()
}

// RecordSplit records a request split into children
func (m *Metrics) RecordSplit(children int) {
	if m == nil {
		return
	}
	m.RequestsSplit.Inc()
	m.SplitSegments.Observe(float64(children))
}

// RecordDispatchError increments the dispatch errors counter
func (m *Metrics) RecordDispatchError(task string) {
	if m == nil {
		return
	}
	m.DispatchErrors.WithLabelValues(task).Inc()
}

// RecordResult increments the ingested results counter
func (m *Metrics) RecordResult(task string) {
	if m == nil {
		return
	}
	m.ResultsIngested.WithLabelValues(task).Inc()
}

// RecordDecodeFallback increments the placeholder substitution counter
func (m *Metrics) RecordDecodeFallback() {
	if m == nil {
		return
	}
	m.DecodeFallbacks.Inc()
}

// RecordDuplicate increments the dropped duplicates counter
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDropped.Inc()
}

// RecordCompletion records a completed root and its reassembly time
func (m *Metrics) RecordCompletion(task string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(task).Inc()
	m.ReassemblyTime.Observe(durationSeconds)
}

// RecordFailure records a failed root
func (m *Metrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(reason).Inc()
}

// SetActiveBuffers sets the current number of reassembly buffers
func (m *Metrics) SetActiveBuffers(count int) {
	if m == nil {
		return
	}
	m.ActiveBuffers.Set(float64(count))
}

// RecordAudioMerge increments the audio merge counter
func (m *Metrics) RecordAudioMerge() {
	if m == nil {
		return
	}
	m.AudioMerges.Inc()
}

// SetTrackedUnits sets the current number of supervised units
func (m *Metrics) SetTrackedUnits(count int) {
	if m == nil {
		return
	}
	m.TrackedUnits.Set(float64(count))
}

// RecordTimeout records an elapsed deadline and whether it led to a retry
func (m *Metrics) RecordTimeout(retried bool) {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
	if retried {
		m.Retries.Inc()
	}
}

// RecordConsumed increments the consumed messages counter for a queue
func (m *Metrics) RecordConsumed(queue string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(queue).Inc()
}

// RecordConsumeError increments the consume errors counter for a queue
func (m *Metrics) RecordConsumeError(queue string) {
	if m == nil {
		return
	}
	m.ConsumeErrors.WithLabelValues(queue).Inc()
}

// RecordInference records one inference request
func (m *Metrics) RecordInference(task, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.InferenceRequests.WithLabelValues(task, outcome).Inc()
	m.InferenceDuration.WithLabelValues(task).Observe(durationSeconds)
}

// RecordInferenceRetry increments the inference retry counter
func (m *Metrics) RecordInferenceRetry() {
	if m == nil {
		return
	}
	m.InferenceRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
