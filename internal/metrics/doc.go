// Package metrics defines the Prometheus metrics exported by the orchestrator
// and its reference worker.
package metrics
