// Package server exposes the orchestrator: queue consumers feeding inbound
// requests to the dispatcher and worker responses to the reassembly engine,
// and the HTTP API for task submission and monitoring.
package server
