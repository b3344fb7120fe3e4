// Package worker implements the reference inference worker: it pops task units
// from the distribution queue, calls the configured speech-to-text or
// text-to-speech HTTP endpoint and reports the response back to the orchestrator.
package worker
