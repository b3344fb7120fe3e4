// Package protocol defines the correlation contract shared by the dispatcher, the
// reassembly engine, the retry supervisor and the external workers: task units,
// worker responses, decoded results and the terminal markers published to callers.
package protocol
