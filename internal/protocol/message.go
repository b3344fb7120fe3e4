package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Queue and channel names used on the broker
const (
	InboundQueue      = "split_audio_by_silence_queue"
	DistributeQueue   = "distribute_queue"
	ResultsQueue      = "task_results"
	CompletionChannel = "task_completion"

	resultChannelPrefix = "result_queue_"
)

// Terminal and response statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Failure reasons carried by failure markers
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonExpired          = "expired"
)

// ResultChannel returns the per-request delivery channel for a correlation root
func ResultChannel(root string) string {
	return resultChannelPrefix + root
}

// TaskResponse is what a worker publishes once it has processed a unit
type TaskResponse struct {
	Unit     TaskUnit        `json:"request"`
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Completion notifies the supervisor that a unit produced a response
type Completion struct {
	TaskRequestID string `json:"task_request_id"`
	Status        string `json:"status"`
}

// Marker terminates a correlation root's delivery stream
type Marker struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Failed reports whether the marker signals a failure
func (m Marker) Failed() bool {
	return m.Status == StatusFailed
}

// CompletedMarker returns the success terminal marker
func CompletedMarker() Marker {
	return Marker{Status: StatusCompleted}
}

// FailedMarker returns a failure terminal marker for a unit
func FailedMarker(taskID, reason string) Marker {
	return Marker{Status: StatusFailed, TaskID: taskID, Reason: reason}
}

// Delivery is one message read from a result channel: either a batch of
// result payloads or a terminal marker.
type Delivery struct {
	Results []json.RawMessage
	Marker  *Marker
}

// Terminal reports whether the delivery ends the stream
func (d Delivery) Terminal() bool {
	return d.Marker != nil
}

// ParseDelivery distinguishes result batches (JSON arrays) from markers (JSON objects)
func ParseDelivery(payload []byte) (Delivery, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Delivery{}, fmt.Errorf("empty delivery")
	}

	switch trimmed[0] {
	case '[':
		var results []json.RawMessage
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return Delivery{}, fmt.Errorf("failed to parse result batch: %w", err)
		}
		return Delivery{Results: results}, nil
	case '{':
		var m Marker
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return Delivery{}, fmt.Errorf("failed to parse marker: %w", err)
		}
		if m.Status == "" {
			return Delivery{}, fmt.Errorf("marker without status")
		}
		return Delivery{Marker: &m}, nil
	default:
		return Delivery{}, fmt.Errorf("unexpected delivery payload starting with %q", trimmed[0])
	}
}
