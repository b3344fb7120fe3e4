package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by PopQueue when no message arrived in time
	ErrTimeout = errors.New("broker: pop timed out")
	// ErrClosed is returned by operations on a closed broker
	ErrClosed = errors.New("broker: closed")
)

// Broker is the messaging surface used by every component
type Broker interface {
	// Publish fans payload out to the current subscribers of channel
	Publish(ctx context.Context, channel string, payload []byte) error
	// PushQueue appends payload to the tail of queue
	PushQueue(ctx context.Context, queue string, payload []byte) error
	// PopQueue removes the head of queue, waiting up to timeout
	PopQueue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Subscribe returns once the subscription is active
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription delivers the payloads published on one channel
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
