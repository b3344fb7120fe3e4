package broker

import (
	"context"
	"sync"
	"time"
)

const subscriptionBuffer = 256

// Memory is an in-process Broker
type Memory struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	signals map[string]chan struct{}
	subs    map[string]map[*memorySubscription]struct{}
	closed  chan struct{}
	once    sync.Once
}

// NewMemory creates an empty in-process broker
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][][]byte),
		signals: make(map[string]chan struct{}),
		subs:    make(map[string]map[*memorySubscription]struct{}),
		closed:  make(chan struct{}),
	}
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	msg := append([]byte(nil), payload...)
	for _, s := range targets {
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) PushQueue(ctx context.Context, queue string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	m.queues[queue] = append(m.queues[queue], append([]byte(nil), payload...))
	if sig, ok := m.signals[queue]; ok {
		close(sig)
		delete(m.signals, queue)
	}
	return nil
}

func (m *Memory) PopQueue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.isClosed() {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if items := m.queues[queue]; len(items) > 0 {
			head := items[0]
			m.queues[queue] = items[1:]
			m.mu.Unlock()
			return head, nil
		}
		sig, ok := m.signals[queue]
		if !ok {
			sig = make(chan struct{})
			m.signals[queue] = sig
		}
		m.mu.Unlock()

		select {
		case <-sig:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		}
	}
}

// Len returns the number of messages waiting in queue
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker:  m,
		channel: channel,
		out:     make(chan []byte, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	return sub, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(m.closed)
		for _, set := range m.subs {
			for s := range set {
				s.closeOnce()
			}
		}
		m.subs = make(map[string]map[*memorySubscription]struct{})
	})
	return nil
}

type memorySubscription struct {
	broker  *Memory
	channel string
	out     chan []byte
	done    chan struct{}
	once    sync.Once

	// mu guards out against being closed during a send
	mu     sync.RWMutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) deliver(ctx context.Context, msg []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	select {
	case s.out <- msg:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *memorySubscription) closeOnce() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	if set, ok := s.broker.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.broker.subs, s.channel)
		}
	}
	s.broker.mu.Unlock()
	s.closeOnce()
	return nil
}
