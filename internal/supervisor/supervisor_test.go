package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sink records failed units
type sink struct {
	mu     sync.Mutex
	failed []*protocol.TaskUnit
	reason []string
}

func (s *sink) Fail(_ context.Context, unit *protocol.TaskUnit, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, unit)
	s.reason = append(s.reason, reason)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

const testTimeout = 30 * time.Millisecond

func newTestSupervisor(t *testing.T) (*Supervisor, *broker.Memory, *sink, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	b := broker.NewMemory()
	fails := &sink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(reg, b, fails, Config{Timeout: testTimeout, MaxAttempts: 3}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop()
		b.Close()
	})
	return s, b, fails, reg
}

func TestNewValidation(t *testing.T) {
	reg := registry.New()
	b := broker.NewMemory()
	defer b.Close()

	_, err := New(reg, b, &sink{}, Config{Timeout: 0, MaxAttempts: 3}, nil, nil)
	assert.Error(t, err)
	_, err = New(reg, b, &sink{}, Config{Timeout: time.Second, MaxAttempts: 0}, nil, nil)
	assert.Error(t, err)
	_, err = New(reg, b, nil, Config{Timeout: time.Second, MaxAttempts: 3}, nil, nil)
	assert.Error(t, err)
}

func TestDistributePushesAndTracks(t *testing.T) {
	s, b, _, reg := newTestSupervisor(t)
	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, map[string]string{protocol.AttrInput: "a.wav"})

	require.NoError(t, s.Distribute(context.Background(), unit))

	payload, err := b.PopQueue(context.Background(), protocol.DistributeQueue, time.Second)
	require.NoError(t, err)
	got, err := protocol.UnmarshalTaskUnit(payload)
	require.NoError(t, err)
	assert.Equal(t, unit.ID, got.ID)

	rec, ok := reg.Records.Load(unit.ID)
	require.True(t, ok)
	rec.Lock()
	assert.Equal(t, 1, rec.Attempts)
	rec.Unlock()

	s.Cancel(unit.ID)
	assert.Zero(t, reg.Records.Len())
}

func TestRetryBound(t *testing.T) {
	s, b, fails, reg := newTestSupervisor(t)
	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, map[string]string{protocol.AttrInput: "a.wav"})

	require.NoError(t, s.Distribute(context.Background(), unit))

	require.Eventually(t, func() bool { return fails.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Give any stray deadline time to fire twice more
	time.Sleep(5 * testTimeout)

	assert.Equal(t, 1, fails.count(), "exactly one failure")
	assert.Equal(t, unit.ID, fails.failed[0].ID)
	assert.Equal(t, protocol.ReasonRetriesExhausted, fails.reason[0])

	// The original push plus MaxAttempts-1 redistributions
	assert.Equal(t, 3, b.Len(protocol.DistributeQueue))
	for i := 0; i < 3; i++ {
		payload, err := b.PopQueue(context.Background(), protocol.DistributeQueue, time.Second)
		require.NoError(t, err)
		got, err := protocol.UnmarshalTaskUnit(payload)
		require.NoError(t, err)
		assert.Equal(t, unit.ID, got.ID, "redistribution keeps the unit id")
	}

	stats := s.GetStats()
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Zero(t, reg.Records.Len())
}

func TestCancelIsIdempotent(t *testing.T) {
	s, b, fails, reg := newTestSupervisor(t)

	assert.NotPanics(t, func() {
		s.Cancel("never-tracked")
		s.Cancel("never-tracked")
	})

	unit := protocol.NewTaskUnit(protocol.TaskTextToSpeech, map[string]string{protocol.AttrText: "hi"})
	require.NoError(t, s.Distribute(context.Background(), unit))

	s.Cancel(unit.ID)
	s.Cancel(unit.ID)

	time.Sleep(4 * testTimeout)
	assert.Zero(t, fails.count())
	assert.Equal(t, 1, b.Len(protocol.DistributeQueue), "no redistribution after cancel")
	assert.Zero(t, reg.Records.Len())
	assert.Equal(t, uint64(1), s.GetStats().Cancelled)
}

func TestCancelAfterRetryStopsTracking(t *testing.T) {
	s, b, fails, _ := newTestSupervisor(t)
	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, map[string]string{protocol.AttrInput: "a.wav"})
	require.NoError(t, s.Distribute(context.Background(), unit))

	require.Eventually(t, func() bool { return b.Len(protocol.DistributeQueue) == 2 }, time.Second, time.Millisecond)
	s.Cancel(unit.ID)

	time.Sleep(4 * testTimeout)
	assert.Zero(t, fails.count())
	assert.Equal(t, 2, b.Len(protocol.DistributeQueue))
}

func TestFinishedRootStopsRedistribution(t *testing.T) {
	s, b, fails, reg := newTestSupervisor(t)
	parent := protocol.NewTaskUnit(protocol.TaskSpeechToText, map[string]string{protocol.AttrInput: "a.wav"})
	sibling := parent.NewChild(2, nil)
	require.NoError(t, s.Distribute(context.Background(), sibling))

	// Another segment of the same request already failed it
	reg.Finished.Store(parent.ID, time.Now())

	require.Eventually(t, func() bool { return s.GetStats().Abandoned == 1 }, time.Second, time.Millisecond)
	time.Sleep(4 * testTimeout)

	assert.Equal(t, 1, b.Len(protocol.DistributeQueue), "no redistribution for a finished root")
	assert.Zero(t, fails.count())
	assert.Zero(t, reg.Records.Len())
	assert.Zero(t, s.GetStats().Retries)
}

func TestTrackIncrementsAttempts(t *testing.T) {
	s, _, _, reg := newTestSupervisor(t)
	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, nil)

	s.Track(unit, []byte(`{}`))
	s.Track(unit, []byte(`{}`))

	rec, ok := reg.Records.Load(unit.ID)
	require.True(t, ok)
	rec.Lock()
	assert.Equal(t, 2, rec.Attempts)
	rec.Unlock()
	s.Cancel(unit.ID)
}

func TestRunCancelsOnCompletion(t *testing.T) {
	s, b, fails, reg := newTestSupervisor(t)
	s.config.Timeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, nil)
	s.Track(unit, []byte(`{}`))
	require.Equal(t, 1, reg.Records.Len())

	payload, err := json.Marshal(protocol.Completion{TaskRequestID: unit.ID, Status: protocol.StatusCompleted})
	require.NoError(t, err)

	// Run subscribes asynchronously; keep publishing until the record is gone
	require.Eventually(t, func() bool {
		_ = b.Publish(context.Background(), protocol.CompletionChannel, []byte("not json"))
		_ = b.Publish(context.Background(), protocol.CompletionChannel, payload)
		return reg.Records.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, fails.count())
}

func TestStopWaitsForDeadlines(t *testing.T) {
	reg := registry.New()
	b := broker.NewMemory()
	defer b.Close()

	s, err := New(reg, b, &sink{}, Config{Timeout: time.Hour, MaxAttempts: 3}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Distribute(context.Background(), protocol.NewTaskUnit(protocol.TaskSpeechToText, nil)))
	}
	s.Stop()

	goleak.VerifyNone(t)

	// Tracking after Stop never starts a goroutine
	s.Track(protocol.NewTaskUnit(protocol.TaskSpeechToText, nil), nil)
	goleak.VerifyNone(t)
}
