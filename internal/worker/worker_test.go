package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

type inferFunc func(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error)

func (f inferFunc) Infer(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error) {
	return f(ctx, unit)
}

var testConfig = Config{
	DistributeQueue:   protocol.DistributeQueue,
	ResultsQueue:      protocol.ResultsQueue,
	CompletionChannel: protocol.CompletionChannel,
	PopTimeout:        50 * time.Millisecond,
	Concurrency:       2,
}

func newTestWorker(t *testing.T, inferrer Inferrer) (*Worker, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	w, err := New(b, inferrer, testConfig, discardLogger(), nil)
	require.NoError(t, err)
	return w, b
}

func popResponse(t *testing.T, b *broker.Memory) protocol.TaskResponse {
	t.Helper()
	data, err := b.PopQueue(context.Background(), protocol.ResultsQueue, time.Second)
	require.NoError(t, err)

	var resp protocol.TaskResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func sttUnit(t *testing.T) (*protocol.TaskUnit, []byte) {
	t.Helper()
	unit := protocol.NewTaskUnit(protocol.TaskSpeechToText, map[string]string{protocol.AttrInput: "/data/a.wav"})
	data, err := unit.Marshal()
	require.NoError(t, err)
	return unit, data
}

func TestProcessReportsResponseAndCompletion(t *testing.T) {
	w, b := newTestWorker(t, inferFunc(func(context.Context, *protocol.TaskUnit) (json.RawMessage, error) {
		return json.RawMessage(`{"text":"hi"}`), nil
	}))

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, protocol.CompletionChannel)
	require.NoError(t, err)
	defer sub.Close()

	unit, data := sttUnit(t)
	require.NoError(t, w.Process(ctx, data))

	resp := popResponse(t, b)
	assert.Equal(t, unit.ID, resp.Unit.ID)
	assert.Equal(t, protocol.StatusCompleted, resp.Status)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Response))

	select {
	case msg := <-sub.Messages():
		var c protocol.Completion
		require.NoError(t, json.Unmarshal(msg, &c))
		assert.Equal(t, unit.ID, c.TaskRequestID)
	case <-time.After(time.Second):
		t.Fatal("no completion published")
	}

	assert.Equal(t, uint64(1), w.GetStats().Completed)
}

func TestProcessReportsInferenceErrors(t *testing.T) {
	w, b := newTestWorker(t, inferFunc(func(context.Context, *protocol.TaskUnit) (json.RawMessage, error) {
		return nil, errors.New("model crashed")
	}))

	_, data := sttUnit(t)
	require.NoError(t, w.Process(context.Background(), data))

	resp := popResponse(t, b)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Error, "model crashed")
	assert.Equal(t, uint64(1), w.GetStats().Errors)
}

func TestProcessLeavesCancelledUnitsToRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, b := newTestWorker(t, inferFunc(func(ctx context.Context, _ *protocol.TaskUnit) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	}))

	_, data := sttUnit(t)
	assert.ErrorIs(t, w.Process(ctx, data), context.Canceled)
	assert.Equal(t, 0, b.Len(protocol.ResultsQueue))
}

func TestProcessRejectsMalformedUnits(t *testing.T) {
	w, _ := newTestWorker(t, inferFunc(func(context.Context, *protocol.TaskUnit) (json.RawMessage, error) {
		t.Fatal("inference must not run")
		return nil, nil
	}))

	assert.Error(t, w.Process(context.Background(), []byte("{")))
	assert.Equal(t, uint64(1), w.GetStats().Malformed)
}

func TestRunDrainsQueue(t *testing.T) {
	w, b := newTestWorker(t, inferFunc(func(context.Context, *protocol.TaskUnit) (json.RawMessage, error) {
		return json.RawMessage(`{"text":"ok"}`), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for range 5 {
		_, data := sttUnit(t)
		require.NoError(t, b.PushQueue(ctx, protocol.DistributeQueue, data))
	}

	require.Eventually(t, func() bool {
		return b.Len(protocol.ResultsQueue) == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, uint64(5), w.GetStats().Received)
}
