package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
	"github.com/skypro1111/media-task-orchestrator/internal/broker"
	"github.com/skypro1111/media-task-orchestrator/internal/config"
	"github.com/skypro1111/media-task-orchestrator/internal/dispatcher"
	"github.com/skypro1111/media-task-orchestrator/internal/media"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
	"github.com/skypro1111/media-task-orchestrator/internal/registry"
	"github.com/skypro1111/media-task-orchestrator/internal/stream"
	"github.com/skypro1111/media-task-orchestrator/internal/supervisor"
	"github.com/skypro1111/media-task-orchestrator/internal/worker"
)

const testRate = 8000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type inferFunc func(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error)

func (f inferFunc) Infer(ctx context.Context, unit *protocol.TaskUnit) (json.RawMessage, error) {
	return f(ctx, unit)
}

// fakeInference answers speech-to-text with one timed chunk per unit and
// text-to-speech with half a second of audio.
func fakeInference(_ context.Context, unit *protocol.TaskUnit) (json.RawMessage, error) {
	if unit.Task == protocol.TaskTextToSpeech {
		wav, err := audio.EncodeWAV(make([]int16, testRate/2), testRate)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.Speech{
			Audio:      base64.StdEncoding.EncodeToString(wav),
			Format:     "wav",
			SampleRate: testRate,
		})
	}

	text := "from " + unit.Attr(protocol.AttrStart)
	return json.Marshal(protocol.Transcript{
		Text:   text,
		Chunks: []protocol.TranscriptChunk{{Text: text, Timestamp: []float64{0, 1}}},
	})
}

type harnessOptions struct {
	withWorker     bool
	taskTimeout    time.Duration
	requestTimeout int
}

// harness wires the full orchestrator on the in-memory broker
type harness struct {
	server *httptest.Server
	engine *stream.Engine
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := discardLogger()

	cfg := config.Default()
	cfg.Orchestrator.TTSMaxChars = 40
	if opts.requestTimeout > 0 {
		cfg.HTTP.RequestTimeout = opts.requestTimeout
	} else {
		cfg.HTTP.RequestTimeout = 10
	}
	if opts.taskTimeout == 0 {
		opts.taskTimeout = 5 * time.Second
	}

	reg := registry.New()
	b := broker.NewMemory()

	engine, err := stream.NewEngine(reg, b, stream.Config{BufferTTL: time.Minute, SweepInterval: time.Minute}, logger, nil)
	require.NoError(t, err)

	sup, err := supervisor.New(reg, b, engine, supervisor.Config{
		DistributeQueue:   protocol.DistributeQueue,
		CompletionChannel: protocol.CompletionChannel,
		Timeout:           opts.taskTimeout,
		MaxAttempts:       2,
	}, logger, nil)
	require.NoError(t, err)

	splitOpts := media.DefaultSplitOptions()
	splitOpts.OutputDir = t.TempDir()
	segmenter, err := media.NewWAVSegmenter(splitOpts, logger)
	require.NoError(t, err)

	disp, err := dispatcher.New(segmenter, sup, dispatcher.Config{
		ShortMediaThreshold: cfg.Orchestrator.ShortMediaThreshold,
		TTSMaxChars:         cfg.Orchestrator.TTSMaxChars,
	}, logger, nil)
	require.NoError(t, err)

	consumer := NewConsumer(b, disp, engine, sup, ConsumerConfig{
		InboundQueue: protocol.InboundQueue,
		ResultsQueue: protocol.ResultsQueue,
		Workers:      2,
		PopTimeout:   50 * time.Millisecond,
	}, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f(ctx)
		}()
	}

	run(consumer.Run)
	run(sup.Run)
	if opts.withWorker {
		w, err := worker.New(b, inferFunc(fakeInference), worker.Config{
			DistributeQueue:   protocol.DistributeQueue,
			ResultsQueue:      protocol.ResultsQueue,
			CompletionChannel: protocol.CompletionChannel,
			PopTimeout:        50 * time.Millisecond,
			Concurrency:       3,
		}, logger, nil)
		require.NoError(t, err)
		run(w.Run)
	}

	h := NewHTTPServer(cfg, Components{
		Broker:     b,
		Dispatcher: disp,
		Engine:     engine,
		Supervisor: sup,
		Consumer:   consumer,
		Registry:   reg,
	}, logger, nil, "test")
	srv := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		wg.Wait()
		sup.Stop()
		engine.Stop()
		b.Close()
	})

	return &harness{server: srv, engine: engine}
}

func (h *harness) submit(t *testing.T, task string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(h.server.URL+"/api/v1/"+task, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func writeRecording(t *testing.T, seconds int) string {
	t.Helper()
	samples := make([]int16, testRate*seconds)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	data, err := audio.EncodeWAV(samples, testRate)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), fmt.Sprintf("call_%ds.wav", seconds))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSubmitShortRecording(t *testing.T) {
	h := newHarness(t, harnessOptions{withWorker: true})

	resp := h.submit(t, protocol.TaskSpeechToText, map[string]any{
		"attributes": map[string]string{protocol.AttrInput: writeRecording(t, 5)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var transcript protocol.Transcript
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcript))
	assert.Equal(t, "from 0", transcript.Text)
}

func TestSubmitLongRecordingStreamsInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{withWorker: true})

	resp := h.submit(t, protocol.TaskSpeechToText, map[string]any{
		"stream":     true,
		"attributes": map[string]string{protocol.AttrInput: writeRecording(t, 40)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 3)

	var starts []float64
	for _, line := range lines[:2] {
		var batch []protocol.Transcript
		require.NoError(t, json.Unmarshal([]byte(line), &batch))
		require.Len(t, batch, 1)
		starts = append(starts, batch[0].Chunks[0].Timestamp[0])
	}
	assert.Equal(t, []float64{0, 20}, starts)
	assert.JSONEq(t, `{"status":"completed"}`, lines[2])
}

func TestSubmitLongRecordingReturnsWholeBatch(t *testing.T) {
	h := newHarness(t, harnessOptions{withWorker: true})

	resp := h.submit(t, protocol.TaskSpeechToText, map[string]any{
		"attributes": map[string]string{protocol.AttrInput: writeRecording(t, 40)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch []protocol.Transcript
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "from 0", batch[0].Text)
	assert.Equal(t, "from 20", batch[1].Text)
}

func TestSubmitLongTextMergesSpeech(t *testing.T) {
	h := newHarness(t, harnessOptions{withWorker: true})

	resp := h.submit(t, protocol.TaskTextToSpeech, map[string]any{
		"attributes": map[string]string{
			protocol.AttrText: "The first sentence is here. The second one follows it. And a third closes.",
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var speech protocol.Speech
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&speech))

	wav, err := base64.StdEncoding.DecodeString(speech.Audio)
	require.NoError(t, err)
	duration, err := audio.GetWAVDuration(wav)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, duration, 0.001)
	assert.Equal(t, testRate, speech.SampleRate)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name string
		task string
		body any
	}{
		{"unknown task", "translate", map[string]any{"attributes": map[string]string{"text": "x"}}},
		{"missing text", protocol.TaskTextToSpeech, map[string]any{"attributes": map[string]string{}}},
		{"unsupported media", protocol.TaskSpeechToText, map[string]any{"attributes": map[string]string{"input": "a.mp3"}}},
		{"unreadable media", protocol.TaskSpeechToText, map[string]any{"attributes": map[string]string{"input": "/nonexistent/a.wav"}}},
		{"malformed body", protocol.TaskTextToSpeech, "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.submit(t, tt.task, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitReportsWorkerLoss(t *testing.T) {
	h := newHarness(t, harnessOptions{taskTimeout: 50 * time.Millisecond})

	resp := h.submit(t, protocol.TaskTextToSpeech, map[string]any{
		"attributes": map[string]string{protocol.AttrText: "Hello."},
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var marker protocol.Marker
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&marker))
	assert.True(t, marker.Failed())
	assert.Equal(t, protocol.ReasonRetriesExhausted, marker.Reason)
	assert.Equal(t, uint64(1), h.engine.GetStats().Failures)
}

func TestSubmitTimesOut(t *testing.T) {
	h := newHarness(t, harnessOptions{requestTimeout: 1})

	resp := h.submit(t, protocol.TaskTextToSpeech, map[string]any{
		"attributes": map[string]string{protocol.AttrText: "Hello."},
	})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestMonitoringEndpoints(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for _, path := range []string{"/", "/health", "/stats", "/config"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(h.server.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			var body map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body)
		})
	}

	resp, err := http.Get(h.server.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "engine")
	assert.Contains(t, stats, "supervisor")
	assert.Contains(t, stats, "dispatcher")
	assert.Contains(t, stats, "consumer")
	assert.Contains(t, stats, "registry")
}

func TestConfigOmitsCredentials(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp, err := http.Get(h.server.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "api_key")
	assert.NotContains(t, string(body), "password")
}
