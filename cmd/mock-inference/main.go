// Command mock-inference serves fake speech-to-text and text-to-speech
// endpoints for running the orchestrator and its reference worker locally.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/media-task-orchestrator/internal/audio"
	"github.com/skypro1111/media-task-orchestrator/internal/protocol"
)

const (
	speechSampleRate = 16000
	secondsPerChar   = 0.06
)

type options struct {
	addr     string
	delay    time.Duration
	failRate float64
}

type mockServer struct {
	opts   options
	logger *slog.Logger
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "mock-inference",
		Short:        "Fake inference API for local end-to-end runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			return run(opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8000", "Listen address")
	cmd.Flags().DurationVar(&opts.delay, "delay", 200*time.Millisecond, "Simulated processing time")
	cmd.Flags().Float64Var(&opts.failRate, "fail-rate", 0, "Fraction of requests answered with 503")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	s := &mockServer{opts: opts, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscription)
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)

	logger.Info("Mock inference server starting",
		slog.String("addr", opts.addr),
		slog.String("stt_endpoint", "/v1/audio/transcriptions"),
		slog.String("tts_endpoint", "/v1/audio/speech"),
	)
	return http.ListenAndServe(opts.addr, mux)
}

// simulate sleeps for the configured delay and reports whether the request
// should fail
func (s *mockServer) simulate(w http.ResponseWriter) bool {
	time.Sleep(s.opts.delay)
	if s.opts.failRate > 0 && rand.Float64() < s.opts.failRate {
		http.Error(w, "simulated overload", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (s *mockServer) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting media file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading media file", http.StatusInternalServerError)
		return
	}

	duration, err := audio.GetWAVDuration(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid WAV: %v", err), http.StatusBadRequest)
		return
	}

	s.logger.Info("Transcription request",
		slog.String("unit_id", r.FormValue("unit_id")),
		slog.String("filename", header.Filename),
		slog.String("start", r.FormValue("start")),
		slog.Float64("duration", duration),
	)

	if s.simulate(w) {
		return
	}

	text := fmt.Sprintf("mock transcript of %s", header.Filename)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.Transcript{
		Text: text,
		Chunks: []protocol.TranscriptChunk{
			{Text: text, Timestamp: []float64{0, math.Round(duration*100) / 100}},
		},
	})
}

func (s *mockServer) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
		Voice string `json:"voice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		http.Error(w, "Invalid speech request", http.StatusBadRequest)
		return
	}

	s.logger.Info("Speech request",
		slog.Int("chars", len(req.Input)),
		slog.String("voice", req.Voice),
	)

	if s.simulate(w) {
		return
	}

	seconds := max(0.5, float64(len([]rune(req.Input)))*secondsPerChar)
	samples := make([]int16, int(seconds*speechSampleRate))
	for i := range samples {
		samples[i] = int16(4000 * math.Sin(2*math.Pi*220*float64(i)/speechSampleRate))
	}

	wav, err := audio.EncodeWAV(samples, speechSampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(wav)
}
