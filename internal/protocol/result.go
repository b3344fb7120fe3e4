package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Defaults for speech placeholders and loosely-typed speech payloads
const (
	DefaultSpeechFormat     = "wav"
	DefaultSpeechSampleRate = 16000

	// maxAudioSearchDepth bounds the recursive field search in speech payloads
	maxAudioSearchDepth = 3
)

// ErrUndecodable is returned when a worker payload cannot be mapped to a result
var ErrUndecodable = errors.New("undecodable result payload")

// audioFieldNames are searched, in order, when a speech payload is loosely typed
var audioFieldNames = []string{"audio", "audio_base64", "audioBase64"}

// TranscriptChunk is a timed piece of a transcript
type TranscriptChunk struct {
	Text      string    `json:"text"`
	Timestamp []float64 `json:"timestamp"`
}

// Transcript is a speech-to-text result
type Transcript struct {
	Text   string            `json:"text"`
	Chunks []TranscriptChunk `json:"chunks,omitempty"`
}

// Shift moves every chunk timestamp by offset seconds
func (t *Transcript) Shift(offset float64) {
	if offset == 0 {
		return
	}
	for i := range t.Chunks {
		for j := range t.Chunks[i].Timestamp {
			t.Chunks[i].Timestamp[j] += offset
		}
	}
}

// Speech is a text-to-speech result carrying base64 encoded audio
type Speech struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// Result is the decoded payload of one worker response. Exactly one of
// Transcript or Speech is set, according to Kind.
type Result struct {
	Kind        string
	Transcript  *Transcript
	Speech      *Speech
	Placeholder bool
}

// MarshalJSON emits the variant payload only
func (r Result) MarshalJSON() ([]byte, error) {
	switch {
	case r.Speech != nil:
		return json.Marshal(r.Speech)
	case r.Transcript != nil:
		return json.Marshal(r.Transcript)
	default:
		return []byte("{}"), nil
	}
}

// EarliestTimestamp returns the first chunk start, or +Inf when the result
// carries no timing so it sorts after timed results.
func (r Result) EarliestTimestamp() float64 {
	if r.Transcript == nil || len(r.Transcript.Chunks) == 0 {
		return math.Inf(1)
	}
	ts := r.Transcript.Chunks[0].Timestamp
	if len(ts) == 0 {
		return math.Inf(1)
	}
	return ts[0]
}

// HasAudio reports whether the result carries a non-empty audio payload
func (r Result) HasAudio() bool {
	return r.Speech != nil && r.Speech.Audio != ""
}

// Placeholder returns the well-formed empty result substituted for payloads
// that cannot be decoded.
func Placeholder(task string) Result {
	if task == TaskTextToSpeech {
		return Result{
			Kind: TaskTextToSpeech,
			Speech: &Speech{
				Format:     DefaultSpeechFormat,
				SampleRate: DefaultSpeechSampleRate,
			},
			Placeholder: true,
		}
	}
	return Result{Kind: TaskSpeechToText, Transcript: &Transcript{}, Placeholder: true}
}

// DecodeResult maps a raw worker payload to a typed result for the given task kind
func DecodeResult(task string, raw json.RawMessage) (Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Result{}, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}

	// Some workers double encode their payload as a JSON string
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		raw = json.RawMessage(inner)
	}

	switch task {
	case TaskSpeechToText:
		return decodeTranscript(raw)
	case TaskTextToSpeech:
		return decodeSpeech(raw)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}
}

func decodeTranscript(raw json.RawMessage) (Result, error) {
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return Result{Kind: TaskSpeechToText, Transcript: &t}, nil
}

func decodeSpeech(raw json.RawMessage) (Result, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	obj, ok := generic.(map[string]any)
	if ok {
		if s, found := speechFromObject(obj); found {
			return Result{Kind: TaskTextToSpeech, Speech: s}, nil
		}
		if inner, isObj := obj["response"].(map[string]any); isObj {
			if s, found := speechFromObject(inner); found {
				return Result{Kind: TaskTextToSpeech, Speech: s}, nil
			}
		}
	}

	if audio := findAudio(generic, 0); audio != "" {
		return Result{Kind: TaskTextToSpeech, Speech: &Speech{
			Audio:      audio,
			Format:     DefaultSpeechFormat,
			SampleRate: DefaultSpeechSampleRate,
		}}, nil
	}

	return Result{}, fmt.Errorf("%w: no audio field found", ErrUndecodable)
}

// speechFromObject extracts a speech result from a flat object
func speechFromObject(obj map[string]any) (*Speech, bool) {
	for _, name := range audioFieldNames {
		audio, ok := obj[name].(string)
		if !ok || audio == "" {
			continue
		}
		s := &Speech{
			Audio:      audio,
			Format:     DefaultSpeechFormat,
			SampleRate: DefaultSpeechSampleRate,
		}
		if format, ok := obj["format"].(string); ok && format != "" {
			s.Format = format
		}
		if rate, ok := obj["sample_rate"].(float64); ok && rate > 0 {
			s.SampleRate = int(rate)
		}
		return s, true
	}
	return nil, false
}

func findAudio(v any, depth int) string {
	if depth > maxAudioSearchDepth {
		return ""
	}

	switch node := v.(type) {
	case map[string]any:
		for _, name := range audioFieldNames {
			if audio, ok := node[name].(string); ok && audio != "" {
				return audio
			}
		}
		for _, child := range node {
			if audio := findAudio(child, depth+1); audio != "" {
				return audio
			}
		}
	case []any:
		for _, item := range node {
			if audio := findAudio(item, depth+1); audio != "" {
				return audio
			}
		}
	}
	return ""
}
