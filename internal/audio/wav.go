package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// riffHeaderSize covers "RIFF" + size + "WAVE"
	riffHeaderSize = 12
	// chunkHeaderSize covers a chunk id + size
	chunkHeaderSize = 8
	// canonicalHeaderSize is the size of the header written by EncodeWAV/EncodePCM
	canonicalHeaderSize = 44

	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

var (
	ErrInvalidWAV = errors.New("invalid WAV file")
	ErrNoAudio    = errors.New("no decodable audio")
)

// WAVHeader represents the canonical 44 byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// Format describes the sample layout of a WAV file
type Format struct {
	AudioFormat   uint16 `json:"audio_format"`
	Channels      uint16 `json:"channels"`
	SampleRate    uint32 `json:"sample_rate"`
	BitsPerSample uint16 `json:"bits_per_sample"`
	BlockAlign    uint16 `json:"block_align"`
	ByteRate      uint32 `json:"byte_rate"`
}

// Compatible reports whether audio frames of f and o can be concatenated
func (f Format) Compatible(o Format) bool {
	return f.AudioFormat == o.AudioFormat &&
		f.Channels == o.Channels &&
		f.SampleRate == o.SampleRate &&
		f.BitsPerSample == o.BitsPerSample
}

// PCMFormat returns the format of integer PCM audio
func PCMFormat(sampleRate, channels, bitsPerSample int) Format {
	blockAlign := uint16(channels * bitsPerSample / 8)
	return Format{
		AudioFormat:   formatPCM,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		BitsPerSample: uint16(bitsPerSample),
		BlockAlign:    blockAlign,
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
	}
}

// WAV is a parsed WAV file. Header holds every byte preceding the sample
// frames (RIFF header, fmt and any auxiliary chunks, data chunk header).
type WAV struct {
	Format Format
	Header []byte
	Data   []byte

	// dataSizeOffset is the position of the data chunk size field inside Header
	dataSizeOffset int
}

// Frames returns the number of sample frames
func (w *WAV) Frames() int {
	if w.Format.BlockAlign == 0 {
		return 0
	}
	return len(w.Data) / int(w.Format.BlockAlign)
}

// Duration returns the audio duration in seconds
func (w *WAV) Duration() float64 {
	if w.Format.SampleRate == 0 {
		return 0
	}
	return float64(w.Frames()) / float64(w.Format.SampleRate)
}

// ParseWAV walks the RIFF chunks of data and locates the fmt and data chunks.
// A data size larger than the remaining bytes (streamed WAVs) is clamped.
func ParseWAV(data []byte) (*WAV, error) {
	if len(data) < riffHeaderSize+chunkHeaderSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidWAV, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing WAVE format", ErrInvalidWAV)
	}

	var (
		format    Format
		hasFormat bool
	)

	pos := riffHeaderSize
	for pos+chunkHeaderSize <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + chunkHeaderSize

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			format = Format{
				AudioFormat:   binary.LittleEndian.Uint16(data[body : body+2]),
				Channels:      binary.LittleEndian.Uint16(data[body+2 : body+4]),
				SampleRate:    binary.LittleEndian.Uint32(data[body+4 : body+8]),
				ByteRate:      binary.LittleEndian.Uint32(data[body+8 : body+12]),
				BlockAlign:    binary.LittleEndian.Uint16(data[body+12 : body+14]),
				BitsPerSample: binary.LittleEndian.Uint16(data[body+14 : body+16]),
			}
			hasFormat = true

		case "data":
			if !hasFormat {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			if size < 0 || end > len(data) {
				end = len(data)
			}
			if err := validateFormat(format); err != nil {
				return nil, err
			}
			frames := (end - body) / int(format.BlockAlign)
			return &WAV{
				Format:         format,
				Header:         data[:body],
				Data:           data[body : body+frames*int(format.BlockAlign)],
				dataSizeOffset: pos + 4,
			}, nil
		}

		// chunks are word aligned
		next := body + size + size%2
		if next <= pos || next > len(data) {
			break
		}
		pos = next
	}

	if !hasFormat {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

func validateFormat(f Format) error {
	switch f.AudioFormat {
	case formatPCM, formatIEEEFloat, formatExtensible:
	default:
		return fmt.Errorf("%w: unsupported audio format %d", ErrInvalidWAV, f.AudioFormat)
	}
	if f.Channels == 0 {
		return fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("%w: invalid sample rate: 0", ErrInvalidWAV)
	}
	if f.BlockAlign == 0 {
		return fmt.Errorf("%w: zero block align", ErrInvalidWAV)
	}
	return nil
}

// EncodePCM writes raw frames of the given format into a canonical WAV file
func EncodePCM(format Format, pcm []byte) ([]byte, error) {
	if err := validateFormat(format); err != nil {
		return nil, err
	}
	if len(pcm)%int(format.BlockAlign) != 0 {
		return nil, fmt.Errorf("pcm length %d is not a multiple of block align %d", len(pcm), format.BlockAlign)
	}

	dataSize := uint32(len(pcm))
	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   format.AudioFormat,
		NumChannels:   format.Channels,
		SampleRate:    format.SampleRate,
		ByteRate:      format.SampleRate * uint32(format.BlockAlign),
		BlockAlign:    format.BlockAlign,
		BitsPerSample: format.BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, canonicalHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// EncodeWAV encodes mono PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	return EncodePCM(PCMFormat(sampleRate, 1, 16), pcm)
}

// GetWAVDuration calculates the duration of a WAV file in seconds
func GetWAVDuration(data []byte) (float64, error) {
	w, err := ParseWAV(data)
	if err != nil {
		return 0, err
	}
	return w.Duration(), nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	w, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}

	return &WAVInfo{
		SampleRate:    w.Format.SampleRate,
		Channels:      w.Format.Channels,
		BitsPerSample: w.Format.BitsPerSample,
		Duration:      w.Duration(),
		DataSize:      uint32(len(w.Data)),
		NumSamples:    uint32(w.Frames()),
	}, nil
}
