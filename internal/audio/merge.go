package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// MergeWAV concatenates the sample frames of same-format WAV buffers.
//
// The header of the first decodable buffer is kept as-is and its RIFF and
// data sizes are rewritten to cover the combined frames. Empty, undecodable
// or format-mismatched buffers are skipped. A single buffer is returned
// unchanged.
func MergeWAV(buffers [][]byte) ([]byte, error) {
	if len(buffers) == 1 {
		return buffers[0], nil
	}

	var (
		first  *WAV
		frames [][]byte
		total  int
	)

	for _, buf := range buffers {
		if len(buf) == 0 {
			continue
		}
		w, err := ParseWAV(buf)
		if err != nil {
			continue
		}
		if first == nil {
			first = w
		} else if !first.Format.Compatible(w.Format) {
			continue
		}
		frames = append(frames, w.Data)
		total += len(w.Data)
	}

	if first == nil {
		return nil, ErrNoAudio
	}

	pad := total % 2
	out := bytes.NewBuffer(make([]byte, 0, len(first.Header)+total+pad))
	out.Write(first.Header)
	for _, f := range frames {
		out.Write(f)
	}
	if pad == 1 {
		out.WriteByte(0)
	}

	merged := out.Bytes()
	binary.LittleEndian.PutUint32(merged[4:8], uint32(len(merged)-8))
	binary.LittleEndian.PutUint32(merged[first.dataSizeOffset:first.dataSizeOffset+4], uint32(total))

	return merged, nil
}

// MergeWAVBase64 decodes base64 WAV payloads, merges them and re-encodes the result.
// Payloads that are not valid base64 are skipped like undecodable audio.
func MergeWAVBase64(payloads []string) (string, error) {
	if len(payloads) == 1 {
		return payloads[0], nil
	}

	buffers := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			continue
		}
		buffers = append(buffers, raw)
	}

	merged, err := MergeWAV(buffers)
	if err != nil {
		return "", fmt.Errorf("failed to merge %d audio payloads: %w", len(payloads), err)
	}

	return base64.StdEncoding.EncodeToString(merged), nil
}
