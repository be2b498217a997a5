// Package audio converts raw PCM16 audio from the realtime endpoint into
// MP3 the browser can play natively.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
)

// EncodePCM16ToMP3 compresses little-endian 16-bit PCM into a standalone
// MP3 segment. Each call yields an independently playable blob, so callers
// can transcode delta chunks as they arrive without aligning boundaries;
// the encoder pads the final frame itself.
func EncodePCM16ToMP3(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("audio: unsupported channel count %d", channels)
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm16 payload has odd length %d", len(pcm))
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	var out bytes.Buffer
	enc := shine.NewEncoder(sampleRate, channels)
	if err := enc.Write(&out, samples); err != nil {
		return nil, fmt.Errorf("audio: mp3 encode: %w", err)
	}
	return out.Bytes(), nil
}
