package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	gomp3 "github.com/hajimehoshi/go-mp3"
)

func sinePCM16(samples int, freq float64, sampleRate int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// The realtime endpoint emits 24 kHz mono. That rate lands in the MPEG-2
// half of the header space, so assert the frame header fields directly.
func TestEncodePCM16ToMP3_EndpointRate(t *testing.T) {
	pcm := sinePCM16(5760, 440, 24000) // 240 ms
	data, err := EncodePCM16ToMP3(pcm, 24000, 1)
	if err != nil {
		t.Fatalf("EncodePCM16ToMP3: %v", err)
	}
	if len(data) < 4 {
		t.Fatalf("output too short: %d bytes", len(data))
	}
	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		t.Fatalf("no MP3 sync word: % x", data[:4])
	}
	if version := (data[1] >> 3) & 0x3; version != 0x2 {
		t.Errorf("header version bits = %b, want MPEG-2 (10)", version)
	}
	if layer := (data[1] >> 1) & 0x3; layer != 0x1 {
		t.Errorf("header layer bits = %b, want Layer III (01)", layer)
	}
	if rateIdx := (data[2] >> 2) & 0x3; rateIdx != 0x1 {
		t.Errorf("header sample-rate index = %d, want 1 (24 kHz)", rateIdx)
	}
	if mode := data[3] >> 6; mode != 0x3 {
		t.Errorf("header channel mode = %b, want mono (11)", mode)
	}
}

// At an MPEG-1 rate the output must survive a real decoder round trip.
func TestEncodePCM16ToMP3_DecodesBack(t *testing.T) {
	const inSamples = 4608 // 96 ms at 48 kHz, four full frames
	pcm := sinePCM16(inSamples, 440, 48000)
	data, err := EncodePCM16ToMP3(pcm, 48000, 1)
	if err != nil {
		t.Fatalf("EncodePCM16ToMP3: %v", err)
	}

	dec, err := gomp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if dec.SampleRate() != 48000 {
		t.Fatalf("decoded sample rate = %d, want 48000", dec.SampleRate())
	}
	decoded, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("read decoded: %v", err)
	}
	// go-mp3 renders 16-bit stereo; allow a couple of frames of codec
	// delay and padding either way.
	gotSamples := len(decoded) / 4
	if gotSamples < inSamples-1152 || gotSamples > inSamples+2304 {
		t.Fatalf("decoded %d sample frames, want about %d", gotSamples, inSamples)
	}
	var peak int16
	for i := 0; i+1 < len(decoded); i += 2 {
		v := int16(binary.LittleEndian.Uint16(decoded[i:]))
		if v > peak {
			peak = v
		}
	}
	if peak < 4000 {
		t.Fatalf("decoded signal peak %d, want an audible tone", peak)
	}
}

func TestEncodePCM16ToMP3_InputValidation(t *testing.T) {
	if _, err := EncodePCM16ToMP3([]byte{1, 2, 3}, 24000, 1); err == nil {
		t.Error("odd-length payload should error")
	}
	if _, err := EncodePCM16ToMP3(sinePCM16(576, 440, 24000), 0, 1); err == nil {
		t.Error("zero sample rate should error")
	}
	if _, err := EncodePCM16ToMP3(sinePCM16(576, 440, 24000), 24000, 3); err == nil {
		t.Error("three channels should error")
	}
	out, err := EncodePCM16ToMP3(nil, 24000, 1)
	if err != nil {
		t.Errorf("empty payload errored: %v", err)
	}
	if out != nil {
		t.Errorf("empty payload = %v, want nil", out)
	}
}
