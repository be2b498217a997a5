package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

type sinkConfig struct {
	noSpeaker  bool
	ffplayPath string
	volume     int
	dumpPath   string
	debug      bool
}

// audioSink receives self-contained assistant MP3 segments. Each segment
// is appended to the dump file when configured and piped to an ffplay
// process unless the speaker is disabled; MP3 is self-synchronizing, so
// concatenated segments play as one stream.
type audioSink struct {
	cfg sinkConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dump   *os.File
	chunks int64
	bytes  int64
}

func newAudioSink(cfg sinkConfig) (*audioSink, error) {
	if strings.TrimSpace(cfg.ffplayPath) == "" {
		cfg.ffplayPath = "ffplay"
	}
	if cfg.volume <= 0 {
		cfg.volume = 80
	}

	s := &audioSink{cfg: cfg}
	if cfg.dumpPath != "" {
		f, err := os.OpenFile(cfg.dumpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open dump file: %w", err)
		}
		s.dump = f
	}
	return s, nil
}

func (s *audioSink) Write(mp3Data []byte) error {
	if s == nil || len(mp3Data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	s.bytes += int64(len(mp3Data))

	if s.dump != nil {
		if _, err := s.dump.Write(mp3Data); err != nil {
			return fmt.Errorf("write dump file: %w", err)
		}
	}
	if s.cfg.noSpeaker {
		return nil
	}
	if err := s.ensureSpeakerLocked(); err != nil {
		return err
	}
	_, err := s.stdin.Write(mp3Data)
	return err
}

func (s *audioSink) Stats() (chunks, bytes int64) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.bytes
}

func (s *audioSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	if s.dump != nil {
		err := s.dump.Close()
		s.dump = nil
		return err
	}
	return nil
}

// ensureSpeakerLocked starts ffplay lazily so sessions where the
// assistant never speaks do not spawn a process.
func (s *audioSink) ensureSpeakerLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", fmt.Sprintf("%d", s.cfg.volume),
		"-nodisp",
		"-f", "mp3",
		"-i", "-",
	}
	cmd := exec.Command(s.cfg.ffplayPath, args...)
	if runtime.GOOS == "darwin" {
		// ffplay uses SDL for audio output on macOS, and SDL can pick a
		// dummy backend with no sound; prefer CoreAudio unless the user
		// overrides it.
		if os.Getenv("SDL_AUDIODRIVER") == "" {
			cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
		}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	if s.cfg.debug {
		fmt.Fprintf(os.Stderr, "[debug] ffplay started pid=%d\n", cmd.Process.Pid)
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func sineTonePCM16LE(freqHz, sampleRateHz int, d time.Duration, amp float64) []byte {
	if freqHz <= 0 || sampleRateHz <= 0 || d <= 0 {
		return nil
	}
	if amp <= 0 || amp > 1.0 {
		amp = 0.3
	}
	samples := int(float64(sampleRateHz) * d.Seconds())
	if samples <= 0 {
		samples = 1
	}
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(sampleRateHz)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		sample := int16(v * 32767.0)
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}
