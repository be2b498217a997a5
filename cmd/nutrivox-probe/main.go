// Command nutrivox-probe drives a running gateway over the live socket
// from a terminal: it streams microphone-style PCM16 audio from a file,
// a capture command, or a generated tone, sends typed messages and
// photo-upload events, and prints every conversation frame the server
// pushes back. Assistant MP3 audio can be played through ffplay or
// appended to a file for inspection.
//
// Examples:
//
//	nutrivox-probe --gateway localhost:8080 --text "What should I eat tonight?"
//	nutrivox-probe --gateway localhost:8080 --audio utterance.pcm
//	nutrivox-probe --gateway localhost:8080 --mic-cmd "ffmpeg -hide_banner -loglevel error -f avfoundation -i none:0 -ac 1 -ar 24000 -f s16le -"
//	nutrivox-probe --gateway localhost:8080 --photos meal_001.jpg --listen-ms 15000
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/nutrivox/nutrivox/pkg/gateway/live/protocol"
)

const (
	defaultSampleRateHz = 24000
	defaultFrameMS      = 20

	audioTransportBinary = "binary"
	audioTransportJSON   = "json"
)

type options struct {
	gateway    string
	sampleRate int
	frameMS    int
	transport  string

	audioPath string
	micCmd    string
	toneMS    int

	text   string
	photos string

	listenMS   int
	noSpeaker  bool
	ffplayPath string
	volume     int
	dumpMP3    string
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "nutrivox-probe: load .env:", err)
		return 1
	}

	var opt options
	flag.StringVar(&opt.gateway, "gateway", "", "Gateway base URL (http(s)://host:port or ws(s)://...); required")
	flag.IntVar(&opt.sampleRate, "sample-rate", defaultSampleRateHz, "Microphone PCM16 sample rate in Hz (default: 24000)")
	flag.IntVar(&opt.frameMS, "frame-ms", defaultFrameMS, "Audio frame duration in ms (default: 20)")
	flag.StringVar(&opt.transport, "transport", audioTransportBinary, "Audio transport: binary or json (default: binary)")
	flag.StringVar(&opt.audioPath, "audio", "", "Raw PCM16LE mono file streamed as microphone input")
	flag.StringVar(&opt.micCmd, "mic-cmd", "", "Command producing PCM16LE mono audio on stdout (runs via /bin/sh -c)")
	flag.IntVar(&opt.toneMS, "tone-ms", 0, "Stream a generated 440Hz tone for this many ms instead of a file")
	flag.StringVar(&opt.text, "text", "", "Send one typed user message after connecting")
	flag.StringVar(&opt.photos, "photos", "", "Comma-separated meal photo filenames to run the photo flow")
	flag.IntVar(&opt.listenMS, "listen-ms", 0, "End the session after this many ms (0 = listen until signal or server close)")
	flag.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not spawn ffplay; assistant audio is counted and dropped")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay executable (default: ffplay)")
	flag.IntVar(&opt.volume, "volume", 80, "ffplay startup volume 0=min 100=max (default: 80)")
	flag.StringVar(&opt.dumpMP3, "dump-mp3", "", "Append assistant MP3 audio to this file")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging (frame counts, commit acks)")
	flag.Parse()

	if strings.TrimSpace(opt.gateway) == "" {
		fmt.Fprintln(os.Stderr, "--gateway is required")
		return 2
	}
	if opt.sampleRate <= 0 {
		fmt.Fprintln(os.Stderr, "--sample-rate must be > 0")
		return 2
	}
	if opt.frameMS <= 0 {
		fmt.Fprintln(os.Stderr, "--frame-ms must be > 0")
		return 2
	}
	if opt.toneMS < 0 {
		fmt.Fprintln(os.Stderr, "--tone-ms must be >= 0")
		return 2
	}
	if opt.listenMS < 0 {
		fmt.Fprintln(os.Stderr, "--listen-ms must be >= 0")
		return 2
	}
	if opt.volume < 0 || opt.volume > 100 {
		fmt.Fprintln(os.Stderr, "--volume must be between 0 and 100")
		return 2
	}
	opt.transport = strings.ToLower(strings.TrimSpace(opt.transport))
	if opt.transport != audioTransportBinary && opt.transport != audioTransportJSON {
		fmt.Fprintln(os.Stderr, "--transport must be binary or json")
		return 2
	}
	audioSources := 0
	for _, set := range []bool{strings.TrimSpace(opt.audioPath) != "", strings.TrimSpace(opt.micCmd) != "", opt.toneMS > 0} {
		if set {
			audioSources++
		}
	}
	if audioSources > 1 {
		fmt.Fprintln(os.Stderr, "--audio, --mic-cmd, and --tone-ms are mutually exclusive")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL, err := liveWSURL(opt.gateway)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --gateway:", err)
		return 2
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial websocket:", err)
		return 1
	}
	defer conn.Close()

	if err := awaitConnected(conn, 5*time.Second); err != nil {
		fmt.Fprintln(os.Stderr, "session open failed:", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "live session connected:", wsURL)

	sink, err := newAudioSink(sinkConfig{
		noSpeaker:  opt.noSpeaker,
		ffplayPath: strings.TrimSpace(opt.ffplayPath),
		volume:     opt.volume,
		dumpPath:   strings.TrimSpace(opt.dumpMP3),
		debug:      opt.debug,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "audio sink:", err)
		return 1
	}
	defer sink.Close()

	var writeMu sync.Mutex
	sendJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- readServerLoop(ctx, conn, sink, opt.debug)
	}()

	inputErrCh := make(chan error, 1)
	go func() {
		inputErrCh <- pumpInput(ctx, conn, &writeMu, sendJSON, opt)
	}()

	var listenCh <-chan time.Time
	if opt.listenMS > 0 {
		timer := time.NewTimer(time.Duration(opt.listenMS) * time.Millisecond)
		defer timer.Stop()
		listenCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return endSession(sendJSON, serverErrCh, sink, opt.debug)
		case <-listenCh:
			fmt.Fprintln(os.Stderr, "listen window elapsed; ending session")
			return endSession(sendJSON, serverErrCh, sink, opt.debug)
		case err := <-serverErrCh:
			reportSinkStats(sink, opt.debug)
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "server loop error:", err)
				return 1
			}
			return 0
		case err := <-inputErrCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "input error:", err)
				return 1
			}
			// Input finished; keep listening for the assistant's reply.
			inputErrCh = nil
		}
	}
}

// awaitConnected reads frames until connection_status arrives. The server
// sends it as the first frame of every session, but an error frame can
// beat it when setup fails.
func awaitConnected(conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("invalid server frame: %w", err)
		}
		switch strings.TrimSpace(env.Type) {
		case "connection_status":
			var status protocol.ServerConnectionStatus
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("invalid connection_status: %w", err)
			}
			if status.Status != "connected" {
				return fmt.Errorf("unexpected connection status %q", status.Status)
			}
			return nil
		case "error":
			var se protocol.ServerError
			_ = json.Unmarshal(data, &se)
			return fmt.Errorf("gateway error: %s", se.Message)
		default:
			// Tolerate other frames racing ahead of the status.
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for connection_status")
		}
	}
}

func readServerLoop(ctx context.Context, conn *websocket.Conn, sink *audioSink, debug bool) error {
	var assistantLine strings.Builder
	var transcriptLine strings.Builder

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			fmt.Fprintln(os.Stderr, "invalid server JSON:", err)
			continue
		}

		switch strings.TrimSpace(env.Type) {
		case "text_delta":
			var td protocol.ServerTextDelta
			if err := json.Unmarshal(data, &td); err != nil {
				fmt.Fprintln(os.Stderr, "bad text_delta:", err)
				continue
			}
			assistantLine.WriteString(td.Content)
		case "text_done":
			if line := strings.TrimSpace(assistantLine.String()); line != "" {
				fmt.Printf("[assistant] %s\n", line)
			}
			assistantLine.Reset()
		case "input_audio_transcript_delta":
			var td protocol.ServerInputTranscriptDelta
			if err := json.Unmarshal(data, &td); err != nil {
				fmt.Fprintln(os.Stderr, "bad input_audio_transcript_delta:", err)
				continue
			}
			transcriptLine.WriteString(td.Content)
		case "input_audio_transcript_done":
			if line := strings.TrimSpace(transcriptLine.String()); line != "" {
				fmt.Printf("[you] %s\n", line)
			}
			transcriptLine.Reset()
		case "input_audio_buffer_committed":
			if debug {
				fmt.Fprintln(os.Stderr, "[debug] input audio committed")
			}
		case "audio_chunk":
			var chunk protocol.ServerAudioChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				fmt.Fprintln(os.Stderr, "bad audio_chunk:", err)
				continue
			}
			mp3Data, err := base64.StdEncoding.DecodeString(chunk.AudioB64)
			if err != nil {
				fmt.Fprintln(os.Stderr, "bad audio_chunk payload:", err)
				continue
			}
			if err := sink.Write(mp3Data); err != nil {
				fmt.Fprintln(os.Stderr, "audio sink:", err)
			}
		case "profile_update":
			var update protocol.ServerProfileUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				fmt.Fprintln(os.Stderr, "bad profile_update:", err)
				continue
			}
			fmt.Printf("[profile] %s\n", compactJSON(update.Data))
		case "nutrition_tracking_update":
			var update protocol.ServerTrackingUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				fmt.Fprintln(os.Stderr, "bad nutrition_tracking_update:", err)
				continue
			}
			fmt.Printf("[tracking] %s\n", compactJSON(update.Data))
		case "takeaway_recommendation":
			var rec protocol.ServerTakeawayRecommendation
			if err := json.Unmarshal(data, &rec); err != nil {
				fmt.Fprintln(os.Stderr, "bad takeaway_recommendation:", err)
				continue
			}
			fmt.Printf("[takeaway] %s\n", compactJSON(rec.Payload.Recommendations))
		case "connection_status":
			var status protocol.ServerConnectionStatus
			if err := json.Unmarshal(data, &status); err == nil {
				fmt.Fprintln(os.Stderr, "connection status:", status.Status)
			}
		case "error":
			var se protocol.ServerError
			if err := json.Unmarshal(data, &se); err != nil {
				return fmt.Errorf("bad server error frame: %w", err)
			}
			return fmt.Errorf("server error: %s", se.Message)
		default:
			if debug {
				fmt.Fprintf(os.Stderr, "[debug] unhandled frame type %q\n", env.Type)
			}
		}
	}
}

func pumpInput(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, sendJSON func(any) error, opt options) error {
	if text := strings.TrimSpace(opt.text); text != "" {
		if err := sendJSON(protocol.ClientTextMessage{
			Type:    "user_text_message",
			Payload: protocol.TextPayload{Text: text},
		}); err != nil {
			return fmt.Errorf("send user_text_message: %w", err)
		}
		fmt.Printf("[you] %s\n", text)
	}

	if filenames := splitPhotoList(opt.photos); len(filenames) > 0 {
		if err := sendJSON(protocol.ClientPhotoUpload{
			Type:    "estimate_photos_nutrition",
			Payload: protocol.PhotoPayload{Filenames: filenames},
		}); err != nil {
			return fmt.Errorf("send estimate_photos_nutrition: %w", err)
		}
		fmt.Fprintln(os.Stderr, "photo flow requested:", strings.Join(filenames, ", "))
	}

	source, cleanup, err := openAudioSource(ctx, opt)
	if err != nil {
		return err
	}
	if source == nil {
		return nil
	}
	defer cleanup()

	return streamAudio(ctx, conn, writeMu, sendJSON, source, opt)
}

// openAudioSource returns nil without error when no audio input was
// requested.
func openAudioSource(ctx context.Context, opt options) (io.Reader, func(), error) {
	noop := func() {}

	if path := strings.TrimSpace(opt.audioPath); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, noop, fmt.Errorf("open audio file: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	}

	if cmdline := strings.TrimSpace(opt.micCmd); cmdline != "" {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
		cmd.Stderr = os.Stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, noop, err
		}
		if err := cmd.Start(); err != nil {
			return nil, noop, fmt.Errorf("start mic command: %w", err)
		}
		cleanup := func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		return stdout, cleanup, nil
	}

	if opt.toneMS > 0 {
		pcm := sineTonePCM16LE(440, opt.sampleRate, time.Duration(opt.toneMS)*time.Millisecond, 0.3)
		return bytes.NewReader(pcm), noop, nil
	}

	return nil, noop, nil
}

// streamAudio sends speech_start, paces PCM frames at realtime, then
// sends speech_end so sessions running without server turn detection
// still commit the buffer.
func streamAudio(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, sendJSON func(any) error, source io.Reader, opt options) error {
	frameBytes := pcmFrameBytes(opt.sampleRate, opt.frameMS)
	frameDur := time.Duration(opt.frameMS) * time.Millisecond

	sendFrame := func(frame []byte) error {
		if opt.transport == audioTransportJSON {
			return sendJSON(protocol.ClientAudioChunk{
				Type:    "user_audio_chunk",
				Payload: protocol.AudioPayload{AudioB64: base64.StdEncoding.EncodeToString(frame)},
			})
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	if err := sendJSON(protocol.ClientSpeechStart{Type: "speech_start"}); err != nil {
		return fmt.Errorf("send speech_start: %w", err)
	}

	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	buf := make([]byte, frameBytes)
	var framesSent int
	var bytesSent int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := io.ReadFull(source, buf)
		if n > 0 {
			if n%2 != 0 {
				n--
			}
			if n > 0 {
				if sendErr := sendFrame(buf[:n]); sendErr != nil {
					return fmt.Errorf("send audio frame: %w", sendErr)
				}
				framesSent++
				bytesSent += int64(n)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("read audio source: %w", err)
		}
	}

	if opt.debug {
		fmt.Fprintf(os.Stderr, "[debug] audio input done frames=%d bytes=%d\n", framesSent, bytesSent)
	}
	if err := sendJSON(protocol.ClientSpeechEnd{Type: "speech_end"}); err != nil {
		return fmt.Errorf("send speech_end: %w", err)
	}
	return nil
}

func endSession(sendJSON func(any) error, serverErrCh <-chan error, sink *audioSink, debug bool) int {
	_ = sendJSON(protocol.ClientEndSession{Type: "end_session"})

	select {
	case err := <-serverErrCh:
		reportSinkStats(sink, debug)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "server loop error:", err)
			return 1
		}
		return 0
	case <-time.After(3 * time.Second):
		reportSinkStats(sink, debug)
		fmt.Fprintln(os.Stderr, "server did not close in time")
		return 1
	}
}

func reportSinkStats(sink *audioSink, debug bool) {
	chunks, total := sink.Stats()
	if chunks > 0 || debug {
		fmt.Fprintf(os.Stderr, "assistant audio received: chunks=%d bytes=%d\n", chunks, total)
	}
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func splitPhotoList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func pcmFrameBytes(sampleRateHz, frameMS int) int {
	samples := sampleRateHz * frameMS / 1000
	if samples <= 0 {
		samples = 1
	}
	return samples * 2
}

func liveWSURL(gateway string) (string, error) {
	raw := strings.TrimSpace(gateway)
	if raw == "" {
		return "", errors.New("empty gateway")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// Preserve any base path, but always route to /v1/live.
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/live"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
