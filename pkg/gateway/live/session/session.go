// Package session runs one live voice conversation: a duplex bridge
// between the browser socket and the upstream realtime endpoint, plus
// the function-call protocol between them. One LiveSession owns one
// socket from upgrade to close.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nutrivox/nutrivox/pkg/core/audio"
	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/live/protocol"
	"github.com/nutrivox/nutrivox/pkg/gateway/metrics"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools/nutritools"
	"github.com/nutrivox/nutrivox/pkg/gateway/upstream/realtime"
)

// Turn-detection modes accepted by Config.TurnDetection. The default
// (empty or "none") is manual push-to-talk: the client's speech_end
// frame commits the input buffer and requests the response.
const (
	TurnDetectionNone        = "none"
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

const (
	defaultOutboundQueueSize  = 128
	outboundPriorityQueueSize = 16
	defaultAudioChunkDelay    = 25 * time.Millisecond
	defaultSampleRateHz       = 24000
	detachedTaskGrace         = 5 * time.Second
)

// DefaultInstructions steers the model when no custom instructions are
// configured.
const DefaultInstructions = `You are a kind, supportive and empathetic voice-first nutrition companion.

You MUST call the update_user_profile tool immediately whenever the user mentions any specific detail about their height, weight, target weight, culture, food preferences, allergies or eating habits. Do not just acknowledge the information in text; use the tool to record it.

Example: the user says "I weigh 80kg now but want to get down to 75kg", you call update_user_profile with arguments {"weight": 80, "target_weight": 75}.

You are here to help the user build lasting, healthy habits through real connection, not instructions or lectures. Be warm, curious and emotionally aware. Speak like a thoughtful friend. Always keep responses short, natural and human, like something you would say aloud.

Encourage the user to share their goals, preferences and daily routines. Use what they have said before to show you are listening, remembering and understanding.

You can help log meals from photos, track progress, suggest better options and celebrate wins. If you are not sure what they need, gently ask.

Only talk about food, nutrition, habits and wellbeing. Do not stray into other topics.

Stay light. Stay real. You are not here to impress. You are here to help.`

// DefaultIntroText is spoken and displayed when a session opens.
const DefaultIntroText = "Hey there 👋 I’m here to support you on your nutrition journey; no judgment, no lectures, just helpful ideas."

// UpstreamConn is the slice of the realtime client the session drives.
// *realtime.Client satisfies it.
type UpstreamConn interface {
	Events() <-chan realtime.Event
	UpdateSession(cfg realtime.SessionConfig) error
	CreateUserMessage(text string) error
	CreateAssistantMessage(text string) error
	CreateFunctionCall(callID, name, argumentsJSON string) error
	CreateFunctionCallOutput(callID, outputJSON string) error
	AppendInputAudio(audioB64 string) error
	CommitInputAudio() error
	CreateResponse() error
	CancelResponse() error
	Close() error
}

// SpeechSynthesizer produces the one-shot MP3 for the voice intro.
// *realtime.Dialer satisfies it.
type SpeechSynthesizer interface {
	SpeechMP3(ctx context.Context, text string) ([]byte, error)
}

type Config struct {
	// Instructions and IntroText default to the package constants; an
	// empty IntroText after trimming disables the intro entirely, so
	// callers wanting the stock greeting pass DefaultIntroText.
	Instructions  string
	IntroText     string
	TurnDetection string
	VADThreshold  float64

	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	// AudioChunkDelay paces assistant audio so the client's playback
	// queue is never flooded. SampleRateHz is the PCM16 rate the
	// upstream endpoint emits.
	AudioChunkDelay time.Duration
	SampleRateHz    int

	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int
}

type Dependencies struct {
	Conn      *websocket.Conn
	Upstream  UpstreamConn
	Speech    SpeechSynthesizer
	Registry  *tools.Registry
	Store     *profile.Store
	Encode    func(pcm []byte, sampleRate, channels int) ([]byte, error)
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	SessionID string
	UserID    string
	Config    Config
	Now       func() time.Time
}

// LiveSession owns one conversation. All socket writes go through the
// outbound writer goroutine; all upstream writes happen from the two
// pumps and from supervised detached tasks.
type LiveSession struct {
	conn      *websocket.Conn
	upstream  UpstreamConn
	speech    SpeechSynthesizer
	registry  *tools.Registry
	store     *profile.Store
	encode    func(pcm []byte, sampleRate, channels int) ([]byte, error)
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sessionID string
	userID    string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	transportOnce  sync.Once
	detached       sync.WaitGroup
	responseActive atomic.Bool

	// lastAudioItemID detects the start of a new assistant utterance;
	// only the AI pump touches it.
	lastAudioItemID string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type pumpExit struct {
	name string
	err  error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream connection is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Encode == nil {
		deps.Encode = audio.EncodePCM16ToMP3
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Config.AudioChunkDelay <= 0 {
		deps.Config.AudioChunkDelay = defaultAudioChunkDelay
	}
	if deps.Config.SampleRateHz <= 0 {
		deps.Config.SampleRateHz = defaultSampleRateHz
	}
	if strings.TrimSpace(deps.Config.Instructions) == "" {
		deps.Config.Instructions = DefaultInstructions
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		upstream:         deps.Upstream,
		speech:           deps.Speech,
		registry:         deps.Registry,
		store:            deps.Store,
		encode:           deps.Encode,
		metrics:          deps.Metrics,
		logger:           deps.Logger.With("session_id", deps.SessionID, "user_id", deps.UserID),
		sessionID:        deps.SessionID,
		userID:           deps.UserID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize)),
		outboundNormal:   make(chan []byte, deps.Config.OutboundQueueSize),
	}, nil
}

// Run drives the session until either side disconnects, an
// unrecoverable error occurs, or the client asks to end. The returned
// error is nil for a clean shutdown.
func (s *LiveSession) Run() error {
	start := s.now()
	s.metrics.RecordSessionStart()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	err := s.converse()

	s.cancel()
	s.awaitWriter(writerErrCh)
	s.closeTransports()
	s.awaitDetached()

	status := "completed"
	if err != nil {
		status = "error"
	}
	duration := s.now().Sub(start)
	s.metrics.RecordSessionEnd(status, duration)
	if err != nil {
		s.logger.Warn("live session finished", "status", status, "duration", duration, "error", err)
	} else {
		s.logger.Info("live session finished", "status", status, "duration", duration)
	}
	return err
}

func (s *LiveSession) converse() error {
	if err := s.sendPriorityJSON(protocol.ServerConnectionStatus{Type: "connection_status", Status: "connected"}); err != nil {
		return fmt.Errorf("send connection status: %w", err)
	}
	if err := s.configureUpstream(); err != nil {
		return fmt.Errorf("configure upstream session: %w", err)
	}
	s.sendVoiceIntro()

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	pumpDone := make(chan pumpExit, 2)
	go func() { pumpDone <- pumpExit{name: "client", err: s.clientPump(readCh)} }()
	go func() { pumpDone <- pumpExit{name: "ai", err: s.aiPump()} }()

	first := <-pumpDone
	if first.err != nil {
		s.logger.Warn("pump ended with error", "pump", first.name, "error", first.err)
	} else {
		s.logger.Debug("pump ended", "pump", first.name)
	}
	s.cancel()
	<-pumpDone
	return first.err
}

// Cancel asks the session to shut down; Run unwinds as if the client
// had disconnected.
func (s *LiveSession) Cancel() {
	s.cancel()
}

// Notify pushes an error frame to the client, used by the drain path to
// warn about imminent shutdown.
func (s *LiveSession) Notify(message string) error {
	return s.sendPriorityJSON(protocol.ServerError{Type: "error", Message: message})
}

// Detach schedules supervised background work tied to the session
// lifetime. Teardown waits briefly for detached tasks before returning.
func (s *LiveSession) Detach(name string, fn func(ctx context.Context)) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		s.logger.Debug("detached task started", "task", name)
		fn(s.ctx)
	}()
}

func (s *LiveSession) configureUpstream() error {
	defs := s.registry.Definitions()
	declarations := make([]any, 0, len(defs))
	for _, def := range defs {
		declarations = append(declarations, def)
	}

	return s.upstream.UpdateSession(realtime.SessionConfig{
		Modalities:               []string{"text", "audio"},
		Instructions:             s.cfg.Instructions,
		InputAudioNoiseReduction: &realtime.NoiseReduction{Type: "near_field"},
		InputAudioTranscription:  &realtime.Transcription{Model: "gpt-4o-mini-transcribe", Language: "en", Prompt: ""},
		TurnDetection:            turnDetectionFor(s.cfg.TurnDetection, s.cfg.VADThreshold),
		Tools:                    declarations,
		ToolChoice:               "auto",
		MaxResponseOutputTokens:  4096,
	})
}

// turnDetectionFor maps the configured mode to the upstream setting.
// Manual mode serializes as an explicit null: that is what disables
// detection upstream, whereas omitting the field keeps the server
// default active.
func turnDetectionFor(mode string, threshold float64) *realtime.TurnDetection {
	switch strings.TrimSpace(mode) {
	case TurnDetectionServerVAD:
		return &realtime.TurnDetection{Type: "server_vad", Threshold: threshold}
	case TurnDetectionSemanticVAD:
		return &realtime.TurnDetection{Type: "semantic_vad", Eagerness: "medium"}
	default:
		return nil
	}
}

func (s *LiveSession) manualTurns() bool {
	mode := strings.TrimSpace(s.cfg.TurnDetection)
	return mode == "" || mode == TurnDetectionNone
}

// sendVoiceIntro greets the user: one MP3 frame with the whole spoken
// intro, the same text recorded as an assistant turn upstream, and a
// text_delta/text_done pair for display. If synthesis is unavailable
// the text goes out alone, flagged so the client can tell.
func (s *LiveSession) sendVoiceIntro() {
	text := strings.TrimSpace(s.cfg.IntroText)
	if text == "" {
		return
	}

	if s.speech != nil {
		mp3Audio, err := s.speech.SpeechMP3(s.ctx, text)
		if err == nil && len(mp3Audio) > 0 {
			s.sendFrame(protocol.ServerAudioChunk{Type: "audio_chunk", Format: "mp3", AudioB64: base64.StdEncoding.EncodeToString(mp3Audio)})
			s.metrics.RecordAudio("out", len(mp3Audio))
			if err := s.upstream.CreateAssistantMessage(text); err != nil {
				s.logger.Warn("intro not recorded in conversation history", "error", err)
			}
			s.sendFrame(protocol.ServerTextDelta{Type: "text_delta", Content: text})
			s.sendFrame(protocol.ServerTextDone{Type: "text_done"})
			return
		}
		if err != nil {
			s.logger.Warn("voice intro synthesis failed", "error", err)
		}
	}

	s.sendFrame(protocol.ServerTextDelta{Type: "text_delta", Content: text + " (Audio intro failed)"})
	s.sendFrame(protocol.ServerTextDone{Type: "text_done"})
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) clientPump(frames <-chan inboundFrame) error {
	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("client read: %w", frame.err)
			}
			switch frame.messageType {
			case websocket.BinaryMessage:
				if err := s.forwardAudio(base64.StdEncoding.EncodeToString(frame.data), len(frame.data), limiter); err != nil {
					return err
				}
			case websocket.TextMessage:
				stop, err := s.handleClientMessage(frame.data, limiter)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			default:
				s.logger.Debug("ignoring socket message", "message_type", frame.messageType)
			}
		}
	}
}

func (s *LiveSession) handleClientMessage(data []byte, limiter *inboundAudioLimiter) (stop bool, err error) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed client frame", "error", err)
		s.metrics.RecordFrameDropped("decode")
		return false, nil
	}

	switch m := msg.(type) {
	case protocol.ClientTextMessage:
		if err := s.upstream.CreateUserMessage(m.Payload.Text); err != nil {
			return false, fmt.Errorf("create user message: %w", err)
		}
		if err := s.upstream.CreateResponse(); err != nil {
			return false, fmt.Errorf("request response: %w", err)
		}
	case protocol.ClientAudioChunk:
		byteLen := base64.StdEncoding.DecodedLen(len(m.Payload.AudioB64))
		if err := s.forwardAudio(m.Payload.AudioB64, byteLen, limiter); err != nil {
			return false, err
		}
	case protocol.ClientSpeechStart:
		// Push-to-talk barge-in: a fresh capture while the assistant is
		// still responding cancels that response.
		if s.responseActive.Load() {
			if err := s.upstream.CancelResponse(); err != nil {
				return false, fmt.Errorf("cancel response: %w", err)
			}
			s.logger.Debug("speech start interrupted active response")
		}
	case protocol.ClientSpeechEnd:
		if !s.manualTurns() {
			s.logger.Debug("speech_end ignored: upstream turn detection active")
			return false, nil
		}
		if err := s.upstream.CommitInputAudio(); err != nil {
			return false, fmt.Errorf("commit input audio: %w", err)
		}
		if err := s.upstream.CreateResponse(); err != nil {
			return false, fmt.Errorf("request response: %w", err)
		}
	case protocol.ClientPhotoUpload:
		s.spawnPhotoEstimate(m.Payload.Filenames)
	case protocol.ClientEndSession:
		s.logger.Info("client requested session end")
		return true, nil
	}
	return false, nil
}

func (s *LiveSession) forwardAudio(audioB64 string, byteLen int, limiter *inboundAudioLimiter) error {
	if !limiter.Allow(byteLen) {
		s.metrics.RecordFrameDropped("rate_limit")
		s.logger.Debug("inbound audio dropped by limiter", "bytes", byteLen)
		return nil
	}
	if err := s.upstream.AppendInputAudio(audioB64); err != nil {
		return fmt.Errorf("append input audio: %w", err)
	}
	s.metrics.RecordAudio("in", byteLen)
	return nil
}

func (s *LiveSession) aiPump() error {
	events := s.upstream.Events()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("upstream event stream ended")
			}
			s.metrics.RecordUpstreamEvent(realtime.EventType(ev))
			if err := s.handleUpstreamEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (s *LiveSession) handleUpstreamEvent(ev realtime.Event) error {
	switch e := ev.(type) {
	case realtime.ResponseAudioDelta:
		s.relayAudioDelta(e)
	case realtime.ResponseAudioTranscriptDelta:
		s.sendFrame(protocol.ServerTextDelta{Type: "text_delta", Content: e.Delta})
	case realtime.ResponseTextDelta:
		s.sendFrame(protocol.ServerTextDelta{Type: "text_delta", Content: e.Delta})
	case realtime.ResponseAudioTranscriptDone:
		s.sendFrame(protocol.ServerTextDone{Type: "text_done"})
	case realtime.ResponseTextDone:
		s.sendFrame(protocol.ServerTextDone{Type: "text_done"})
	case realtime.InputAudioTranscriptionDelta:
		s.sendFrame(protocol.ServerInputTranscriptDelta{Type: "input_audio_transcript_delta", Content: e.Delta})
	case realtime.InputAudioTranscriptionCompleted:
		s.sendFrame(protocol.ServerInputTranscriptDone{Type: "input_audio_transcript_done"})
	case realtime.InputAudioBufferCommitted:
		s.sendFrame(protocol.ServerInputCommitted{Type: "input_audio_buffer_committed"})
	case realtime.FunctionCallArgumentsDone:
		return s.dispatchToolCall(e)
	case realtime.FunctionCallArgumentsDelta:
		// Arguments accumulate upstream; only the done event matters here.
	case realtime.ResponseCreated:
		s.responseActive.Store(true)
		s.logger.Debug("response started", "response_id", e.ResponseID)
	case realtime.ResponseDone:
		s.responseActive.Store(false)
		s.logger.Debug("response finished", "response_id", e.ResponseID, "response_status", e.Status)
	case realtime.RateLimitsUpdated:
		for _, limit := range e.Limits {
			s.logger.Debug("upstream rate limit", "limit_name", limit.Name, "limit", limit.Limit, "remaining", limit.Remaining, "reset_seconds", limit.ResetSeconds)
		}
	case realtime.ServerError:
		s.logger.Warn("upstream error event", "code", e.Code, "upstream_message", e.Message, "param", e.Param)
		s.sendPriorityFrame(protocol.ServerError{Type: "error", Message: "API error: " + upstreamErrorMessage(e)})
	case realtime.SessionCreated:
		s.logger.Info("upstream session created", "upstream_session_id", e.SessionID)
	case realtime.SessionUpdated:
		s.logger.Debug("upstream session updated")
	case realtime.SpeechStarted:
		s.logger.Debug("upstream detected speech start", "audio_start_ms", e.AudioStartMS)
	case realtime.SpeechStopped:
		s.logger.Debug("upstream detected speech stop", "audio_end_ms", e.AudioEndMS)
	case realtime.ResponseAudioDone:
		s.logger.Debug("assistant audio finished", "item_id", e.ItemID)
	case realtime.Unknown:
		s.logger.Debug("ignoring upstream event", "event_type", e.Type)
	}
	return nil
}

func upstreamErrorMessage(e realtime.ServerError) string {
	if strings.TrimSpace(e.Message) == "" {
		return "Unknown error"
	}
	return e.Message
}

// relayAudioDelta transcodes one PCM16 delta to MP3 and queues it for
// the client. Decode and encode failures drop the single chunk and the
// stream continues.
func (s *LiveSession) relayAudioDelta(e realtime.ResponseAudioDelta) {
	if e.ItemID != "" && e.ItemID != s.lastAudioItemID {
		s.lastAudioItemID = e.ItemID
		s.logger.Debug("assistant utterance started", "item_id", e.ItemID)
	}

	pcm, err := base64.StdEncoding.DecodeString(e.DeltaB64)
	if err != nil {
		s.logger.Warn("dropping undecodable audio delta", "error", err)
		s.metrics.RecordFrameDropped("decode")
		return
	}
	mp3Data, err := s.encode(pcm, s.cfg.SampleRateHz, 1)
	if err != nil {
		s.logger.Warn("dropping audio delta after encode failure", "error", err)
		s.metrics.RecordFrameDropped("encode")
		return
	}
	if len(mp3Data) == 0 {
		return
	}

	s.sendFrame(protocol.ServerAudioChunk{Type: "audio_chunk", Format: "mp3", AudioB64: base64.StdEncoding.EncodeToString(mp3Data)})
	s.metrics.RecordAudio("out", len(mp3Data))

	if s.cfg.AudioChunkDelay > 0 {
		timer := time.NewTimer(s.cfg.AudioChunkDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
		}
	}
}

// dispatchToolCall runs the requested function and always delivers a
// result back upstream: validation problems, unknown names and handler
// failures all come back as structured error results so the model's
// turn is never left hanging.
func (s *LiveSession) dispatchToolCall(e realtime.FunctionCallArgumentsDone) error {
	started := s.now()
	baseName := strings.TrimRight(strings.TrimSpace(e.Name), "()")
	s.logger.Info("dispatching function call", "function", baseName, "call_id", e.CallID)

	var result map[string]any
	args, err := decodeToolArgs(e.ArgumentsJSON)
	if err != nil {
		s.logger.Warn("function call arguments unreadable", "function", baseName, "error", err)
		result = tools.ErrorResult(fmt.Sprintf("Error executing function call '%s': %s", e.Name, err))
	} else {
		result = s.registry.Execute(s.ctx, baseName, args)
	}

	s.metrics.RecordToolCall(baseName, resultStatus(result), s.now().Sub(started))

	if err := s.sendToolResult(e.CallID, result); err != nil {
		return err
	}
	s.pushToolSideEffects(baseName, result)
	return nil
}

func (s *LiveSession) sendToolResult(callID string, result map[string]any) error {
	output, err := json.Marshal(result)
	if err != nil {
		output, _ = json.Marshal(tools.ErrorResult("result serialization failed"))
	}
	if err := s.upstream.CreateFunctionCallOutput(callID, string(output)); err != nil {
		return fmt.Errorf("send function call output: %w", err)
	}
	if err := s.upstream.CreateResponse(); err != nil {
		return fmt.Errorf("request response after function call: %w", err)
	}
	return nil
}

// pushToolSideEffects refreshes the client's view after a dispatch:
// mutating tools push the profile projection, tracking tools the daily
// rollup, and the takeaway tool its prepared recommendations.
func (s *LiveSession) pushToolSideEffects(name string, result map[string]any) {
	if nutritools.PushesProfile(name) {
		s.pushProfileUpdate()
	}
	if nutritools.PushesTracking(name) {
		s.pushTrackingUpdate()
	}
	if name == nutritools.ToolRecommendTakeaway {
		if recommendations, ok := result["recommendations"].([]any); ok {
			s.sendPriorityFrame(protocol.ServerTakeawayRecommendation{
				Type:    "takeaway_recommendation",
				Payload: protocol.TakeawayPayload{Recommendations: recommendations},
			})
		}
	}
}

func (s *LiveSession) pushProfileUpdate() {
	doc, err := s.store.LoadProfile(s.userID)
	if err != nil {
		s.logger.Warn("profile push skipped", "error", err)
		return
	}
	s.sendPriorityFrame(protocol.ServerProfileUpdate{Type: "profile_update", Data: profile.DisplayProfile(doc)})
}

func (s *LiveSession) pushTrackingUpdate() {
	doc, err := s.store.LoadProfile(s.userID)
	if err != nil {
		s.logger.Warn("tracking push skipped", "error", err)
		return
	}
	if doc.DailyTrackingSummary == nil {
		return
	}
	data, err := asJSONMap(doc.DailyTrackingSummary)
	if err != nil {
		s.logger.Warn("tracking push skipped", "error", err)
		return
	}
	s.sendPriorityFrame(protocol.ServerTrackingUpdate{Type: "nutrition_tracking_update", Data: data})
}

// spawnPhotoEstimate runs the meal-photo logger on the client's behalf,
// then synthesizes the matching function-call/result pair into the
// upstream conversation so the model can comment on the logged meals.
func (s *LiveSession) spawnPhotoEstimate(filenames []string) {
	s.Detach("photo_estimate", func(ctx context.Context) {
		args := map[string]any{"photo_filenames": filenames}
		argsJSON, err := json.Marshal(args)
		if err != nil {
			s.logger.Warn("photo estimate skipped", "error", err)
			return
		}

		result := s.registry.ExecuteInternal(ctx, nutritools.ToolLogMealPhotos, args)
		output, err := json.Marshal(result)
		if err != nil {
			s.logger.Warn("photo estimate result unserializable", "error", err)
			return
		}

		callID := "call_" + uuid.NewString()
		if err := s.upstream.CreateFunctionCall(callID, nutritools.ToolLogMealPhotos, string(argsJSON)); err != nil {
			s.logger.Warn("photo estimate call not recorded", "error", err)
			return
		}
		if err := s.upstream.CreateFunctionCallOutput(callID, string(output)); err != nil {
			s.logger.Warn("photo estimate result not delivered", "error", err)
			return
		}
		if err := s.upstream.CreateResponse(); err != nil {
			s.logger.Warn("photo estimate response not requested", "error", err)
			return
		}
		s.pushToolSideEffects(nutritools.ToolLogMealPhotos, result)
	})
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.outboundNormal <- payload:
		return nil
	default:
		return errBackpressure
	}
}

// sendPriorityJSON drops the oldest queued priority frames rather than
// the new one when the queue is full.
func (s *LiveSession) sendPriorityJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- payload:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) sendFrame(v any) {
	if err := s.sendJSON(v); err != nil {
		if errors.Is(err, errBackpressure) {
			s.metrics.RecordFrameDropped("backpressure")
			s.logger.Warn("outbound frame dropped under backpressure")
			return
		}
		s.logger.Warn("outbound frame not sent", "error", err)
	}
}

func (s *LiveSession) sendPriorityFrame(v any) {
	if err := s.sendPriorityJSON(v); err != nil {
		s.logger.Warn("priority frame not sent", "error", err)
	}
}

func (s *LiveSession) awaitWriter(writerErrCh <-chan error) {
	wait := 200 * time.Millisecond
	if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
}

func (s *LiveSession) closeTransports() {
	s.transportOnce.Do(func() {
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("upstream close", "error", err)
		}
		_ = s.conn.Close()
	})
}

func (s *LiveSession) awaitDetached() {
	done := make(chan struct{})
	go func() {
		s.detached.Wait()
		close(done)
	}()
	timer := time.NewTimer(detachedTaskGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("detached tasks still running at session teardown")
	}
}

func decodeToolArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments JSON: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func resultStatus(result map[string]any) string {
	if status, ok := result["status"].(string); ok && status == "error" {
		return "error"
	}
	return "success"
}

func asJSONMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
