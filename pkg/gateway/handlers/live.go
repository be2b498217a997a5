package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nutrivox/nutrivox/pkg/core/mail"
	"github.com/nutrivox/nutrivox/pkg/core/profile"
	"github.com/nutrivox/nutrivox/pkg/gateway/config"
	"github.com/nutrivox/nutrivox/pkg/gateway/lifecycle"
	"github.com/nutrivox/nutrivox/pkg/gateway/live/protocol"
	"github.com/nutrivox/nutrivox/pkg/gateway/live/session"
	"github.com/nutrivox/nutrivox/pkg/gateway/live/sessions"
	"github.com/nutrivox/nutrivox/pkg/gateway/metrics"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools"
	"github.com/nutrivox/nutrivox/pkg/gateway/tools/nutritools"
	"github.com/nutrivox/nutrivox/pkg/gateway/upstream/realtime"
)

// UpstreamDialFunc opens the realtime conversation for one session.
type UpstreamDialFunc func(ctx context.Context) (session.UpstreamConn, error)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Dialer       *realtime.Dialer
	Store        *profile.Store
	Mailer       *mail.Sender
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker

	// DialUpstream and Speech override the OpenAI-backed defaults in tests.
	DialUpstream UpstreamDialFunc
	Speech       session.SpeechSynthesizer
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, r, "gateway is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, r, "origin is not allowed", http.StatusForbidden)
		return
	}
	if h.Store == nil {
		writeJSONError(w, r, "profile storage is not configured", http.StatusInternalServerError)
		return
	}

	// The allowlist was already consulted above; the upgrader must not
	// second-guess it.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := "s_" + randHex(8)
	reqID := requestIDFromContext(r.Context())
	logger := h.logger()

	userID := strings.TrimSpace(h.Config.DemoUserID)
	if userID == "" {
		userID = "demo-user"
	}
	if err := h.Store.SeedFromTemplate(userID); err != nil {
		logger.Error("profile seed failed", "session_id", sessionID, "user_id", userID, "error", err)
		h.failWS(conn, "profile storage is unavailable")
		return
	}

	dialCtx, cancelDial := context.WithTimeout(r.Context(), h.handshakeTimeout())
	upstream, err := h.dialUpstream(dialCtx)
	cancelDial()
	if err != nil {
		logger.Error("realtime connect failed", "session_id", sessionID, "request_id", reqID, "error", err)
		h.failWS(conn, "failed to reach the assistant endpoint")
		return
	}

	toolDeps := nutritools.Deps{
		Store:  h.Store,
		UserID: userID,
		Mailer: h.Mailer,
		Logger: logger,
	}
	// Executors are built before the session that supervises their
	// detached work exists; route through an indirection assigned below.
	var detach func(name string, fn func(ctx context.Context))
	toolDeps.Detach = func(name string, fn func(ctx context.Context)) { detach(name, fn) }

	registry := tools.NewRegistry(nutritools.Executors(toolDeps)...)
	registry.RegisterInternal(nutritools.InternalExecutors(toolDeps)...)

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Upstream:  upstream,
		Speech:    h.speech(),
		Registry:  registry,
		Store:     h.Store,
		Metrics:   h.Metrics,
		Logger:    logger,
		SessionID: sessionID,
		UserID:    userID,
		Config: session.Config{
			Instructions:           h.Config.Instructions,
			IntroText:              h.introText(),
			TurnDetection:          h.Config.TurnDetection,
			VADThreshold:           h.Config.VADThreshold,
			MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
			MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
			AudioChunkDelay:        h.Config.LiveAudioChunkDelay,
			SampleRateHz:           h.Config.LiveSampleRateHz,
			PingInterval:           h.Config.LiveWSPingInterval,
			WriteTimeout:           h.Config.LiveWSWriteTimeout,
			ReadTimeout:            h.Config.LiveWSReadTimeout,
			OutboundQueueSize:      h.Config.LiveOutboundQueueSize,
		},
	})
	if err != nil {
		_ = upstream.Close()
		logger.Error("live session init failed", "session_id", sessionID, "request_id", reqID, "error", err)
		h.failWS(conn, "failed to initialize live session")
		return
	}
	detach = s.Detach

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, sessions.Handle{
			Cancel: s.Cancel,
			Notify: s.Notify,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) dialUpstream(ctx context.Context) (session.UpstreamConn, error) {
	if h.DialUpstream != nil {
		return h.DialUpstream(ctx)
	}
	if h.Dialer == nil {
		return nil, fmt.Errorf("no upstream dialer configured")
	}
	c, err := h.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (h LiveHandler) speech() session.SpeechSynthesizer {
	if h.Speech != nil {
		return h.Speech
	}
	if h.Dialer != nil {
		return h.Dialer
	}
	return nil
}

func (h LiveHandler) introText() string {
	if !h.Config.IntroEnabled {
		return ""
	}
	if text := strings.TrimSpace(h.Config.IntroText); text != "" {
		return h.Config.IntroText
	}
	return session.DefaultIntroText
}

func (h LiveHandler) handshakeTimeout() time.Duration {
	if h.Config.HandshakeTimeout > 0 {
		return h.Config.HandshakeTimeout
	}
	return 10 * time.Second
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) failWS(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Message: message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message), time.Now().Add(2*time.Second))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
