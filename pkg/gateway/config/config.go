package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nutrivox/nutrivox/pkg/gateway/upstream/realtime"
)

// Turn-detection modes accepted by NUTRIVOX_TURN_DETECTION.
const (
	TurnDetectionNone        = "none"
	TurnDetectionServerVAD   = "server_vad"
	TurnDetectionSemanticVAD = "semantic_vad"
)

type Config struct {
	Addr string

	// Upstream realtime endpoint.
	OpenAIAPIKey     string
	RealtimeURL      string
	RealtimeHTTPURL  string
	RealtimeModel    string
	Voice            string
	HandshakeTimeout time.Duration

	// Conversation behavior. Instructions empty means the built-in
	// system prompt; IntroEnabled=false suppresses the spoken greeting.
	Instructions  string
	IntroEnabled  bool
	IntroText     string
	TurnDetection string
	VADThreshold  float64

	// Profile storage root and the user whose profile is re-seeded from
	// the template at session start.
	DataDir    string
	DemoUserID string

	// SMTP relay for the email tool; empty host disables delivery.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket mode (/v1/live).
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveOutboundQueueSize      int
	LiveAudioChunkDelay        time.Duration
	LiveSampleRateHz           int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("NUTRIVOX_ADDR", ":8080"),
		OpenAIAPIKey:               strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeURL:                envOr("NUTRIVOX_REALTIME_URL", realtime.DefaultBaseURL),
		RealtimeHTTPURL:            envOr("NUTRIVOX_REALTIME_HTTP_URL", realtime.DefaultHTTPBaseURL),
		RealtimeModel:              envOr("NUTRIVOX_REALTIME_MODEL", realtime.DefaultModel),
		Voice:                      envOr("NUTRIVOX_VOICE", realtime.DefaultVoice),
		HandshakeTimeout:           envDurationOr("NUTRIVOX_HANDSHAKE_TIMEOUT", 10*time.Second),
		Instructions:               strings.TrimSpace(os.Getenv("NUTRIVOX_INSTRUCTIONS")),
		IntroEnabled:               envBoolOr("NUTRIVOX_INTRO_ENABLED", true),
		IntroText:                  strings.TrimSpace(os.Getenv("NUTRIVOX_INTRO_TEXT")),
		TurnDetection:              envOr("NUTRIVOX_TURN_DETECTION", TurnDetectionNone),
		VADThreshold:               envFloat64Or("NUTRIVOX_VAD_THRESHOLD", 0.5),
		DataDir:                    envOr("NUTRIVOX_DATA_DIR", "data"),
		DemoUserID:                 envOr("NUTRIVOX_DEMO_USER_ID", "demo-user"),
		SMTPHost:                   strings.TrimSpace(os.Getenv("NUTRIVOX_SMTP_HOST")),
		SMTPPort:                   envIntOr("NUTRIVOX_SMTP_PORT", 587),
		SMTPUsername:               strings.TrimSpace(os.Getenv("NUTRIVOX_SMTP_USERNAME")),
		SMTPPassword:               os.Getenv("NUTRIVOX_SMTP_PASSWORD"),
		SMTPFrom:                   strings.TrimSpace(os.Getenv("NUTRIVOX_SMTP_FROM")),
		CORSAllowedOrigins:         make(map[string]struct{}),
		LiveMaxJSONMessageBytes:    envInt64Or("NUTRIVOX_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("NUTRIVOX_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("NUTRIVOX_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("NUTRIVOX_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveOutboundQueueSize:      envIntOr("NUTRIVOX_LIVE_OUTBOUND_QUEUE", 128),
		LiveAudioChunkDelay:        envDurationOr("NUTRIVOX_LIVE_AUDIO_CHUNK_DELAY", 25*time.Millisecond),
		LiveSampleRateHz:           envIntOr("NUTRIVOX_LIVE_SAMPLE_RATE_HZ", 24000),
		LiveWSPingInterval:         envDurationOr("NUTRIVOX_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("NUTRIVOX_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("NUTRIVOX_LIVE_WS_READ_TIMEOUT", 0),
		ReadHeaderTimeout:          envDurationOr("NUTRIVOX_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("NUTRIVOX_SHUTDOWN_GRACE", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("NUTRIVOX_CORS_ALLOWED_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeHTTPURL) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_REALTIME_HTTP_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_REALTIME_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_VOICE must not be empty")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_HANDSHAKE_TIMEOUT must be > 0")
	}

	switch cfg.TurnDetection {
	case TurnDetectionNone, TurnDetectionServerVAD, TurnDetectionSemanticVAD:
	default:
		return Config{}, fmt.Errorf("NUTRIVOX_TURN_DETECTION must be one of none|server_vad|semantic_vad")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("NUTRIVOX_VAD_THRESHOLD must be between 0 and 1")
	}

	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_DATA_DIR must not be empty")
	}
	if strings.TrimSpace(cfg.DemoUserID) == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_DEMO_USER_ID must not be empty")
	}

	if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
		return Config{}, fmt.Errorf("NUTRIVOX_SMTP_PORT must be in 1..65535")
	}
	if cfg.SMTPHost != "" && cfg.SMTPUsername == "" {
		return Config{}, fmt.Errorf("NUTRIVOX_SMTP_USERNAME must be set when NUTRIVOX_SMTP_HOST is set")
	}

	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveAudioChunkDelay < 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_AUDIO_CHUNK_DELAY must be >= 0")
	}
	if cfg.LiveSampleRateHz <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_SAMPLE_RATE_HZ must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_LIVE_WS_READ_TIMEOUT must be >= 0")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("NUTRIVOX_SHUTDOWN_GRACE must be > 0")
	}

	return cfg, nil
}

// MailConfigured reports whether the SMTP block is complete enough to
// build a sender.
func (c Config) MailConfigured() bool {
	return c.SMTPHost != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
