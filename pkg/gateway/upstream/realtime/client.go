// Package realtime speaks the cloud endpoint's bidirectional realtime
// protocol: a WebSocket carrying JSON events both ways, plus a one-shot
// REST speech synthesis call used for the session intro.
package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultBaseURL     = "wss://api.openai.com/v1/realtime"
	DefaultHTTPBaseURL = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini-realtime-preview"
	DefaultVoice       = "alloy"

	handshakeTimeout = 10 * time.Second
)

// Dialer opens realtime conversations and synthesizes speech against
// one configured endpoint and credential.
type Dialer struct {
	APIKey      string
	Model       string
	Voice       string
	BaseURL     string
	HTTPBaseURL string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func (d *Dialer) model() string {
	if d.Model == "" {
		return DefaultModel
	}
	return d.Model
}

func (d *Dialer) voice() string {
	if d.Voice == "" {
		return DefaultVoice
	}
	return d.Voice
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dialer) httpClient() *http.Client {
	if d.HTTPClient == nil {
		return http.DefaultClient
	}
	return d.HTTPClient
}

// Dial connects and starts the read loop. ctx bounds the handshake
// only; the returned client outlives it and delivers decoded events on
// Events() until the transport dies, then closes the channel.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	base := d.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model())
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("realtime connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("realtime connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime connect: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Client{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: d.logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.readLoop()
	return c, nil
}

// Client is one live realtime conversation. All writes are serialized;
// reads happen on the internal loop only.
type Client struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("realtime read failed", "error", err)
			}
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			c.logger.Warn("undecodable realtime event", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// Events returns the inbound event stream. It closes when the
// connection is gone; everything after that is a transport failure.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done closes once the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("realtime connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// NoiseReduction configures microphone cleanup on the endpoint side.
type NoiseReduction struct {
	Type string `json:"type"`
}

// Transcription selects the model that transcribes the user's speech.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt"`
}

// TurnDetection selects upstream voice-activity handling. Threshold
// only applies to server_vad; zero leaves the endpoint default.
type TurnDetection struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold,omitempty"`
	Eagerness string  `json:"eagerness,omitempty"`
}

// SessionConfig is the session.update payload. TurnDetection carries no
// omitempty: a nil value must serialize as an explicit null, which is
// how the endpoint is told to disable its own VAD for push-to-talk.
type SessionConfig struct {
	Modalities               []string        `json:"modalities,omitempty"`
	Instructions             string          `json:"instructions,omitempty"`
	Voice                    string          `json:"voice,omitempty"`
	InputAudioNoiseReduction *NoiseReduction `json:"input_audio_noise_reduction,omitempty"`
	InputAudioTranscription  *Transcription  `json:"input_audio_transcription,omitempty"`
	TurnDetection            *TurnDetection  `json:"turn_detection"`
	Tools                    []any           `json:"tools,omitempty"`
	ToolChoice               string          `json:"tool_choice,omitempty"`
	MaxResponseOutputTokens  int             `json:"max_response_output_tokens,omitempty"`
}

func (c *Client) UpdateSession(cfg SessionConfig) error {
	return c.send(struct {
		Type    string        `json:"type"`
		Session SessionConfig `json:"session"`
	}{Type: "session.update", Session: cfg})
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

// CreateUserMessage adds a typed user turn to the conversation.
func (c *Client) CreateUserMessage(text string) error {
	return c.send(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
}

// CreateAssistantMessage adds assistant text to the conversation
// history without generating anything, e.g. the spoken intro.
func (c *Client) CreateAssistantMessage(text string) error {
	return c.send(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "assistant",
			Content: []contentPart{{Type: "text", Text: text}},
		},
	})
}

// CreateFunctionCall records a function invocation in the conversation.
// Used when the gateway ran a tool on its own initiative and wants the
// model to see the call as if it had asked for it.
func (c *Client) CreateFunctionCall(callID, name, argumentsJSON string) error {
	return c.send(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:      "function_call",
			CallID:    callID,
			Name:      name,
			Arguments: argumentsJSON,
		},
	})
}

// CreateFunctionCallOutput attaches a tool result to a pending call.
func (c *Client) CreateFunctionCallOutput(callID, outputJSON string) error {
	return c.send(itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: outputJSON,
		},
	})
}

// AppendInputAudio feeds one base64 PCM16 chunk into the endpoint's
// input buffer.
func (c *Client) AppendInputAudio(audioB64 string) error {
	return c.send(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio_buffer.append", Audio: audioB64})
}

// CommitInputAudio finalizes the buffered speech as one user turn.
func (c *Client) CommitInputAudio() error {
	return c.send(struct {
		Type string `json:"type"`
	}{Type: "input_audio_buffer.commit"})
}

// CreateResponse asks the model to generate its next turn.
func (c *Client) CreateResponse() error {
	return c.send(struct {
		Type string `json:"type"`
	}{Type: "response.create"})
}

// CancelResponse aborts the in-flight generation, if any.
func (c *Client) CancelResponse() error {
	return c.send(struct {
		Type string `json:"type"`
	}{Type: "response.cancel"})
}

// Close shuts the connection down gracefully. Safe to call more than
// once and concurrently with writes.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
