package realtime

import "encoding/json"

// Event is one message from the realtime endpoint's stream. The set of
// implementations below is closed: every wire type the session cares
// about decodes to its own variant, and anything unrecognized arrives
// as Unknown so new upstream event types degrade to a log line instead
// of an error.
type Event interface {
	eventType() string
}

// EventType reports the wire name of an event, e.g. "response.audio.delta".
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

type SessionCreated struct {
	SessionID string
}

type SessionUpdated struct{}

type ResponseCreated struct {
	ResponseID string
}

type ResponseDone struct {
	ResponseID string
	Status     string
}

// ResponseAudioDelta carries one base64 PCM16 segment of assistant
// speech. ItemID changes when a new assistant utterance begins.
type ResponseAudioDelta struct {
	ItemID   string
	DeltaB64 string
}

type ResponseAudioDone struct {
	ItemID string
}

type ResponseAudioTranscriptDelta struct {
	ItemID string
	Delta  string
}

type ResponseAudioTranscriptDone struct {
	ItemID     string
	Transcript string
}

type ResponseTextDelta struct {
	ItemID string
	Delta  string
}

type ResponseTextDone struct {
	ItemID string
	Text   string
}

type InputAudioTranscriptionDelta struct {
	ItemID string
	Delta  string
}

type InputAudioTranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

type InputAudioBufferCommitted struct {
	ItemID string
}

type SpeechStarted struct {
	AudioStartMS int64
}

type SpeechStopped struct {
	AudioEndMS int64
}

type FunctionCallArgumentsDelta struct {
	CallID string
	Delta  string
}

// FunctionCallArgumentsDone signals a complete tool invocation request:
// the model wants the named function run with the accumulated JSON
// arguments and the result attributed to CallID.
type FunctionCallArgumentsDone struct {
	CallID        string
	Name          string
	ArgumentsJSON string
}

type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

type RateLimitsUpdated struct {
	Limits []RateLimit
}

// ServerError is a recoverable error reported inside the stream; the
// transport stays up and the session forwards the message to the user.
type ServerError struct {
	Code    string
	Message string
	Param   string
}

// Unknown preserves an unrecognized event for logging.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) eventType() string                   { return "session.created" }
func (SessionUpdated) eventType() string                   { return "session.updated" }
func (ResponseCreated) eventType() string                  { return "response.created" }
func (ResponseDone) eventType() string                     { return "response.done" }
func (ResponseAudioDelta) eventType() string               { return "response.audio.delta" }
func (ResponseAudioDone) eventType() string                { return "response.audio.done" }
func (ResponseAudioTranscriptDelta) eventType() string     { return "response.audio_transcript.delta" }
func (ResponseAudioTranscriptDone) eventType() string      { return "response.audio_transcript.done" }
func (ResponseTextDelta) eventType() string                { return "response.text.delta" }
func (ResponseTextDone) eventType() string                 { return "response.text.done" }
func (InputAudioTranscriptionDelta) eventType() string     { return "conversation.item.input_audio_transcription.delta" }
func (InputAudioTranscriptionCompleted) eventType() string { return "conversation.item.input_audio_transcription.completed" }
func (InputAudioBufferCommitted) eventType() string        { return "input_audio_buffer.committed" }
func (SpeechStarted) eventType() string                    { return "input_audio_buffer.speech_started" }
func (SpeechStopped) eventType() string                    { return "input_audio_buffer.speech_stopped" }
func (FunctionCallArgumentsDelta) eventType() string       { return "response.function_call_arguments.delta" }
func (FunctionCallArgumentsDone) eventType() string        { return "response.function_call_arguments.done" }
func (RateLimitsUpdated) eventType() string                { return "rate_limits.updated" }
func (ServerError) eventType() string                      { return "error" }
func (e Unknown) eventType() string                        { return e.Type }

// wireEvent is the superset of fields across all inbound event shapes;
// decodeEvent unmarshals once and picks by type.
type wireEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	Text         string `json:"text"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	AudioStartMS int64  `json:"audio_start_ms"`
	AudioEndMS   int64  `json:"audio_end_ms"`
	Session      *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	RateLimits []RateLimit `json:"rate_limits"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

func decodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	switch w.Type {
	case "session.created":
		ev := SessionCreated{}
		if w.Session != nil {
			ev.SessionID = w.Session.ID
		}
		return ev, nil
	case "session.updated":
		return SessionUpdated{}, nil
	case "response.created":
		ev := ResponseCreated{}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
		}
		return ev, nil
	case "response.done":
		ev := ResponseDone{}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.Status = w.Response.Status
		}
		return ev, nil
	case "response.audio.delta":
		return ResponseAudioDelta{ItemID: w.ItemID, DeltaB64: w.Delta}, nil
	case "response.audio.done":
		return ResponseAudioDone{ItemID: w.ItemID}, nil
	case "response.audio_transcript.delta":
		return ResponseAudioTranscriptDelta{ItemID: w.ItemID, Delta: w.Delta}, nil
	case "response.audio_transcript.done":
		return ResponseAudioTranscriptDone{ItemID: w.ItemID, Transcript: w.Transcript}, nil
	case "response.text.delta":
		return ResponseTextDelta{ItemID: w.ItemID, Delta: w.Delta}, nil
	case "response.text.done":
		return ResponseTextDone{ItemID: w.ItemID, Text: w.Text}, nil
	case "conversation.item.input_audio_transcription.delta":
		return InputAudioTranscriptionDelta{ItemID: w.ItemID, Delta: w.Delta}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputAudioTranscriptionCompleted{ItemID: w.ItemID, Transcript: w.Transcript}, nil
	case "input_audio_buffer.committed":
		return InputAudioBufferCommitted{ItemID: w.ItemID}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: w.AudioStartMS}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{AudioEndMS: w.AudioEndMS}, nil
	case "response.function_call_arguments.delta":
		return FunctionCallArgumentsDelta{CallID: w.CallID, Delta: w.Delta}, nil
	case "response.function_call_arguments.done":
		return FunctionCallArgumentsDone{CallID: w.CallID, Name: w.Name, ArgumentsJSON: w.Arguments}, nil
	case "rate_limits.updated":
		return RateLimitsUpdated{Limits: w.RateLimits}, nil
	case "error":
		ev := ServerError{}
		if w.Error != nil {
			ev.Code = w.Error.Code
			ev.Message = w.Error.Message
			ev.Param = w.Error.Param
		}
		return ev, nil
	default:
		return Unknown{Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
