// Package protocol defines the JSON frames exchanged with the browser
// client over the live socket. Binary socket messages carry raw PCM16
// microphone audio and never reach this package; every text message is
// one of the envelopes below, dispatched on its "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// TextPayload carries a typed chat message from the client.
type TextPayload struct {
	Text string `json:"text"`
}

type ClientTextMessage struct {
	Type    string      `json:"type"`
	Payload TextPayload `json:"payload"`
}

// AudioPayload carries one already-base64-encoded PCM16 chunk for
// clients that cannot send binary frames.
type AudioPayload struct {
	AudioB64 string `json:"audio"`
}

type ClientAudioChunk struct {
	Type    string       `json:"type"`
	Payload AudioPayload `json:"payload"`
}

// ClientSpeechStart marks the beginning of a push-to-talk capture. The
// session logs it; turn handling keys off speech_end.
type ClientSpeechStart struct {
	Type string `json:"type"`
}

// ClientSpeechEnd asks the session to commit the buffered microphone
// audio and request a response when manual turn detection is active.
type ClientSpeechEnd struct {
	Type string `json:"type"`
}

// PhotoPayload names the meal photos the client finished uploading.
type PhotoPayload struct {
	Filenames []string `json:"filenames"`
}

type ClientPhotoUpload struct {
	Type    string       `json:"type"`
	Payload PhotoPayload `json:"payload"`
}

// ClientEndSession asks for a clean shutdown of the live session.
type ClientEndSession struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one text frame into its typed form. The
// error is always a *DecodeError; callers log and drop bad frames
// rather than ending the session.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "user_text_message":
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_text_message", "")
		}
		if strings.TrimSpace(msg.Payload.Text) == "" {
			return nil, badRequest("user_text_message.payload.text is required", "payload.text")
		}
		return msg, nil
	case "user_audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_audio_chunk", "")
		}
		if strings.TrimSpace(msg.Payload.AudioB64) == "" {
			return nil, badRequest("user_audio_chunk.payload.audio is required", "payload.audio")
		}
		return msg, nil
	case "speech_start":
		var msg ClientSpeechStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech_start", "")
		}
		return msg, nil
	case "speech_end":
		var msg ClientSpeechEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech_end", "")
		}
		return msg, nil
	case "estimate_photos_nutrition":
		var msg ClientPhotoUpload
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid estimate_photos_nutrition", "")
		}
		if len(msg.Payload.Filenames) == 0 {
			return nil, badRequest("estimate_photos_nutrition.payload.filenames is required", "payload.filenames")
		}
		for i, name := range msg.Payload.Filenames {
			trimmed := strings.TrimSpace(name)
			if trimmed == "" {
				return nil, badRequest("estimate_photos_nutrition.payload.filenames entries must be non-empty", fmt.Sprintf("payload.filenames[%d]", i))
			}
			msg.Payload.Filenames[i] = trimmed
		}
		return msg, nil
	case "end_session":
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// ServerConnectionStatus is the first frame of every session.
type ServerConnectionStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// ServerAudioChunk carries one self-contained MP3 segment of assistant
// speech. Format is always "mp3"; each chunk decodes independently so
// the client can start playback before the utterance finishes.
type ServerAudioChunk struct {
	Type     string `json:"type"`
	Format   string `json:"format"`
	AudioB64 string `json:"audio"`
}

type ServerTextDelta struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ServerTextDone struct {
	Type string `json:"type"`
}

type ServerInputTranscriptDelta struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type ServerInputTranscriptDone struct {
	Type string `json:"type"`
}

// ServerInputCommitted tells the client its buffered speech was accepted
// upstream, so it can close out the in-progress transcript bubble.
type ServerInputCommitted struct {
	Type string `json:"type"`
}

// ServerProfileUpdate pushes the display-ready profile projection.
type ServerProfileUpdate struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ServerTrackingUpdate pushes the daily tracking rollup.
type ServerTrackingUpdate struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TakeawayPayload lists the prepared takeaway recommendations for the
// client UI.
type TakeawayPayload struct {
	Recommendations []any `json:"recommendations"`
}

type ServerTakeawayRecommendation struct {
	Type    string          `json:"type"`
	Payload TakeawayPayload `json:"payload"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
