package twilio

import "encoding/json"

// Media Streams events received from Twilio on the media WebSocket.
const (
	StreamEventStart = "start"
	StreamEventMedia = "media"
	StreamEventStop  = "stop"
)

// StreamFrame is a single inbound frame on the media WebSocket.
type StreamFrame struct {
	Event string      `json:"event"`
	Start *StartFrame `json:"start,omitempty"`
	Media *MediaFrame `json:"media,omitempty"`
}

// StartFrame announces the stream; its SID must tag every outbound frame.
type StartFrame struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid,omitempty"`
}

// MediaFrame carries a base64 audio chunk in the stream codec (mu-law 8kHz).
type MediaFrame struct {
	Payload string `json:"payload"`
}

// MarshalMedia builds an outbound media frame tagged with the stream SID.
func MarshalMedia(streamSid, payload string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media":     map[string]string{"payload": payload},
	})
}

// MarshalClear builds the clear frame that discards queued playback.
func MarshalClear(streamSid string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"event":     "clear",
		"streamSid": streamSid,
	})
}
