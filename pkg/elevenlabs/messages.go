package elevenlabs

import "encoding/json"

// Server event types emitted on the conversational WebSocket.
const (
	EventConversationInitiationMetadata = "conversation_initiation_metadata"
	EventAudio                          = "audio"
	EventInterruption                   = "interruption"
	EventPing                           = "ping"
	EventUserTranscript                 = "user_transcript"
	EventAgentResponse                  = "agent_response"
)

// ServerEvent is a single frame received from the conversational WebSocket.
// ElevenLabs nests event payloads under per-type keys.
type ServerEvent struct {
	Type string `json:"type"`

	AudioEvent         *AudioEvent         `json:"audio_event,omitempty"`
	PingEvent          *PingEvent          `json:"ping_event,omitempty"`
	UserTranscription  *UserTranscription  `json:"user_transcription_event,omitempty"`
	AgentResponseEvent *AgentResponseEvent `json:"agent_response_event,omitempty"`
}

// AudioEvent carries a chunk of synthesized agent audio.
type AudioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

// PingEvent is a keepalive probe; each carries its own event id. The id is
// kept raw so the pong echoes it exactly whether numeric or string.
type PingEvent struct {
	EventID json.RawMessage `json:"event_id"`
	PingMs  int             `json:"ping_ms,omitempty"`
}

// UserTranscription carries the recognized caller speech.
type UserTranscription struct {
	Transcript string `json:"user_transcript"`
}

// AgentResponseEvent carries the agent's textual response.
type AgentResponseEvent struct {
	Response string `json:"agent_response"`
}

// InitClientData configures the conversation at session start.
// Only populated fields are serialized.
type InitClientData struct {
	Script  string `json:"script,omitempty"`
	Persona string `json:"persona,omitempty"`
	Context string `json:"context,omitempty"`
}

// Empty reports whether no override fields are set.
func (d InitClientData) Empty() bool {
	return d.Script == "" && d.Persona == "" && d.Context == ""
}

// MarshalInitFrame builds the conversation_initiation_client_data frame.
func MarshalInitFrame(d InitClientData) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":                                "conversation_initiation_client_data",
		"conversation_initiation_client_data": d,
	})
}

// MarshalUserAudioChunk builds the flat user_audio_chunk frame. The payload
// is forwarded as an opaque base64 string.
func MarshalUserAudioChunk(payload string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"user_audio_chunk": payload,
	})
}

// MarshalPong builds the pong reply for a ping event id.
func MarshalPong(eventID json.RawMessage) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":     "pong",
		"event_id": eventID,
	})
}
