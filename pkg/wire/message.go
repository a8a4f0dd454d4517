package wire

import (
	"encoding/json"
	"fmt"
)

// Control message types.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeTTS    = "tts"
	TypeSTT    = "stt"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeServer = "server"
)

// Listen states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// Listen modes.
const (
	ModeAuto     = "auto"
	ModeManual   = "manual"
	ModeRealtime = "realtime"
)

// TTS states (outbound).
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSSentenceEnd   = "sentence_end"
	TTSStop          = "stop"
)

// ControlMessage is the envelope for every JSON text frame. Type is
// always present; the remaining fields are populated per type.
type ControlMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// hello
	Version     int          `json:"version,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	ServerVer   string       `json:"server_version,omitempty"`

	// listen
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`

	// tts / stt
	Text string `json:"text,omitempty"`

	// iot
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	Commands    json.RawMessage `json:"commands,omitempty"`

	// mcp
	Payload json.RawMessage `json:"payload,omitempty"`

	// server
	Action string `json:"action,omitempty"`
}

// AudioParams carries the negotiated codec and sample rate.
type AudioParams struct {
	Format        string `json:"format"` // "opus", "pcm", "wav"
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"` // milliseconds
}

// ParseControl decodes a JSON control message. A missing type is a
// protocol violation.
func ParseControl(b []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("wire: malformed control message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("wire: control message missing type")
	}
	return &msg, nil
}

// Marshal serializes the message for the wire.
func (m *ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
