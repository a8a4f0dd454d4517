package dialog

// State is the controller's dialog state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateThinking
	StateToolCalling
	StateSpeaking
	StateClosing
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateListening:    "listening",
	StateTranscribing: "transcribing",
	StateThinking:     "thinking",
	StateToolCalling:  "tool_calling",
	StateSpeaking:     "speaking",
	StateClosing:      "closing",
}

// String returns the lowercase state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
