// Package gen streams language model responses for dialog turns. A
// Driver submits the dialogue history and yields a lazy stream of
// chunks: text deltas and tool-call proposals, ended by a terminal
// State error.
package gen

// Role is the author of a dialogue message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) String() string { return string(r) }

// ToolCall is a proposed function invocation. Arguments is the raw
// JSON string as produced by the model; it may need repair before
// parsing.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one dialogue turn.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on an assistant turn that requested tools.
	ToolCalls []ToolCall

	// ToolCallID links a tool turn to the call it answers.
	ToolCallID string
}

// SystemMessage returns a system turn.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage returns a user turn.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns an assistant text turn.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolCallMessage returns the assistant turn recording a tool request.
func ToolCallMessage(calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// ToolResultMessage returns the tool turn carrying a call's result.
func ToolResultMessage(callID, result string) Message {
	return Message{Role: RoleTool, Content: result, ToolCallID: callID}
}

// Chunk is one streamed response fragment. Exactly one field is set.
type Chunk struct {
	// Text is a text delta.
	Text string
	// ToolCall is a complete tool-call proposal. The driver
	// accumulates provider deltas and emits the call whole.
	ToolCall *ToolCall
}
