package dialog

import (
	"sync"

	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/jsontime"
)

// Turn is one dialogue history record. Turns are append-only; a turn is
// never mutated once the next one begins.
type Turn struct {
	Role       gen.Role       `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []gen.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	At         jsontime.Milli `json:"at"`
}

// History is the session's dialogue record. The controller is the only
// writer; other stages read immutable snapshots.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

// Append adds one turn, stamping it if the caller did not.
func (h *History) Append(t Turn) {
	if t.At.IsZero() {
		t.At = jsontime.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

// Turns returns a copy of the record, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Messages returns the record as generation messages, oldest first.
func (h *History) Messages() []gen.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := make([]gen.Message, 0, len(h.turns))
	for _, t := range h.turns {
		msgs = append(msgs, gen.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
		})
	}
	return msgs
}

// Restore replaces the record wholesale. Used only when resuming a
// session from the cache, before the controller starts.
func (h *History) Restore(turns []Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append([]Turn(nil), turns...)
}
