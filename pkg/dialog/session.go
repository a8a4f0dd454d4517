package dialog

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
)

// Session is the per-connection dialog state: identity, negotiated
// audio formats, and the dialogue record.
type Session struct {
	ID string

	// Input and Output are the negotiated PCM formats on each side of
	// the codec.
	Input  pcm.Format
	Output pcm.Format

	History *History

	utterances atomic.Uint64
	responses  atomic.Uint64
}

// NewSession creates a session with a fresh id.
func NewSession(input, output pcm.Format) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Input:   input,
		Output:  output,
		History: &History{},
	}
}

// NextUtteranceID allocates the next utterance id. Ids are unique
// within the session and ordered by allocation.
func (s *Session) NextUtteranceID() string {
	return fmt.Sprintf("%s-u%d", s.ID[:8], s.utterances.Add(1))
}

// NextResponseID allocates the next response id.
func (s *Session) NextResponseID() string {
	return fmt.Sprintf("%s-r%d", s.ID[:8], s.responses.Add(1))
}
