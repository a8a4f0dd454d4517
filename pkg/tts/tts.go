// Package tts turns response text into outbound audio. A Synthesizer
// speaks one sentence at a time; the Stream aggregates streaming text
// deltas into sentences, synthesizes them in order, and emits tagged
// frames into the session's outbound queue.
package tts

import (
	"context"
	"fmt"
	"io"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/registry"
)

// Audio is the synthesized result for one sentence. R yields raw
// little-endian 16-bit PCM in Format and must be closed by the caller.
type Audio struct {
	Format pcm.Format
	R      io.ReadCloser
}

// Synthesizer speaks a single sentence. The model name is the
// registered name, e.g. "openai/gpt-4o-mini-tts".
type Synthesizer interface {
	Speak(ctx context.Context, model, text string) (*Audio, error)
}

// SpeakFunc adapts a function to the Synthesizer interface.
type SpeakFunc func(ctx context.Context, model, text string) (*Audio, error)

// Speak calls the underlying function.
func (f SpeakFunc) Speak(ctx context.Context, model, text string) (*Audio, error) {
	return f(ctx, model, text)
}

// Mux routes Speak calls to the Synthesizer registered for the name.
type Mux struct {
	reg *registry.Registry[Synthesizer]
}

var _ Synthesizer = (*Mux)(nil)

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{reg: registry.New[Synthesizer]()}
}

// Handle registers a Synthesizer for the given name pattern.
func (m *Mux) Handle(pattern string, s Synthesizer) error {
	return m.reg.Register(pattern, s)
}

// HandleFunc registers a SpeakFunc for the given name pattern.
func (m *Mux) HandleFunc(pattern string, f SpeakFunc) error {
	return m.Handle(pattern, f)
}

// Speak dispatches to the Synthesizer registered for model.
func (m *Mux) Speak(ctx context.Context, model, text string) (*Audio, error) {
	s, ok := m.reg.Lookup(model)
	if !ok || s == nil {
		return nil, fmt.Errorf("tts: synthesizer not found for %s", model)
	}
	return s.Speak(ctx, model, text)
}

// DefaultMux is the default multiplexer for synthesizers.
var DefaultMux = NewMux()

// Handle registers a Synthesizer with the default mux.
func Handle(pattern string, s Synthesizer) error {
	return DefaultMux.Handle(pattern, s)
}

// HandleFunc registers a SpeakFunc with the default mux.
func HandleFunc(pattern string, f SpeakFunc) error {
	return DefaultMux.HandleFunc(pattern, f)
}

// Speak synthesizes one sentence using the default mux.
func Speak(ctx context.Context, model, text string) (*Audio, error) {
	return DefaultMux.Speak(ctx, model, text)
}
