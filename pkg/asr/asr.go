// Package asr provides streaming speech recognition. A Recognizer
// opens one Stream per session; the Stream is fed utterances delimited
// by Begin and a final Push, and yields partial and final transcripts.
package asr

import (
	"context"
	"fmt"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
	"github.com/voxloop/voxloop/pkg/registry"
)

// Result is one transcript update. Partial results may repeat with a
// growing prefix; only Final results are authoritative.
type Result struct {
	UtteranceID string
	Text        string
	Final       bool
}

// RecoverableError reports an upstream failure mid-utterance together
// with the partial transcript collected before the failure. The caller
// decides whether the partial is usable.
type RecoverableError struct {
	Partial string
	Err     error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("asr: recognition failed (partial %q): %v", e.Partial, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// Stream is a per-session recognition stream. Begin starts a new
// utterance; Push feeds its audio, with last marking end-of-audio.
// Next blocks for the next transcript update and returns iterator.Done
// when the stream is closed and drained.
//
// Push and Next are intended for separate goroutines; Begin must not
// race with Push.
type Stream interface {
	Begin(utteranceID string) error
	Push(pcm []byte, last bool) error
	Next() (*Result, error)
	Close() error
}

// Recognizer opens recognition streams. The model name is the
// registered name, e.g. "volc/bigmodel".
type Recognizer interface {
	Open(ctx context.Context, model string, format pcm.Format) (Stream, error)
}

// OpenFunc adapts a function to the Recognizer interface.
type OpenFunc func(ctx context.Context, model string, format pcm.Format) (Stream, error)

// Open calls the underlying function.
func (f OpenFunc) Open(ctx context.Context, model string, format pcm.Format) (Stream, error) {
	return f(ctx, model, format)
}

// Mux routes Open calls to the Recognizer registered for the name.
type Mux struct {
	reg *registry.Registry[Recognizer]
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{reg: registry.New[Recognizer]()}
}

// Handle registers a Recognizer for the given name pattern.
func (m *Mux) Handle(pattern string, r Recognizer) error {
	return m.reg.Register(pattern, r)
}

// HandleFunc registers an OpenFunc for the given name pattern.
func (m *Mux) HandleFunc(pattern string, f OpenFunc) error {
	return m.Handle(pattern, f)
}

// Open dispatches to the Recognizer registered for model.
func (m *Mux) Open(ctx context.Context, model string, format pcm.Format) (Stream, error) {
	r, ok := m.reg.Lookup(model)
	if !ok || r == nil {
		return nil, fmt.Errorf("asr: recognizer not found for %s", model)
	}
	return r.Open(ctx, model, format)
}

// DefaultMux is the default multiplexer for recognizers.
var DefaultMux = NewMux()

// Handle registers a Recognizer with the default mux.
func Handle(pattern string, r Recognizer) error {
	return DefaultMux.Handle(pattern, r)
}

// HandleFunc registers an OpenFunc with the default mux.
func HandleFunc(pattern string, f OpenFunc) error {
	return DefaultMux.HandleFunc(pattern, f)
}

// Open opens a stream using the default mux.
func Open(ctx context.Context, model string, format pcm.Format) (Stream, error) {
	return DefaultMux.Open(ctx, model, format)
}
