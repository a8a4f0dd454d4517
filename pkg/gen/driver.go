package gen

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/voxloop/voxloop/pkg/registry"
)

// modelSegment strips the provider prefix from a registered name:
// "openai/gpt-4o-mini" yields "gpt-4o-mini".
func modelSegment(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ToolDef declares a function tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Params tunes a generation request. Zero values mean provider
// defaults.
type Params struct {
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Request is one generation request: the dialogue so far plus the
// tools the model may call.
type Request struct {
	// SessionID identifies the owning session, for logging and
	// provider-side affinity.
	SessionID string
	// Model is the registered driver name, e.g. "openai/gpt-4o-mini".
	Model string
	// System is the system prompt, kept out of Messages so providers
	// can map it to their native system slot.
	System string
	// Messages is the dialogue history, oldest first.
	Messages []Message
	// Tools the model may propose calls for.
	Tools []ToolDef
	// Params tunes sampling.
	Params *Params
}

// Driver submits a request and streams the response. Cancelling ctx
// aborts the in-flight upstream request; the stream then terminates
// promptly with the context error.
type Driver interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, req *Request) (Stream, error)

// Stream calls the underlying function.
func (f DriverFunc) Stream(ctx context.Context, req *Request) (Stream, error) {
	return f(ctx, req)
}

// Mux routes requests to the Driver registered for the model name.
type Mux struct {
	reg *registry.Registry[Driver]
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{reg: registry.New[Driver]()}
}

// Handle registers a Driver for the given model name pattern.
func (m *Mux) Handle(pattern string, d Driver) error {
	return m.reg.Register(pattern, d)
}

// HandleFunc registers a DriverFunc for the given model name pattern.
func (m *Mux) HandleFunc(pattern string, f DriverFunc) error {
	return m.Handle(pattern, f)
}

// Stream dispatches to the Driver registered for req.Model.
func (m *Mux) Stream(ctx context.Context, req *Request) (Stream, error) {
	d, ok := m.reg.Lookup(req.Model)
	if !ok || d == nil {
		return nil, fmt.Errorf("gen: driver not found for %s", req.Model)
	}
	return d.Stream(ctx, req)
}

// DefaultMux is the default multiplexer for drivers.
var DefaultMux = NewMux()

// Handle registers a Driver with the default mux.
func Handle(pattern string, d Driver) error {
	return DefaultMux.Handle(pattern, d)
}

// HandleFunc registers a DriverFunc with the default mux.
func HandleFunc(pattern string, f DriverFunc) error {
	return DefaultMux.HandleFunc(pattern, f)
}

// StreamRequest streams a request through the default mux.
func StreamRequest(ctx context.Context, req *Request) (Stream, error) {
	return DefaultMux.Stream(ctx, req)
}
