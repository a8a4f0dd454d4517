package wire

import (
	"context"
	"log/slog"
)

// Handler processes one inbound control message.
type Handler interface {
	HandleControl(ctx context.Context, msg *ControlMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *ControlMessage) error

// HandleControl calls the underlying function.
func (f HandlerFunc) HandleControl(ctx context.Context, msg *ControlMessage) error {
	return f(ctx, msg)
}

// Router dispatches inbound control messages to handlers keyed by
// message type. Unknown types are logged and ignored.
type Router struct {
	handlers map[string]Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers a handler for the given message type, replacing any
// previous registration.
func (r *Router) Handle(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// HandleFunc registers a function for the given message type.
func (r *Router) HandleFunc(msgType string, f HandlerFunc) {
	r.Handle(msgType, f)
}

// Dispatch routes msg to its handler. Handler errors are returned to
// the caller; an unregistered type is not an error.
func (r *Router) Dispatch(ctx context.Context, msg *ControlMessage) error {
	h, ok := r.handlers[msg.Type]
	if !ok {
		slog.Warn("wire: no handler for message type", "type", msg.Type)
		return nil
	}
	return h.HandleControl(ctx, msg)
}
