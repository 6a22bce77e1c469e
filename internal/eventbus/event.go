package eventbus

import (
	"context"
	"time"
)

// Event is a single named notification flowing through the bus.
type Event struct {
	ID        string
	Name      string
	Payload   any
	Sender    string
	Timestamp time.Time
	Processed bool
	Results   []any
}

// clone returns a copy that does not share the results slice.
func (e *Event) clone() Event {
	c := *e
	if e.Results != nil {
		c.Results = append([]any(nil), e.Results...)
	}
	return c
}

// HandlerFunc reacts to an event. The returned value is appended to the
// event's results when err is nil.
type HandlerFunc func(ctx context.Context, ev *Event) (any, error)

// Handler wraps a HandlerFunc with a stable identity. Subscribing the same
// *Handler twice to one event name has no effect.
type Handler struct {
	name string
	fn   HandlerFunc
}

// NewHandler creates a named handler.
func NewHandler(name string, fn HandlerFunc) *Handler {
	return &Handler{name: name, fn: fn}
}

// Name returns the label used in log output.
func (h *Handler) Name() string { return h.name }

// MiddlewareFunc may return a different event to continue with, or nil to
// cancel delivery entirely.
type MiddlewareFunc func(ctx context.Context, ev *Event) (*Event, error)

// Middleware wraps a MiddlewareFunc with a stable identity.
type Middleware struct {
	name string
	fn   MiddlewareFunc
}

// NewMiddleware creates a named middleware.
func NewMiddleware(name string, fn MiddlewareFunc) *Middleware {
	return &Middleware{name: name, fn: fn}
}

// Name returns the label used in log output.
func (m *Middleware) Name() string { return m.name }
