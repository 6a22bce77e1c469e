package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHistoryLimit is the number of processed events retained when no
// explicit limit is configured.
const DefaultHistoryLimit = 1000

const listenerBufferSize = 64

// ErrWaitTimeout is returned by WaitFor when no matching event arrives in time.
var ErrWaitTimeout = errors.New("eventbus: timed out waiting for event")

// Bus is safe for concurrent use. Handlers are invoked outside the bus lock,
// so a handler may subscribe, unsubscribe or emit.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]*Handler
	middleware []*Middleware
	history    []Event
	maxHistory int
	listeners  map[chan Event]struct{}
	closed     bool
	done       chan struct{}
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit overrides DefaultHistoryLimit. Values below 1 keep the default.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// WithTracer sets the tracer used for emit spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) { b.tracer = t }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[string][]*Handler),
		maxHistory: DefaultHistoryLimit,
		listeners:  make(map[chan Event]struct{}),
		done:       make(chan struct{}),
		tracer:     otel.Tracer("botkernel/eventbus"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches h to the named event. It returns false when h is
// already subscribed to that name.
func (b *Bus) Subscribe(name string, h *Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.handlers[name], h) {
		return false
	}
	b.handlers[name] = append(b.handlers[name], h)
	return true
}

// Unsubscribe detaches h from the named event. The name disappears from
// RegisteredEvents once its last handler is gone.
func (b *Bus) Unsubscribe(name string, h *Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.handlers[name]
	i := slices.Index(hs, h)
	if i < 0 {
		return false
	}
	hs = slices.Delete(slices.Clone(hs), i, i+1)
	if len(hs) == 0 {
		delete(b.handlers, name)
	} else {
		b.handlers[name] = hs
	}
	return true
}

// Use appends m to the middleware chain unless it is already present.
func (b *Bus) Use(m *Middleware) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.middleware, m) {
		return false
	}
	b.middleware = append(b.middleware, m)
	return true
}

// RemoveMiddleware drops m from the chain.
func (b *Bus) RemoveMiddleware(m *Middleware) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.middleware, m)
	if i < 0 {
		return false
	}
	b.middleware = slices.Delete(slices.Clone(b.middleware), i, i+1)
	return true
}

// Emit builds an event and runs it through the middleware chain and the
// subscribed handlers. It returns nil when a middleware cancelled the event.
func (b *Bus) Emit(ctx context.Context, name string, payload any, sender string) *Event {
	logger := ctxlog.FromContext(ctx).With("event", name)
	ctx, span := b.tracer.Start(ctx, "eventbus.emit", trace.WithAttributes(
		attribute.String("event.name", name),
		attribute.String("event.sender", sender),
	))
	defer span.End()

	ev := &Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Sender:    sender,
		Timestamp: b.now(),
	}

	b.mu.RLock()
	chain := b.middleware
	b.mu.RUnlock()

	for _, m := range chain {
		next, err := runMiddleware(ctx, m, ev)
		if err != nil {
			logger.Error("Middleware failed, skipping.", "middleware", m.name, "error", err)
			continue
		}
		if next == nil {
			logger.Debug("Event cancelled by middleware.", "middleware", m.name)
			span.SetAttributes(attribute.Bool("event.cancelled", true))
			return nil
		}
		ev = next
	}

	// Handlers are looked up by the original name, even if a middleware
	// rewrote ev.Name.
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	failed := 0
	for _, h := range handlers {
		res, err := runHandler(ctx, h, ev)
		if err != nil {
			failed++
			logger.Error("Event handler failed, skipping.", "handler", h.name, "error", err)
			continue
		}
		ev.Results = append(ev.Results, res)
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) failed", failed))
	}

	ev.Processed = true
	b.record(ev)
	return ev
}

func runMiddleware(ctx context.Context, m *Middleware, ev *Event) (next *Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panicked: %v", r)
		}
	}()
	return m.fn(ctx, ev)
}

func runHandler(ctx context.Context, h *Handler, ev *Event) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.fn(ctx, ev)
}

// record appends ev to the history and fans it out to listeners.
func (b *Bus) record(ev *Event) {
	snapshot := ev.clone()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, snapshot)
	if over := len(b.history) - b.maxHistory; over > 0 {
		b.history = slices.Delete(b.history, 0, over)
	}
	for l := range b.listeners {
		select {
		case l <- snapshot:
		default:
		}
	}
}

// WaitFor blocks until the named event is emitted, the timeout elapses or
// ctx is cancelled. A zero timeout waits only on ctx. The temporary
// subscription is always removed before WaitFor returns.
func (b *Bus) WaitFor(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	got := make(chan *Event, 1)
	h := NewHandler("wait_for:"+name, func(_ context.Context, ev *Event) (any, error) {
		select {
		case got <- ev:
		default:
		}
		return nil, nil
	})
	b.Subscribe(name, h)
	defer b.Unsubscribe(name, h)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev := <-got:
		return ev, nil
	case <-expired:
		return nil, fmt.Errorf("%w %q after %s", ErrWaitTimeout, name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// History returns a copy of the retained events, oldest first. A non-empty
// name filters by event name.
func (b *Bus) History(name string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	for i := range b.history {
		if name == "" || b.history[i].Name == name {
			out = append(out, b.history[i].clone())
		}
	}
	return out
}

// ClearHistory drops every retained event.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// ClearHandlers removes the handlers of one event, or of all events when
// name is empty.
func (b *Bus) ClearHandlers(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.handlers = make(map[string][]*Handler)
		return
	}
	delete(b.handlers, name)
}

// RegisteredEvents lists the event names that have at least one handler.
func (b *Bus) RegisteredEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlerCount reports how many handlers are subscribed to name.
func (b *Bus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Listen returns a stream of processed events that is closed when ctx is
// done or the bus is closed. Events are dropped for listeners that fall
// behind.
func (b *Bus) Listen(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, listenerBufferSize)
	b.listeners[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		delete(b.listeners, ch)
		close(ch)
	}()

	return ch
}

// Close detaches every listener. Emit keeps working afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
