// Package local provides an in-process platform connection. Updates are
// injected with Deliver and outgoing messages are kept in memory, which makes
// it suitable for offline runs and tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/platform"
)

// ErrNotStarted is returned by Deliver before Start or after Stop.
var ErrNotStarted = errors.New("local: connection is not started")

// Message is an outgoing message recorded by Send.
type Message struct {
	ChatID int64
	Text   string
	SentAt time.Time
}

// Connection implements platform.Connection in memory.
type Connection struct {
	mu          sync.Mutex
	handlers    []*platform.Handler
	sent        []Message
	initialized bool
	running     bool
	closed      bool
}

var _ platform.Connection = (*Connection)(nil)

// New creates an idle connection.
func New() *Connection {
	return &Connection{}
}

func (c *Connection) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("local: connection is shut down")
	}
	c.initialized = true
	ctxlog.FromContext(ctx).Debug("Local connection initialized.")
	return nil
}

func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errors.New("local: connection is not initialized")
	}
	c.running = true
	ctxlog.FromContext(ctx).Debug("Local connection accepting updates.")
	return nil
}

func (c *Connection) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *Connection) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.closed = true
	c.handlers = nil
	return nil
}

func (c *Connection) AddHandler(h *platform.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Connection) Send(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("local: connection is shut down")
	}
	c.sent = append(c.sent, Message{ChatID: chatID, Text: text, SentAt: time.Now()})
	return nil
}

// Deliver runs every handler for u in registration order and joins their
// errors. Update type defaults to a message.
func (c *Connection) Deliver(ctx context.Context, u *platform.Update) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotStarted
	}
	handlers := append([]*platform.Handler(nil), c.handlers...)
	c.mu.Unlock()

	if u.Type == "" {
		u.Type = platform.UpdateMessage
	}
	if u.Received.IsZero() {
		u.Received = time.Now()
	}

	var errs []error
	for _, h := range handlers {
		if err := h.Fn(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Sent returns a copy of every message sent so far.
func (c *Connection) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// Running reports whether Start was called without a later Stop.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
