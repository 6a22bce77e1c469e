// Package platform defines the narrow contract between the kernel and the
// chat platform that delivers updates and accepts outgoing messages.
package platform

import (
	"context"
	"strings"
	"time"
)

// Update types delivered by connections.
const (
	UpdateMessage  = "message"
	UpdateCallback = "callback_query"
)

// Update is a single inbound item from the chat platform.
type Update struct {
	ID       string
	Type     string
	ChatID   int64
	UserID   int64
	Username string
	Text     string
	Data     map[string]any
	Received time.Time
}

// Command splits a "/name arg1 arg2" message into its lowercase name and
// arguments. ok is false for anything that is not a command. A "@botname"
// suffix on the command is dropped.
func (u *Update) Command() (name string, args []string, ok bool) {
	if u == nil || !strings.HasPrefix(u.Text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(u.Text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ = strings.Cut(fields[0], "@")
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// HandlerFunc processes an update.
type HandlerFunc func(ctx context.Context, u *Update) error

// Handler gives a HandlerFunc a stable identity so it can be registered and
// removed by pointer.
type Handler struct {
	Name string
	Fn   HandlerFunc
}

// NewHandler creates a named handler.
func NewHandler(name string, fn HandlerFunc) *Handler {
	return &Handler{Name: name, Fn: fn}
}

// Connection is the chat platform as seen by the kernel. Start must not
// block; updates are delivered to the added handlers in insertion order
// until Stop is called.
type Connection interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	AddHandler(h *Handler)
	Send(ctx context.Context, chatID int64, text string) error
}
