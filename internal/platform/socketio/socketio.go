// Package socketio connects the kernel to a chat gateway over socket.io.
//
// The gateway pushes "update" events whose first argument is a JSON object
// describing one inbound update, and accepts "send_message" events carrying
// a chat id and text.
package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	eventUpdate      = "update"
	eventSendMessage = "send_message"
)

// Config describes the gateway endpoint.
type Config struct {
	URL                string
	Namespace          string
	Token              string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Connection implements platform.Connection on top of a socket.io client.
type Connection struct {
	cfg     Config
	io      *socket.Socket
	running atomic.Bool

	mu       sync.RWMutex
	handlers []*platform.Handler
	runCtx   context.Context
}

var _ platform.Connection = (*Connection)(nil)

// New creates an unconnected client. Initialize dials the gateway.
func New(cfg Config) *Connection {
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Connection{cfg: cfg}
}

// Initialize connects to the gateway and waits for the handshake.
func (c *Connection) Initialize(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("platform", "socketio", "url", c.cfg.URL, "namespace", c.cfg.Namespace)

	parsedURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse gateway URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("gateway URL %q must include scheme and host", c.cfg.URL)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	if c.cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	opts.SetAuth(map[string]any{"token": c.cfg.Token})

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(c.cfg.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to chat gateway", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		connected <- connectError(errs)
	})
	io.On(types.EventName(eventUpdate), func(data ...any) {
		c.dispatch(data)
	})

	io.Connect()
	logger.Debug("Waiting for gateway handshake.")

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return fmt.Errorf("timed out after %s waiting for socket.io connection", c.cfg.ConnectTimeout)
	}

	c.io = io
	return nil
}

func connectError(errs []any) error {
	if len(errs) > 0 {
		if err, ok := errs[0].(error); ok {
			return err
		}
		return fmt.Errorf("%v", errs[0])
	}
	return errors.New("unknown connect error")
}

// Start begins dispatching gateway updates to the added handlers.
func (c *Connection) Start(ctx context.Context) error {
	if c.io == nil {
		return errors.New("socketio: connection is not initialized")
	}
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()
	c.running.Store(true)
	return nil
}

// Stop keeps the socket open but drops further updates.
func (c *Connection) Stop(context.Context) error {
	c.running.Store(false)
	return nil
}

// Shutdown disconnects from the gateway.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.running.Store(false)
	if c.io != nil {
		ctxlog.FromContext(ctx).Debug("Disconnecting socket client", "sid", c.io.Id())
		c.io.Disconnect()
		c.io = nil
	}
	return nil
}

func (c *Connection) AddHandler(h *platform.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Send emits a send_message event to the gateway.
func (c *Connection) Send(_ context.Context, chatID int64, text string) error {
	if c.io == nil {
		return errors.New("socketio: connection is not initialized")
	}
	c.io.Emit(eventSendMessage, map[string]any{"chat_id": chatID, "text": text})
	return nil
}

func (c *Connection) dispatch(data []any) {
	if !c.running.Load() || len(data) == 0 {
		return
	}
	c.mu.RLock()
	ctx := c.runCtx
	handlers := append([]*platform.Handler(nil), c.handlers...)
	c.mu.RUnlock()

	logger := ctxlog.FromContext(ctx)
	u, err := decodeUpdate(data[0])
	if err != nil {
		logger.Warn("Dropping malformed gateway update", "error", err)
		return
	}
	for _, h := range handlers {
		if err := h.Fn(ctx, u); err != nil {
			logger.Error("Update handler failed", "handler", h.Name, "error", err)
		}
	}
}

// wireUpdate is the JSON shape of a gateway update.
type wireUpdate struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	ChatID   int64          `json:"chat_id"`
	UserID   int64          `json:"user_id"`
	Username string         `json:"username"`
	Text     string         `json:"text"`
	Data     map[string]any `json:"data"`
}

func decodeUpdate(raw any) (*platform.Update, error) {
	var buf []byte
	switch v := raw.(type) {
	case string:
		buf = []byte(v)
	case []byte:
		buf = v
	default:
		var err error
		if buf, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("re-encoding update: %w", err)
		}
	}

	var w wireUpdate
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}
	if w.Type == "" {
		w.Type = platform.UpdateMessage
	}
	return &platform.Update{
		ID:       w.ID,
		Type:     w.Type,
		ChatID:   w.ChatID,
		UserID:   w.UserID,
		Username: w.Username,
		Text:     w.Text,
		Data:     w.Data,
		Received: time.Now(),
	}, nil
}
