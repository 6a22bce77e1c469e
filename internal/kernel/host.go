package kernel

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
)

// moduleHost is the module.Host handed to one module. It stamps ownership on
// registry entries and tracks bus subscriptions so unload can remove them.
type moduleHost struct {
	k      *Kernel
	name   string
	logger *slog.Logger
	conn   *modulePlatform

	mu         sync.Mutex
	subs       []subscription
	middleware []*eventbus.Middleware
}

type subscription struct {
	event   string
	handler *eventbus.Handler
}

var _ module.Host = (*moduleHost)(nil)

func newModuleHost(k *Kernel, name string, logger *slog.Logger) *moduleHost {
	h := &moduleHost{k: k, name: name, logger: logger}
	h.conn = &modulePlatform{k: k, module: name}
	return h
}

func (h *moduleHost) Name() string                  { return h.name }
func (h *moduleHost) Logger() *slog.Logger          { return h.logger }
func (h *moduleHost) Registry() *registry.Registry  { return h.k.registry }
func (h *moduleHost) Events() *eventbus.Bus         { return h.k.bus }
func (h *moduleHost) Platform() platform.Connection { return h.conn }
func (h *moduleHost) Controller() module.Controller { return h.k }

func (h *moduleHost) Environment() module.Environment {
	return h.k.cfg.Environment
}

func (h *moduleHost) RegisterService(name string, instance any, metadata map[string]string) bool {
	ok := h.k.registry.RegisterService(name, instance, registry.WithOwner(h.name), registry.WithMetadata(metadata))
	if !ok {
		h.logger.Warn("Service name already taken.", "service", name)
	}
	return ok
}

func (h *moduleHost) RegisterCommand(info module.CommandInfo, handler platform.HandlerFunc) bool {
	meta := map[string]string{
		module.CommandMetaDescription: info.Description,
		module.CommandMetaAdminOnly:   strconv.FormatBool(info.AdminOnly),
	}
	ok := h.k.registry.RegisterCommand(h.name, info.Command, handler, meta)
	if !ok {
		h.logger.Warn("Command already registered by another module.", "command", info.Command)
	}
	return ok
}

func (h *moduleHost) RegisterHandler(updateType string, handler *platform.Handler) bool {
	return h.k.registry.RegisterHandler(h.name, updateType, handler)
}

func (h *moduleHost) Subscribe(event string, handler *eventbus.Handler) bool {
	if !h.k.bus.Subscribe(event, handler) {
		return false
	}
	h.mu.Lock()
	h.subs = append(h.subs, subscription{event: event, handler: handler})
	h.mu.Unlock()
	return true
}

func (h *moduleHost) UseMiddleware(m *eventbus.Middleware) bool {
	if !h.k.bus.Use(m) {
		return false
	}
	h.mu.Lock()
	h.middleware = append(h.middleware, m)
	h.mu.Unlock()
	return true
}

// release removes every bus subscription and middleware added through h.
func (h *moduleHost) release() {
	h.mu.Lock()
	subs, mws := h.subs, h.middleware
	h.subs, h.middleware = nil, nil
	h.mu.Unlock()

	for _, s := range subs {
		h.k.bus.Unsubscribe(s.event, s.handler)
	}
	for _, m := range mws {
		h.k.bus.RemoveMiddleware(m)
	}
}

// modulePlatform is the connection as seen by one module. Handlers added
// through it go into the registry under the module's name, so they are
// dropped on unload and reached through the kernel router. Lifecycle calls
// belong to the kernel and are ignored.
type modulePlatform struct {
	k      *Kernel
	module string
}

var _ platform.Connection = (*modulePlatform)(nil)

func (p *modulePlatform) Initialize(context.Context) error { return nil }
func (p *modulePlatform) Start(context.Context) error      { return nil }
func (p *modulePlatform) Stop(context.Context) error       { return nil }
func (p *modulePlatform) Shutdown(context.Context) error   { return nil }

func (p *modulePlatform) AddHandler(h *platform.Handler) {
	p.k.registry.RegisterHandler(p.module, anyUpdate, h)
}

func (p *modulePlatform) Send(ctx context.Context, chatID int64, text string) error {
	return p.k.conn.Send(ctx, chatID, text)
}
