package kernel

import (
	"slices"
	"sync"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// sender is the sender name on every event the kernel emits.
const sender = "kernel"

// DefaultCoreModules is the fixed load order of the system modules.
var DefaultCoreModules = []string{
	"system.database",
	"system.logger",
	"system.security",
	"system.notifications",
	"system.scheduler",
	"system.stats",
	"system.admin",
	"system.modulemanager",
	"system.backup",
	"system.base",
}

// DefaultCritical lists the core modules whose failure aborts LoadModules.
var DefaultCritical = []string{"system.database", "system.security"}

// Config holds the kernel settings.
type Config struct {
	// Token authenticates against the chat platform. Start refuses to run
	// without one.
	Token string
	// ModulesPath is the root holding <namespace>/<name> module directories.
	ModulesPath string
	// CoreModules overrides DefaultCoreModules when non-nil.
	CoreModules []string
	// Critical overrides DefaultCritical when non-nil.
	Critical    []string
	Environment module.Environment
}

// Kernel is safe for concurrent use.
type Kernel struct {
	cfg      Config
	catalog  *module.Catalog
	registry *registry.Registry
	bus      *eventbus.Bus
	conn     platform.Connection
	tracer   trace.Tracer

	// opMu serializes lifecycle operations.
	opMu sync.Mutex

	mu          sync.RWMutex
	modules     map[string]*loadedModule
	order       []string
	states      map[string]module.State
	running     bool
	initialized bool
	router      *platform.Handler
}

type loadedModule struct {
	name     string
	instance module.Module
	metadata module.Metadata
	path     string
	host     *moduleHost
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithRegistry replaces the registry the kernel creates by default.
func WithRegistry(r *registry.Registry) Option {
	return func(k *Kernel) { k.registry = r }
}

// WithBus replaces the event bus the kernel creates by default.
func WithBus(b *eventbus.Bus) Option {
	return func(k *Kernel) { k.bus = b }
}

// WithTracer sets the tracer used for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(k *Kernel) { k.tracer = t }
}

// New creates a kernel with nothing loaded.
func New(cfg Config, catalog *module.Catalog, conn platform.Connection, opts ...Option) *Kernel {
	if cfg.CoreModules == nil {
		cfg.CoreModules = slices.Clone(DefaultCoreModules)
	}
	if cfg.Critical == nil {
		cfg.Critical = slices.Clone(DefaultCritical)
	}
	k := &Kernel{
		cfg:     cfg,
		catalog: catalog,
		conn:    conn,
		tracer:  otel.Tracer("botkernel/kernel"),
		modules: make(map[string]*loadedModule),
		states:  make(map[string]module.State),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.registry == nil {
		k.registry = registry.New()
	}
	if k.bus == nil {
		k.bus = eventbus.New()
	}
	return k
}

func (k *Kernel) Registry() *registry.Registry { return k.registry }
func (k *Kernel) Events() *eventbus.Bus        { return k.bus }
func (k *Kernel) Platform() platform.Connection { return k.conn }

// Running reports whether Start has completed and Stop has not yet run.
func (k *Kernel) Running() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// State returns the lifecycle state of name. Unknown names are unloaded.
func (k *Kernel) State(name string) module.State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if s, ok := k.states[name]; ok {
		return s
	}
	return module.StateUnloaded
}

// IsLoaded reports whether name is in the loaded set.
func (k *Kernel) IsLoaded(name string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.modules[name]
	return ok
}

// Module returns the live instance of a loaded module.
func (k *Kernel) Module(name string) (module.Module, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	lm, ok := k.modules[name]
	if !ok {
		return nil, false
	}
	return lm.instance, true
}

// LoadOrder returns the loaded module names in load order.
func (k *Kernel) LoadOrder() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.order)
}

// Modules returns a snapshot of every loaded module in load order.
func (k *Kernel) Modules() []module.Info {
	k.mu.RLock()
	loaded := make([]*loadedModule, 0, len(k.order))
	states := make([]module.State, 0, len(k.order))
	for _, name := range k.order {
		loaded = append(loaded, k.modules[name])
		states = append(states, k.states[name])
	}
	k.mu.RUnlock()

	owned := make(map[string][]string)
	for _, rec := range k.registry.ListServices() {
		owned[rec.Owner] = append(owned[rec.Owner], rec.Name)
	}
	for _, names := range owned {
		slices.Sort(names)
	}

	out := make([]module.Info, 0, len(loaded))
	for i, lm := range loaded {
		out = append(out, module.Info{
			Metadata: lm.metadata,
			State:    states[i],
			Path:     lm.path,
			Services: owned[lm.name],
		})
	}
	return out
}

func (k *Kernel) setState(name string, s module.State) {
	k.mu.Lock()
	k.states[name] = s
	k.mu.Unlock()
}

func (k *Kernel) isCritical(name string) bool {
	return slices.Contains(k.cfg.Critical, name)
}

var _ module.Controller = (*Kernel)(nil)
