// Package module defines the contract between the kernel and the feature
// units it loads, together with the static catalog that maps module names to
// constructors and the manifest format each module directory may carry.
package module

import (
	"context"
	"log/slog"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
)

// Module is implemented by every loadable feature unit. Setup runs once per
// load; a failing Setup leaves no trace in the kernel. Cleanup runs once per
// unload and must release everything Setup acquired.
type Module interface {
	Setup(ctx context.Context, host Host) error
	Cleanup(ctx context.Context) error
}

// HandlerRegistrar is implemented by modules that attach handlers to the
// platform connection when the kernel starts.
type HandlerRegistrar interface {
	RegisterHandlers(ctx context.Context, conn platform.Connection) error
}

// CommandLister is implemented by modules that advertise chat commands.
type CommandLister interface {
	Commands() []CommandInfo
}

// Configurable is implemented by modules that accept manifest settings.
// Configure runs before Setup.
type Configurable interface {
	Configure(cfg Config) error
}

// Describer is implemented by modules that declare their own metadata.
// Manifest values take precedence.
type Describer interface {
	Metadata() Metadata
}

// Metadata is the static description of a module.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Dependencies []string
}

// CommandInfo describes one advertised command.
type CommandInfo struct {
	Command     string
	Description string
	AdminOnly   bool
}

// State is a module's lifecycle state.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateActive    State = "active"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// Info is a snapshot of a loaded module.
type Info struct {
	Metadata
	State    State
	Path     string
	Services []string
}

// Environment carries the process-level settings modules may need.
type Environment struct {
	DatabaseURL string
	DataDir     string
	Admins      []int64
}

// Controller exposes kernel operations to privileged modules.
type Controller interface {
	LoadModule(ctx context.Context, name string) error
	UnloadModule(ctx context.Context, name string) error
	ReloadModule(ctx context.Context, name string) error
	Modules() []Info
}

// Host is the kernel as seen by one module during Setup. Registrations made
// through the Host are owned by that module and dropped on unload.
type Host interface {
	Name() string
	Logger() *slog.Logger
	Registry() *registry.Registry
	Events() *eventbus.Bus
	Platform() platform.Connection
	Environment() Environment
	Controller() Controller

	RegisterService(name string, instance any, metadata map[string]string) bool
	RegisterCommand(info CommandInfo, handler platform.HandlerFunc) bool
	RegisterHandler(updateType string, handler *platform.Handler) bool
	Subscribe(event string, handler *eventbus.Handler) bool
	UseMiddleware(m *eventbus.Middleware) bool
}
