package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Lock namespaces.
const (
	nsService = "service"
	nsCommand = "command"
	nsHandler = "handler"
	nsModule  = "module"
)

// Registry holds all services, commands, update handlers and module records
// for a single kernel instance.
type Registry struct {
	services cmap.ConcurrentMap[string, *ServiceRecord]
	commands cmap.ConcurrentMap[string, *Command]
	handlers cmap.ConcurrentMap[string, []HandlerEntry]
	modules  cmap.ConcurrentMap[string, *ModuleRecord]
	locks    *stripedLocks
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registration diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithLockStripes overrides the number of lock stripes.
func WithLockStripes(n int) Option {
	return func(r *Registry) { r.locks = newStripedLocks(n) }
}

// New creates and initializes a new Registry instance.
func New(opts ...Option) *Registry {
	r := &Registry{
		services: cmap.New[*ServiceRecord](),
		commands: cmap.New[*Command](),
		handlers: cmap.New[[]HandlerEntry](),
		modules:  cmap.New[*ModuleRecord](),
		locks:    newStripedLocks(defaultStripes),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Release drops every service, command and update handler owned by module.
// Cleanup hooks are not invoked; the owning module has already cleaned up.
// The module record itself is left for UnregisterModule.
func (r *Registry) Release(module string) {
	for _, name := range r.services.Keys() {
		unlock := r.locks.lock(nsService, name)
		if rec, ok := r.services.Get(name); ok && rec.Owner == module {
			r.services.Remove(name)
		}
		unlock()
	}

	for _, name := range r.commands.Keys() {
		unlock := r.locks.lock(nsCommand, name)
		if cmd, ok := r.commands.Get(name); ok && cmd.Module == module {
			r.commands.Remove(name)
		}
		unlock()
	}

	for _, updateType := range r.handlers.Keys() {
		unlock := r.locks.lock(nsHandler, updateType)
		if entries, ok := r.handlers.Get(updateType); ok {
			kept := slices.DeleteFunc(slices.Clone(entries), func(e HandlerEntry) bool {
				return e.Module == module
			})
			if len(kept) == 0 {
				r.handlers.Remove(updateType)
			} else {
				r.handlers.Set(updateType, kept)
			}
		}
		unlock()
	}
	r.logger.Debug("Released registry entries.", "module", module)
}

// Cleanup unregisters every service, invoking cleanup hooks, and clears all
// remaining entries. Hook failures are joined into the returned error.
func (r *Registry) Cleanup(ctx context.Context) error {
	var errs []error
	for _, name := range r.services.Keys() {
		if _, err := r.unregisterService(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
		}
	}
	r.commands.Clear()
	r.handlers.Clear()
	r.modules.Clear()
	r.logger.Debug("Registry cleaned up.")
	return errors.Join(errs...)
}
