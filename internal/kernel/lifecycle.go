package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnloadModule runs the module's Cleanup and drops everything it
// registered. Cleanup errors are logged, never returned.
func (k *Kernel) UnloadModule(ctx context.Context, name string) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.unloadModule(ctx, name)
}

func (k *Kernel) unloadModule(ctx context.Context, name string) error {
	k.mu.RLock()
	lm, ok := k.modules[name]
	k.mu.RUnlock()
	if !ok {
		return moduleErr(name, "unload", ErrModuleNotLoaded)
	}

	logger := ctxlog.FromContext(ctx).With("module", name)
	ctx, span := k.tracer.Start(ctx, "kernel.unload_module", trace.WithAttributes(attribute.String("module.name", name)))
	defer span.End()

	logger.Debug("Unloading module...")
	k.setState(name, module.StateUnloading)
	k.bus.Emit(ctx, module.EventModuleUnloading, module.ModuleEvent{Name: name}, sender)

	if err := safeCleanup(ctxlog.WithModule(ctx, name), lm.instance); err != nil {
		logger.Error("Module cleanup failed.", "error", err)
		span.RecordError(err)
	}
	lm.host.release()
	k.registry.Release(name)
	k.registry.UnregisterModule(name)

	k.mu.Lock()
	delete(k.modules, name)
	k.order = slices.DeleteFunc(k.order, func(n string) bool { return n == name })
	k.states[name] = module.StateUnloaded
	k.mu.Unlock()

	k.bus.Emit(ctx, module.EventModuleUnloaded, module.ModuleEvent{Name: name}, sender)
	logger.Info("Module unloaded.")
	return nil
}

// ReloadModule unloads a loaded module and loads a fresh instance of it.
// Names that are not loaded fail without running any Setup.
func (k *Kernel) ReloadModule(ctx context.Context, name string) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	if !k.IsLoaded(name) {
		err := moduleErr(name, "reload", ErrModuleNotLoaded)
		k.bus.Emit(ctx, module.EventModuleReloadError, module.ModuleEvent{Name: name, Error: ErrModuleNotLoaded.Error()}, sender)
		return err
	}

	err := k.unloadModule(ctx, name)
	if err == nil {
		err = k.loadModule(ctx, name)
	}
	if err != nil {
		ctxlog.FromContext(ctx).Error("Module reload failed.", "module", name, "error", err)
		k.bus.Emit(ctx, module.EventModuleReloadError, module.ModuleEvent{Name: name, Error: err.Error()}, sender)
		return err
	}

	k.bus.Emit(ctx, module.EventModuleReloaded, module.ModuleEvent{Name: name}, sender)
	ctxlog.FromContext(ctx).Info("🔄 Module reloaded.", "module", name)
	return nil
}

// Start connects the platform, attaches every module's handlers and blocks
// until ctx is done. It then stops the kernel and returns Stop's result.
func (k *Kernel) Start(ctx context.Context) error {
	if err := k.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	ctxlog.FromContext(ctx).Info("🛑 Shutdown requested, stopping kernel...")
	return k.Stop(context.WithoutCancel(ctx))
}

func (k *Kernel) start(ctx context.Context) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	logger := ctxlog.FromContext(ctx)
	if k.Running() {
		return ErrAlreadyRunning
	}
	if k.cfg.Token == "" {
		return fmt.Errorf("%w: platform token is not set", ErrConfiguration)
	}

	ctx, span := k.tracer.Start(ctx, "kernel.start")
	defer span.End()

	logger.Info("🚀 Starting kernel...")
	k.bus.Emit(ctx, module.EventBeforeStart, nil, sender)

	if err := k.conn.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize platform: %w", err)
	}
	k.mu.Lock()
	k.initialized = true
	if k.router == nil {
		k.router = platform.NewHandler("kernel.router", k.route)
		k.conn.AddHandler(k.router)
	}
	k.mu.Unlock()

	for _, name := range k.LoadOrder() {
		k.mu.RLock()
		lm := k.modules[name]
		k.mu.RUnlock()
		if r, ok := lm.instance.(module.HandlerRegistrar); ok {
			if err := safeRegisterHandlers(ctxlog.WithModule(ctx, name), r, lm.host.conn); err != nil {
				logger.Error("Failed to register module handlers.", "module", name, "error", err)
			}
		}
	}

	k.bus.Emit(ctx, module.EventAfterStart, nil, sender)

	if err := k.conn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start platform: %w", err)
	}

	k.mu.Lock()
	k.running = true
	for _, name := range k.order {
		k.states[name] = module.StateActive
	}
	n := len(k.order)
	k.mu.Unlock()

	logger.Info("✅ Kernel started.", "modules", n)
	return nil
}

// Stop unloads every module in reverse load order, shuts the platform down
// and clears the registry. Calling it on a stopped kernel is a no-op.
func (k *Kernel) Stop(ctx context.Context) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	k.mu.RLock()
	idle := !k.running && !k.initialized && len(k.order) == 0
	k.mu.RUnlock()
	if idle {
		return nil
	}

	logger := ctxlog.FromContext(ctx)
	ctx, span := k.tracer.Start(ctx, "kernel.stop")
	defer span.End()

	logger.Info("Stopping kernel...")
	k.bus.Emit(ctx, module.EventBeforeStop, nil, sender)

	order := k.LoadOrder()
	for _, name := range slices.Backward(order) {
		if err := k.unloadModule(ctx, name); err != nil {
			logger.Error("Failed to unload module.", "module", name, "error", err)
		}
	}

	var errs []error
	k.mu.Lock()
	initialized := k.initialized
	k.initialized = false
	k.running = false
	k.mu.Unlock()
	if initialized {
		if err := k.conn.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop platform: %w", err))
		}
		if err := k.conn.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down platform: %w", err))
		}
	}

	k.bus.Emit(ctx, module.EventAfterStop, nil, sender)

	if err := k.registry.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry cleanup: %w", err))
	}
	k.mu.Lock()
	clear(k.modules)
	k.order = nil
	clear(k.states)
	k.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("Kernel stopped with errors.", "error", err)
		return err
	}
	logger.Info("🏁 Kernel stopped.")
	return nil
}
