package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoadModules loads the core modules in their fixed order, then every
// directory under <modules>/user in lexical order. A failing critical module
// aborts the whole load; any other failure is logged and skipped.
func (k *Kernel) LoadModules(ctx context.Context) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()

	logger := ctxlog.FromContext(ctx)
	logger.Info("📦 Loading modules...", "modules_path", k.cfg.ModulesPath)

	for _, name := range k.cfg.CoreModules {
		err := k.loadModule(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, ErrModuleDisabled):
			logger.Info("Module disabled, skipping.", "module", name)
		case k.isCritical(name):
			logger.Error("Critical module failed to load.", "module", name, "error", err)
			return fmt.Errorf("critical module %s: %w", name, err)
		default:
			logger.Error("Module failed to load, skipping.", "module", name, "error", err)
		}
	}

	users, err := k.discoverUserModules()
	if err != nil {
		return fmt.Errorf("failed to discover user modules: %w", err)
	}
	for _, name := range users {
		err := k.loadModule(ctx, name)
		switch {
		case err == nil:
		case errors.Is(err, ErrModuleDisabled):
			logger.Info("Module disabled, skipping.", "module", name)
		default:
			logger.Error("Module failed to load, skipping.", "module", name, "error", err)
		}
	}

	k.checkDependencies(ctx)
	logger.Info("✅ Modules loaded.", "count", len(k.LoadOrder()))
	return nil
}

// discoverUserModules lists user module names from the directory layout.
func (k *Kernel) discoverUserModules() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(k.cfg.ModulesPath, "user"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		names = append(names, "user."+e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// checkDependencies warns about declared dependencies that are not loaded.
func (k *Kernel) checkDependencies(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, info := range k.Modules() {
		for _, dep := range info.Dependencies {
			if !k.IsLoaded(dep) {
				err := fmt.Errorf("%w: %s requires %s", ErrDependency, info.Name, dep)
				logger.Warn("Module dependency not loaded.", "module", info.Name, "dependency", dep, "error", err)
			}
		}
	}
}

// LoadModule loads a single module by name.
func (k *Kernel) LoadModule(ctx context.Context, name string) error {
	k.opMu.Lock()
	defer k.opMu.Unlock()
	return k.loadModule(ctx, name)
}

func (k *Kernel) loadModule(ctx context.Context, name string) (err error) {
	logger := ctxlog.FromContext(ctx).With("module", name)
	logger.Debug("Loading module...")

	if err := module.ValidateName(name); err != nil {
		return moduleErr(name, "load", fmt.Errorf("%w: %w", ErrModuleLoad, err))
	}
	if k.IsLoaded(name) {
		return moduleErr(name, "load", ErrModuleAlreadyLoaded)
	}

	ctx, span := k.tracer.Start(ctx, "kernel.load_module", trace.WithAttributes(attribute.String("module.name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "load failed")
		}
		span.End()
	}()

	ns, short := module.SplitName(name)
	dir := filepath.Join(k.cfg.ModulesPath, ns, short)
	manifest, err := module.LoadManifest(ctx, name, dir)
	if err != nil {
		return k.failLoad(ctx, name, nil, err)
	}
	if !manifest.Enabled {
		return moduleErr(name, "load", ErrModuleDisabled)
	}

	factory, ok := k.catalog.Lookup(name)
	if !ok {
		return k.failLoad(ctx, name, nil, fmt.Errorf("no factory registered for %s", name))
	}

	k.setState(name, module.StateLoading)
	k.bus.Emit(ctx, module.EventModuleLoading, module.ModuleEvent{Name: name}, sender)

	inst, err := instantiate(factory)
	if err != nil {
		return k.failLoad(ctx, name, nil, err)
	}

	meta := resolveMetadata(name, inst, manifest)
	host := newModuleHost(k, name, logger)
	modCtx := ctxlog.WithModule(ctx, name)

	if c, ok := inst.(module.Configurable); ok {
		if err := c.Configure(manifest.Settings); err != nil {
			return k.failLoad(ctx, name, host, fmt.Errorf("configure: %w", err))
		}
	}
	if err := safeSetup(modCtx, inst, host); err != nil {
		return k.failLoad(ctx, name, host, fmt.Errorf("setup: %w", err))
	}

	lm := &loadedModule{name: name, instance: inst, metadata: meta, path: dir, host: host}
	k.mu.Lock()
	k.modules[name] = lm
	k.order = append(k.order, name)
	k.states[name] = module.StateLoaded
	running := k.running
	k.mu.Unlock()

	k.registry.RegisterModule(name, inst, map[string]string{"version": meta.Version, "path": dir})
	k.bus.Emit(ctx, module.EventModuleLoaded, module.ModuleEvent{Name: name}, sender)
	logger.Info("Module loaded.", "version", meta.Version)

	if running {
		k.activate(ctx, lm)
	}
	return nil
}

// failLoad undoes whatever a failed load left behind and reports it.
func (k *Kernel) failLoad(ctx context.Context, name string, host *moduleHost, cause error) error {
	if host != nil {
		host.release()
	}
	k.registry.Release(name)
	k.setState(name, module.StateError)

	err := moduleErr(name, "load", fmt.Errorf("%w: %w", ErrModuleLoad, cause))
	k.bus.Emit(ctx, module.EventModuleError, module.ModuleEvent{Name: name, Error: cause.Error()}, sender)
	return err
}

// activate attaches a module's platform handlers and marks it active.
func (k *Kernel) activate(ctx context.Context, lm *loadedModule) {
	if r, ok := lm.instance.(module.HandlerRegistrar); ok {
		if err := safeRegisterHandlers(ctxlog.WithModule(ctx, lm.name), r, lm.host.conn); err != nil {
			ctxlog.FromContext(ctx).Error("Failed to register module handlers.", "module", lm.name, "error", err)
		}
	}
	k.setState(lm.name, module.StateActive)
}

// resolveMetadata merges the module's own description with its manifest.
// Non-empty manifest values win.
func resolveMetadata(name string, inst module.Module, m *module.Manifest) module.Metadata {
	var meta module.Metadata
	if d, ok := inst.(module.Describer); ok {
		meta = d.Metadata()
	}
	meta.Name = name
	if m.Version != "" {
		meta.Version = m.Version
	}
	if m.Description != "" {
		meta.Description = m.Description
	}
	if len(m.Dependencies) > 0 {
		meta.Dependencies = m.Dependencies
	}
	return meta
}

func instantiate(f module.Factory) (m module.Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	m = f()
	if m == nil {
		return nil, errors.New("factory returned nil")
	}
	return m, nil
}

func safeSetup(ctx context.Context, m module.Module, host module.Host) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return m.Setup(ctx, host)
}

func safeCleanup(ctx context.Context, m module.Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return m.Cleanup(ctx)
}

func safeRegisterHandlers(ctx context.Context, reg module.HandlerRegistrar, conn *modulePlatform) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return reg.RegisterHandlers(ctx, conn)
}
