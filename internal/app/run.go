package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/watcher"
)

// Run loads the modules, starts the kernel and blocks until ctx is cancelled.
// The health server, manifest watcher and tracer provider are shut down on
// the way out.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()

	var errs []error
	defer func() {
		if err := a.tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("Tracer provider shutdown failed.", "error", err)
		}
	}()

	if err := a.kernel.LoadModules(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to load modules: %w", err))
		errs = append(errs, a.kernel.Stop(context.WithoutCancel(ctx)), a.closeHealthCheckServer())
		return errors.Join(errs...)
	}

	var w *watcher.Watcher
	if a.config.WatchModules {
		var err error
		if w, err = a.watchModules(ctx); err != nil {
			a.logger.Warn("Module watcher disabled.", "error", err)
		}
	}

	if err := a.kernel.Start(ctx); err != nil {
		errs = append(errs, fmt.Errorf("kernel failed: %w", err))
		// Start only stops the kernel itself after ctx is done.
		errs = append(errs, a.kernel.Stop(context.WithoutCancel(ctx)))
	}

	if w != nil {
		if err := w.Stop(); err != nil {
			a.logger.Error("Module watcher shutdown failed.", "error", err)
		}
	}
	errs = append(errs, a.closeHealthCheckServer())

	a.logger.Debug("App.Run method finished.")
	return errors.Join(errs...)
}

// watchModules watches the directory of every loaded module and reloads a
// module when its manifest changes. Modules without a directory are skipped.
func (a *App) watchModules(ctx context.Context) (*watcher.Watcher, error) {
	w, err := watcher.New(watcher.Config{})
	if err != nil {
		return nil, err
	}
	watched := 0
	for _, info := range a.kernel.Modules() {
		if _, err := os.Stat(info.Path); err != nil {
			continue
		}
		if err := w.Add(info.Name, filepath.Clean(info.Path)); err != nil {
			a.logger.Warn("Cannot watch module directory.", "module", info.Name, "path", info.Path, "error", err)
			continue
		}
		watched++
	}

	changes := w.Start(ctx)
	go func() {
		for name := range changes {
			a.logger.Info("📝 Module manifest changed, reloading...", "module", name)
			if err := a.kernel.ReloadModule(ctx, name); err != nil {
				a.logger.Error("Hot reload failed.", "module", name, "error", err)
			}
		}
	}()
	a.logger.Info("👀 Watching module manifests.", "modules", watched)
	return w, nil
}
