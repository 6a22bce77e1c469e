// Package stats counts command usage and module activity.
package stats

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/modules/system/database"
)

const (
	Name        = "system.stats"
	ServiceName = "stats"
)

// Metric names maintained by the module itself.
const (
	MetricCommands      = "commands.total"
	MetricCommandErrors = "commands.errors"
	MetricModules       = "modules.loaded"
)

// FromRegistry returns the running stats service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

type Module struct {
	interval time.Duration

	svc    *Service
	cancel context.CancelFunc
	done   chan struct{}
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Usage statistics",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	m.interval = cfg.Duration("flush_interval", time.Minute)
	if m.interval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", m.interval)
	}
	return nil
}

func (m *Module) Setup(ctx context.Context, host module.Host) error {
	db, err := database.Store(host.Registry())
	if err != nil {
		return err
	}
	if err := createTables(ctx, db); err != nil {
		return err
	}
	m.svc = newService(db)
	if !host.RegisterService(ServiceName, m.svc, nil) {
		return errors.New("stats service already registered")
	}

	host.Subscribe(module.EventCommandAfter, eventbus.NewHandler("stats.command", m.onCommand))
	host.Subscribe(module.EventCommandError, eventbus.NewHandler("stats.command_error", m.onCommand))
	modules := eventbus.NewHandler("stats.modules", func(context.Context, *eventbus.Event) (any, error) {
		m.svc.Gauge(MetricModules, float64(len(host.Registry().ListModules())))
		return nil, nil
	})
	host.Subscribe(module.EventModuleLoaded, modules)
	host.Subscribe(module.EventModuleUnloaded, modules)
	m.svc.Gauge(MetricModules, float64(len(host.Registry().ListModules())))

	host.RegisterCommand(module.CommandInfo{Command: "stats", Description: "Show usage statistics", AdminOnly: true}, m.handleStats(host))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.flushLoop(runCtx)

	host.Logger().Info("📊 Stats ready.", "flush_interval", m.interval)
	return nil
}

func (m *Module) Cleanup(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	return m.svc.Flush(ctx)
}

func (m *Module) onCommand(ctx context.Context, ev *eventbus.Event) (any, error) {
	cmd, ok := ev.Payload.(module.CommandEvent)
	if !ok {
		return nil, nil
	}
	m.svc.Increment(MetricCommands, 1)
	m.svc.Increment("commands."+cmd.Command, 1)
	if ev.Name == module.EventCommandError {
		m.svc.Increment(MetricCommandErrors, 1)
	}
	var userID int64
	if cmd.Update != nil {
		userID = cmd.Update.UserID
	}
	return nil, m.svc.Event(ctx, ev.Name, userID, map[string]any{"command": cmd.Command, "module": cmd.Module})
}

func (m *Module) flushLoop(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.svc.Flush(ctx); err != nil {
				ctxlog.FromContext(ctx).Error("Stats flush failed.", "error", err)
			}
		}
	}
}

func (m *Module) handleStats(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		summary, err := m.svc.Summary(ctx)
		if err != nil {
			return err
		}
		names := slices.Sorted(maps.Keys(summary))
		var b strings.Builder
		b.WriteString("Statistics:")
		for _, name := range names {
			fmt.Fprintf(&b, "\n%s: %g", name, summary[name])
		}
		return host.Platform().Send(ctx, u.ChatID, b.String())
	}
}
