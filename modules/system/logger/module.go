// Package logger persists kernel activity into the system_logs table and
// exposes it to administrators.
package logger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	Name        = "system.logger"
	ServiceName = "logger"
)

// FromRegistry returns the running logger service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

// Module records lifecycle and command events.
type Module struct {
	retention time.Duration
	queueSize int
	interval  time.Duration

	svc    *Service
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ module.Module       = (*Module)(nil)
	_ module.Configurable = (*Module)(nil)
	_ module.Describer    = (*Module)(nil)
)

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Persistent system log",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	days := cfg.Int("retention_days", 30)
	if days < 0 {
		return fmt.Errorf("retention_days must not be negative, got %d", days)
	}
	m.retention = time.Duration(days) * 24 * time.Hour
	m.queueSize = cfg.Int("queue_size", 1000)
	m.interval = cfg.Duration("cleanup_interval", time.Hour)
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

	m.svc = newService(db, m.queueSize)
	// Only Stop ends the worker, so Cleanup can drain the queue.
	if err := m.svc.worker.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		_ = m.svc.worker.Stop(ctx)
		return errors.New("logger service already registered")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	events := host.Events().Listen(runCtx)
	go m.run(runCtx, events)

	host.RegisterCommand(module.CommandInfo{Command: "logs", Description: "Show recent system logs", AdminOnly: true}, m.handleLogs(host))
	host.RegisterCommand(module.CommandInfo{Command: "clearlogs", Description: "Delete logs older than N days", AdminOnly: true}, m.handleClear(host))

	_ = m.svc.Log(ctx, Entry{Level: "INFO", Module: Name, Message: "Logger started"})
	host.Logger().Info("System logger ready.", "retention", m.retention)
	return nil
}

func (m *Module) Cleanup(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	return m.svc.worker.Stop(ctx)
}

// run turns bus events into log entries and prunes old ones.
func (m *Module) run(ctx context.Context, events <-chan eventbus.Event) {
	defer close(m.done)
	logger := ctxlog.FromContext(ctx)

	var tick <-chan time.Time
	if m.retention > 0 && m.interval > 0 {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e, keep := entryFor(ev)
			if !keep {
				continue
			}
			if err := m.svc.Log(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Dropping log entry.", "event", ev.Name, "error", err)
			}
		case <-tick:
			n, err := m.svc.ClearOlderThan(ctx, m.retention)
			if err != nil {
				logger.Error("Log retention sweep failed.", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Old log entries removed.", "count", n)
			}
		}
	}
}

// entryFor maps a bus event to a log entry. Events without a meaningful
// record return false.
func entryFor(ev eventbus.Event) (Entry, bool) {
	e := Entry{Timestamp: ev.Timestamp, Level: "INFO", Module: ev.Sender}
	switch p := ev.Payload.(type) {
	case module.ModuleEvent:
		switch ev.Name {
		case module.EventModuleLoaded, module.EventModuleUnloaded, module.EventModuleReloaded:
			e.Message = fmt.Sprintf("%s: %s", ev.Name, p.Name)
		case module.EventModuleError, module.EventModuleReloadError:
			e.Level = "ERROR"
			e.Message = fmt.Sprintf("%s: %s", ev.Name, p.Name)
			e.Details = map[string]any{"error": p.Error}
		default:
			return Entry{}, false
		}
	case module.CommandEvent:
		switch ev.Name {
		case module.EventCommandAfter:
			e.Message = "command /" + p.Command
		case module.EventCommandError:
			e.Level = "ERROR"
			e.Message = "command /" + p.Command + " failed"
			e.Details = map[string]any{"error": p.Error}
		default:
			return Entry{}, false
		}
		e.Module = p.Module
		if p.Update != nil {
			e.UserID, e.ChatID = p.Update.UserID, p.Update.ChatID
		}
	default:
		switch ev.Name {
		case module.EventAfterStart:
			e.Message = "kernel started"
		case module.EventBeforeStop:
			e.Message = "kernel stopping"
		default:
			return Entry{}, false
		}
	}
	return e, true
}

func (m *Module) handleLogs(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		f := Filter{Limit: 10}
		if len(args) > 0 {
			f.Level = args[0]
		}
		entries, err := m.svc.Recent(ctx, f)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return host.Platform().Send(ctx, u.ChatID, "No log entries.")
		}
		var b strings.Builder
		b.WriteString("Recent logs:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%s [%s] %s: %s\n", e.Timestamp.Format(time.DateTime), e.Level, e.Module, e.Message)
		}
		return host.Platform().Send(ctx, u.ChatID, strings.TrimRight(b.String(), "\n"))
	}
}

func (m *Module) handleClear(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		days := 30
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return host.Platform().Send(ctx, u.ChatID, "Usage: /clearlogs [days]")
			}
			days = n
		}
		n, err := m.svc.ClearOlderThan(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Removed %d log entries older than %d days.", n, days))
	}
}
