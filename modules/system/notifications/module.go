// Package notifications delivers queued messages to users and honours their
// delivery preferences and quiet hours.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/modules/system/database"
)

const (
	Name        = "system.notifications"
	ServiceName = "notifications"
)

// FromRegistry returns the running notification service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

type Module struct {
	queueSize int
	sweep     time.Duration

	svc    *Service
	cancel context.CancelFunc
	done   chan struct{}
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "User notifications with quiet hours",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	m.queueSize = cfg.Int("queue_size", 500)
	m.sweep = cfg.Duration("sweep_interval", time.Minute)
	if m.sweep <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", m.sweep)
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

	m.svc = newService(db, host.Platform(), m.queueSize)
	// Only Stop ends the worker, so Cleanup can drain the queue.
	if err := m.svc.worker.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		_ = m.svc.worker.Stop(ctx)
		return errors.New("notification service already registered")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(runCtx)

	host.RegisterCommand(module.CommandInfo{
		Command:     "notifications",
		Description: "Manage notifications: on, off, quiet HH:MM HH:MM, quiet off",
	}, m.handlePreferences(host))

	host.Logger().Info("🔔 Notifications ready.", "sweep_interval", m.sweep)
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

// sweepLoop releases notifications postponed by quiet hours.
func (m *Module) sweepLoop(ctx context.Context) {
	defer close(m.done)
	logger := ctxlog.FromContext(ctx)
	t := time.NewTicker(m.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.svc.releaseDue(ctx)
			if err != nil {
				logger.Error("Failed to release scheduled notifications.", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Scheduled notifications released.", "count", n)
			}
		}
	}
}

func (m *Module) handlePreferences(host module.Host) platform.HandlerFunc {
	reply := func(ctx context.Context, u *platform.Update, text string) error {
		return host.Platform().Send(ctx, u.ChatID, text)
	}
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		prefs, err := m.svc.Preferences(ctx, u.UserID)
		if err != nil {
			return err
		}

		switch {
		case len(args) == 0:
			return reply(ctx, u, describe(prefs))
		case args[0] == "on" || args[0] == "off":
			prefs.Enabled = args[0] == "on"
		case args[0] == "quiet" && len(args) == 2 && args[1] == "off":
			prefs.QuietStart, prefs.QuietEnd = "", ""
		case args[0] == "quiet" && len(args) == 3:
			prefs.QuietStart, prefs.QuietEnd = args[1], args[2]
		default:
			return reply(ctx, u, "Usage: /notifications [on|off|quiet HH:MM HH:MM|quiet off]")
		}

		if err := m.svc.SetPreferences(ctx, u.UserID, prefs); err != nil {
			return reply(ctx, u, "Could not update preferences: "+err.Error())
		}
		return reply(ctx, u, describe(prefs))
	}
}

func describe(p Preferences) string {
	var b strings.Builder
	if p.Enabled {
		b.WriteString("Notifications are on.")
	} else {
		b.WriteString("Notifications are off.")
	}
	if p.QuietStart != "" {
		fmt.Fprintf(&b, " Quiet hours: %s-%s.", p.QuietStart, p.QuietEnd)
	}
	if len(p.Types) > 0 {
		fmt.Fprintf(&b, " Types: %s.", strings.Join(p.Types, ", "))
	}
	return b.String()
}
