// Package backup writes compressed snapshots of the sqlite database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/scheduler"
)

const (
	Name        = "system.backup"
	ServiceName = "backup"
	// TaskHandler is the scheduler handler name for periodic backups.
	TaskHandler = "backup"
)

// FromRegistry returns the running backup service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

type Module struct {
	dir  string
	keep int

	svc   *Service
	sched *scheduler.Service
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Database backups",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	m.dir = cfg.String("dir", "")
	m.keep = cfg.Int("keep", 7)
	return nil
}

func (m *Module) Setup(_ context.Context, host module.Host) error {
	db, err := database.Store(host.Registry())
	if err != nil {
		return err
	}
	dir := m.dir
	if dir == "" {
		data := host.Environment().DataDir
		if data == "" {
			data = "data"
		}
		dir = filepath.Join(data, "backups")
	}
	m.svc = &Service{db: db, dir: dir, keep: m.keep, now: time.Now}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		return errors.New("backup service already registered")
	}

	if sched, err := scheduler.FromRegistry(host.Registry()); err == nil {
		if err := sched.RegisterHandler(TaskHandler, m.runScheduled); err != nil {
			host.Logger().Warn("Could not register scheduled backup handler.", "error", err)
		} else {
			m.sched = sched
		}
	}

	host.RegisterCommand(module.CommandInfo{Command: "backup", Description: "Create a database backup", AdminOnly: true}, m.handleBackup(host))
	host.RegisterCommand(module.CommandInfo{Command: "backups", Description: "List database backups", AdminOnly: true}, m.handleList(host))

	host.Logger().Info("💾 Backups ready.", "dir", dir, "keep", m.keep, "scheduled", m.sched != nil)
	return nil
}

func (m *Module) Cleanup(context.Context) error {
	if m.sched != nil {
		m.sched.UnregisterHandler(TaskHandler)
		m.sched = nil
	}
	return nil
}

func (m *Module) runScheduled(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	b, err := m.svc.Create(ctx)
	if err != nil {
		return nil, err
	}
	return b.Name, nil
}

func (m *Module) handleBackup(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		b, err := m.svc.Create(ctx)
		if err != nil {
			host.Logger().Error("Backup failed.", "error", err)
			return host.Platform().Send(ctx, u.ChatID, "❌ Backup failed: "+err.Error())
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("✅ Backup created: %s (%d bytes)", b.Name, b.Size))
	}
}

func (m *Module) handleList(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		all, err := m.svc.List()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return host.Platform().Send(ctx, u.ChatID, "No backups yet.")
		}
		var b strings.Builder
		b.WriteString("Backups:")
		for _, bk := range all {
			fmt.Fprintf(&b, "\n%s (%d bytes)", bk.Name, bk.Size)
		}
		return host.Platform().Send(ctx, u.ChatID, b.String())
	}
}
