// Package scheduler runs persisted cron tasks through named handlers that
// other modules register.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/modules/system/database"
)

const (
	Name        = "system.scheduler"
	ServiceName = "scheduler"
)

// FromRegistry returns the running scheduler service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

type Module struct {
	loc *time.Location

	svc    *Service
	cancel context.CancelFunc
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Cron task scheduler",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	tz := cfg.String("timezone", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	m.loc = loc
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
	if m.loc == nil {
		m.loc = time.UTC
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.svc = newService(runCtx, db, m.loc)
	n, err := m.svc.restore(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("restoring tasks: %w", err)
	}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		cancel()
		return errors.New("scheduler service already registered")
	}
	m.cancel = cancel
	m.svc.cron.Start()

	reg := func(cmd, desc string, fn platform.HandlerFunc) {
		host.RegisterCommand(module.CommandInfo{Command: cmd, Description: desc, AdminOnly: true}, fn)
	}
	reg("tasks", "List scheduled tasks", m.handleTasks(host))
	reg("addtask", "Add a task: /addtask <name> <cron> <handler>", m.handleAdd(host))
	reg("rmtask", "Remove a task", m.handleRemove(host))
	reg("toggletask", "Enable or disable a task", m.handleToggle(host))
	reg("runtask", "Run a task now", m.handleRun(host))

	host.Logger().Info("⏰ Scheduler started.", "tasks", n, "timezone", m.loc.String())
	return nil
}

func (m *Module) Cleanup(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	defer func() {
		m.cancel()
		m.cancel = nil
	}()
	select {
	case <-m.svc.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for running tasks")
	}
}

func taskID(ctx context.Context, host module.Host, u *platform.Update, args []string, usage string) (int64, bool) {
	if len(args) != 1 {
		_ = host.Platform().Send(ctx, u.ChatID, usage)
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_ = host.Platform().Send(ctx, u.ChatID, usage)
		return 0, false
	}
	return id, true
}

func (m *Module) handleTasks(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		tasks, err := m.svc.Tasks(ctx)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return host.Platform().Send(ctx, u.ChatID, "No scheduled tasks.")
		}
		var b strings.Builder
		b.WriteString("Scheduled tasks:")
		for _, t := range tasks {
			state := "off"
			if t.Enabled {
				state = "on"
			}
			fmt.Fprintf(&b, "\n#%d %s [%s] %s -> %s", t.ID, t.Name, state, t.Cron, t.Handler)
		}
		return host.Platform().Send(ctx, u.ChatID, b.String())
	}
}

func (m *Module) handleAdd(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		if len(args) < 3 {
			return host.Platform().Send(ctx, u.ChatID, "Usage: /addtask <name> <cron> <handler>")
		}
		t := Task{
			Name:    args[0],
			Cron:    strings.Join(args[1:len(args)-1], " "),
			Handler: args[len(args)-1],
			Enabled: true,
		}
		if _, ok := m.svc.handler(t.Handler); !ok {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Unknown handler %q.", t.Handler))
		}
		id, err := m.svc.AddTask(ctx, t)
		if err != nil {
			return host.Platform().Send(ctx, u.ChatID, "Could not add task: "+err.Error())
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d %s scheduled.", id, t.Name))
	}
}

func (m *Module) handleRemove(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		id, ok := taskID(ctx, host, u, args, "Usage: /rmtask <id>")
		if !ok {
			return nil
		}
		err := m.svc.RemoveTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d not found.", id))
		}
		if err != nil {
			return err
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d removed.", id))
	}
}

func (m *Module) handleToggle(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		id, ok := taskID(ctx, host, u, args, "Usage: /toggletask <id>")
		if !ok {
			return nil
		}
		t, err := m.svc.Task(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d not found.", id))
		}
		if err != nil {
			return err
		}
		if err := m.svc.SetEnabled(ctx, id, !t.Enabled); err != nil {
			return err
		}
		state := "enabled"
		if t.Enabled {
			state = "disabled"
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d %s.", id, state))
	}
}

func (m *Module) handleRun(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		id, ok := taskID(ctx, host, u, args, "Usage: /runtask <id>")
		if !ok {
			return nil
		}
		res, err := m.svc.RunTask(ctx, id)
		switch {
		case errors.Is(err, ErrTaskNotFound):
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d not found.", id))
		case err != nil:
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d failed: %v", id, err))
		case res != nil:
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d done: %v", id, res))
		default:
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Task #%d done.", id))
		}
	}
}
