// Package admin keeps the administrator list and the admin commands.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/internal/storage"
	"github.com/specialistvlad/botkernel/modules/system/database"
)

const (
	Name        = "system.admin"
	ServiceName = "admin"
)

// ErrConfiguredAdmin is returned when removing an admin from the process
// configuration.
var ErrConfiguredAdmin = errors.New("admin is set in configuration")

// FromRegistry returns the running admin service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

// Service answers whether a user is an administrator.
type Service struct {
	db         storage.Store
	configured []int64

	mu    sync.RWMutex
	known map[int64]struct{}
}

// IsAdmin reports whether userID is a configured or stored administrator.
func (s *Service) IsAdmin(_ context.Context, userID int64) bool {
	if slices.Contains(s.configured, userID) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[userID]
	return ok
}

// AddAdmin stores userID as administrator.
func (s *Service) AddAdmin(ctx context.Context, userID, addedBy int64) error {
	err := storage.Upsert{
		Probe: `SELECT user_id FROM admins WHERE user_id = ?`, ProbeArgs: []any{userID},
		Update: `UPDATE admins SET added_by = ? WHERE user_id = ?`, UpdateArgs: []any{addedBy, userID},
		Insert:     `INSERT INTO admins (user_id, added_by, added_at) VALUES (?, ?, ?)`,
		InsertArgs: []any{userID, addedBy, storage.Timestamp(time.Now())},
	}.Exec(ctx, s.db)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.known[userID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// RemoveAdmin deletes a stored administrator and reports whether it existed.
func (s *Service) RemoveAdmin(ctx context.Context, userID int64) (bool, error) {
	if slices.Contains(s.configured, userID) {
		return false, fmt.Errorf("%w: %d", ErrConfiguredAdmin, userID)
	}
	res, err := s.db.Execute(ctx, `DELETE FROM admins WHERE user_id = ?`, userID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.known, userID)
	s.mu.Unlock()
	return res.RowsAffected > 0, nil
}

// Admins lists every administrator in ascending order.
func (s *Service) Admins() []int64 {
	s.mu.RLock()
	out := slices.Clone(s.configured)
	for id := range s.known {
		out = append(out, id)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *Service) load(ctx context.Context) error {
	rows, err := s.db.FetchAll(ctx, `SELECT user_id FROM admins`)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.known[r.Int64("user_id")] = struct{}{}
	}
	return nil
}

type Module struct {
	svc *Service
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Administrator management",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Setup(ctx context.Context, host module.Host) error {
	db, err := database.Store(host.Registry())
	if err != nil {
		return err
	}
	if _, err := db.Execute(ctx, `CREATE TABLE IF NOT EXISTS admins (
		user_id BIGINT PRIMARY KEY,
		added_by BIGINT,
		added_at VARCHAR(32)
	)`); err != nil {
		return fmt.Errorf("creating admins table: %w", err)
	}

	m.svc = &Service{db: db, configured: host.Environment().Admins, known: make(map[int64]struct{})}
	if err := m.svc.load(ctx); err != nil {
		return err
	}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		return errors.New("admin service already registered")
	}

	reg := func(cmd, desc string, fn platform.HandlerFunc) {
		host.RegisterCommand(module.CommandInfo{Command: cmd, Description: desc, AdminOnly: true}, fn)
	}
	reg("admin", "Show the admin overview", m.handleOverview(host))
	reg("addadmin", "Make a user an administrator", m.handleAdd(host))
	reg("rmadmin", "Remove an administrator", m.handleRemove(host))
	reg("admins", "List administrators", m.handleList(host))
	reg("commands", "List every registered command", m.handleCommands(host))
	return nil
}

func (m *Module) Cleanup(context.Context) error { return nil }

func (m *Module) handleOverview(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		r := host.Registry()
		text := fmt.Sprintf("Admin panel\nModules: %d\nCommands: %d\nServices: %d\nAdmins: %d",
			len(r.ListModules()), len(r.ListCommands()), len(r.ListServices()), len(m.svc.Admins()))
		return host.Platform().Send(ctx, u.ChatID, text)
	}
}

func parseUserID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil
}

func (m *Module) handleAdd(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		id, ok := parseUserID(args)
		if !ok {
			return host.Platform().Send(ctx, u.ChatID, "Usage: /addadmin <user_id>")
		}
		if err := m.svc.AddAdmin(ctx, id, u.UserID); err != nil {
			return err
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("User %d is now an administrator.", id))
	}
}

func (m *Module) handleRemove(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		id, ok := parseUserID(args)
		if !ok {
			return host.Platform().Send(ctx, u.ChatID, "Usage: /rmadmin <user_id>")
		}
		removed, err := m.svc.RemoveAdmin(ctx, id)
		switch {
		case errors.Is(err, ErrConfiguredAdmin):
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("User %d is configured as administrator and cannot be removed here.", id))
		case err != nil:
			return err
		case !removed:
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("User %d is not an administrator.", id))
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("User %d is no longer an administrator.", id))
	}
}

func (m *Module) handleList(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		ids := m.svc.Admins()
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return host.Platform().Send(ctx, u.ChatID, "Administrators: "+strings.Join(parts, ", "))
	}
}

func (m *Module) handleCommands(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		cmds := host.Registry().ListCommands()
		slices.SortFunc(cmds, func(a, b registry.Command) int { return strings.Compare(a.Name, b.Name) })
		var b strings.Builder
		b.WriteString("Commands:")
		for _, c := range cmds {
			marker := ""
			if c.Metadata[module.CommandMetaAdminOnly] == "true" {
				marker = " (admin)"
			}
			fmt.Fprintf(&b, "\n/%s%s [%s] %s", c.Name, marker, c.Module, c.Metadata[module.CommandMetaDescription])
		}
		return host.Platform().Send(ctx, u.ChatID, b.String())
	}
}
