// Package security enforces rate limits and admin-only commands and manages
// user roles.
package security

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
	Name        = "system.security"
	ServiceName = "security"
)

// Replies sent when a command is refused.
const (
	MsgRateLimited = "Rate limit exceeded. Please slow down."
	MsgAdminOnly   = "This command is for administrators only."
)

// FromRegistry returns the running security service.
func FromRegistry(r *registry.Registry) (*Service, error) {
	return registry.Service[*Service](r, ServiceName)
}

type Module struct {
	limit  int
	period time.Duration
	svc    *Service
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{
		Name:         Name,
		Version:      "1.0.0",
		Description:  "Roles, permissions and rate limiting",
		Dependencies: []string{database.Name},
	}
}

func (m *Module) Configure(cfg module.Config) error {
	m.limit = cfg.Int("rate_limit_messages", 20)
	m.period = cfg.Duration("rate_limit_period", time.Minute)
	if m.limit > 0 && m.period <= 0 {
		return fmt.Errorf("rate_limit_period must be positive, got %s", m.period)
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
	m.svc = newService(db, host.Registry(), host.Environment().Admins, m.limit, m.period)
	if err := m.svc.seed(ctx); err != nil {
		return err
	}
	if !host.RegisterService(ServiceName, m.svc, nil) {
		return errors.New("security service already registered")
	}

	host.UseMiddleware(eventbus.NewMiddleware("security.commands", m.guard(host)))

	host.RegisterCommand(module.CommandInfo{Command: "grant", Description: "Give a user a role", AdminOnly: true}, m.handleRole(host, true))
	host.RegisterCommand(module.CommandInfo{Command: "revoke", Description: "Take a role from a user", AdminOnly: true}, m.handleRole(host, false))
	host.RegisterCommand(module.CommandInfo{Command: "myroles", Description: "Show your roles"}, m.handleMyRoles(host))

	host.Logger().Info("🔒 Security ready.", "rate_limit", m.limit, "period", m.period, "admins", len(host.Environment().Admins))
	return nil
}

func (m *Module) Cleanup(context.Context) error {
	if m.svc != nil {
		m.svc.hits.Flush()
		m.svc.roles.Flush()
	}
	return nil
}

// guard cancels command.before for users over the rate limit and for
// non-admins invoking admin-only commands.
func (m *Module) guard(host module.Host) eventbus.MiddlewareFunc {
	return func(ctx context.Context, ev *eventbus.Event) (*eventbus.Event, error) {
		if ev.Name != module.EventCommandBefore {
			return ev, nil
		}
		cmd, ok := ev.Payload.(module.CommandEvent)
		if !ok || cmd.Update == nil {
			return ev, nil
		}
		logger := ctxlog.FromContext(ctx)
		u := cmd.Update

		if !m.svc.Allow(u.UserID) {
			logger.Warn("Rate limit exceeded.", "user_id", u.UserID, "command", cmd.Command)
			m.record(ctx, u.UserID, "rate_limited", cmd.Command)
			_ = host.Platform().Send(ctx, u.ChatID, MsgRateLimited)
			return nil, nil
		}
		if cmd.AdminOnly && !m.svc.IsAdmin(ctx, u.UserID) {
			logger.Warn("Admin command refused.", "user_id", u.UserID, "command", cmd.Command)
			m.record(ctx, u.UserID, "admin_denied", cmd.Command)
			_ = host.Platform().Send(ctx, u.ChatID, MsgAdminOnly)
			return nil, nil
		}
		return ev, nil
	}
}

func (m *Module) record(ctx context.Context, userID int64, action, details string) {
	if err := m.svc.LogEvent(ctx, userID, action, details); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record security event.", "action", action, "error", err)
	}
}

func (m *Module) handleRole(host module.Host, grant bool) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		name, args, _ := u.Command()
		if len(args) != 2 {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Usage: /%s <user_id> <role>", name))
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return host.Platform().Send(ctx, u.ChatID, "User id must be a number.")
		}
		role := strings.ToLower(args[1])

		if grant {
			err := m.svc.AssignRole(ctx, userID, role)
			if errors.Is(err, ErrUnknownRole) {
				return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Unknown role %q.", role))
			}
			if err != nil {
				return err
			}
			m.record(ctx, userID, "role_granted", fmt.Sprintf("%s by %d", role, u.UserID))
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Granted %s to %d.", role, userID))
		}

		held, err := m.svc.RevokeRole(ctx, userID, role)
		if err != nil {
			return err
		}
		if !held {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("User %d does not have role %s.", userID, role))
		}
		m.record(ctx, userID, "role_revoked", fmt.Sprintf("%s by %d", role, u.UserID))
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Revoked %s from %d.", role, userID))
	}
}

func (m *Module) handleMyRoles(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		roles, err := m.svc.Roles(ctx, u.UserID)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			return host.Platform().Send(ctx, u.ChatID, "You have no roles.")
		}
		return host.Platform().Send(ctx, u.ChatID, "Your roles: "+strings.Join(roles, ", "))
	}
}
