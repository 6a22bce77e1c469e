// Package base answers /start and /help.
package base

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/security"
)

const Name = "system.base"

type Module struct {
	welcome string
	host    module.Host
}

var (
	_ module.HandlerRegistrar = (*Module)(nil)
	_ module.CommandLister    = (*Module)(nil)
)

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{Name: Name, Version: "1.0.0", Description: "Start and help commands"}
}

func (m *Module) Configure(cfg module.Config) error {
	m.welcome = cfg.String("welcome", "👋 Welcome! Use /help to see what I can do.")
	return nil
}

func (m *Module) Setup(_ context.Context, host module.Host) error {
	m.host = host
	return nil
}

func (m *Module) Cleanup(context.Context) error { return nil }

func (m *Module) Commands() []module.CommandInfo {
	return []module.CommandInfo{
		{Command: "start", Description: "Start talking to the bot"},
		{Command: "help", Description: "Show this message"},
	}
}

func (m *Module) RegisterHandlers(_ context.Context, conn platform.Connection) error {
	conn.AddHandler(platform.NewHandler("base.commands", func(ctx context.Context, u *platform.Update) error {
		name, _, ok := u.Command()
		if !ok {
			return nil
		}
		switch name {
		case "start":
			return m.start(ctx, conn, u)
		case "help":
			return conn.Send(ctx, u.ChatID, m.help(ctx, u.UserID))
		}
		return nil
	}))
	return nil
}

func (m *Module) start(ctx context.Context, conn platform.Connection, u *platform.Update) error {
	if db, err := database.Store(m.host.Registry()); err == nil {
		if err := database.RecordUser(ctx, db, u.UserID, u.Username); err != nil {
			ctxlog.FromContext(ctx).Warn("Failed to record user.", "user_id", u.UserID, "error", err)
		}
	}
	return conn.Send(ctx, u.ChatID, m.welcome)
}

// help lists registered commands and those advertised by modules. Admin-only
// commands are shown to administrators only when the security service is
// available to tell them apart.
func (m *Module) help(ctx context.Context, userID int64) string {
	reg := m.host.Registry()
	isAdmin := true
	if sec, err := security.FromRegistry(reg); err == nil {
		isAdmin = sec.IsAdmin(ctx, userID)
	}

	seen := make(map[string]module.CommandInfo)
	for _, c := range reg.ListCommands() {
		info := module.CommandInfo{
			Command:     c.Name,
			Description: c.Metadata[module.CommandMetaDescription],
			AdminOnly:   c.Metadata[module.CommandMetaAdminOnly] == "true",
		}
		seen[info.Command] = info
	}
	for _, rec := range reg.ListModules() {
		if l, ok := rec.Instance.(module.CommandLister); ok {
			for _, info := range l.Commands() {
				if _, dup := seen[info.Command]; !dup {
					seen[info.Command] = info
				}
			}
		}
	}

	infos := make([]module.CommandInfo, 0, len(seen))
	for _, info := range seen {
		if info.AdminOnly && !isAdmin {
			continue
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b module.CommandInfo) int { return cmp.Compare(a.Command, b.Command) })

	var b strings.Builder
	b.WriteString("Available commands:")
	for _, info := range infos {
		fmt.Fprintf(&b, "\n/%s", info.Command)
		if info.Description != "" {
			b.WriteString(" - " + info.Description)
		}
	}
	return b.String()
}
