// Package example is a minimal user module. Copy it to start a new one.
package example

import (
	"context"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
)

const Name = "user.example"

type Module struct {
	reply string
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{Name: Name, Version: "1.0.0", Description: "Example module"}
}

func (m *Module) Configure(cfg module.Config) error {
	m.reply = cfg.String("reply", "This is an example command!")
	return nil
}

func (m *Module) Setup(_ context.Context, host module.Host) error {
	host.RegisterCommand(module.CommandInfo{Command: "example", Description: "Run the example command"},
		func(ctx context.Context, u *platform.Update) error {
			return host.Platform().Send(ctx, u.ChatID, m.reply)
		})
	return nil
}

func (m *Module) Cleanup(context.Context) error { return nil }
