// Package modulemanager lets administrators inspect, load, unload and
// reload modules at runtime.
package modulemanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"gopkg.in/yaml.v3"
)

const Name = "system.modulemanager"

var defaultProtected = []string{"system.database", "system.security", Name}

// ErrProtected is returned for operations on protected modules.
var ErrProtected = errors.New("module is protected")

type Module struct {
	protected []string
}

func New() module.Module { return &Module{} }

func (m *Module) Metadata() module.Metadata {
	return module.Metadata{Name: Name, Version: "1.0.0", Description: "Runtime module management"}
}

func (m *Module) Configure(cfg module.Config) error {
	m.protected = defaultProtected
	if cfg.Has("protected") {
		m.protected = cfg.StringList("protected")
	}
	return nil
}

func (m *Module) Setup(_ context.Context, host module.Host) error {
	reg := func(cmd, desc string, fn platform.HandlerFunc) {
		host.RegisterCommand(module.CommandInfo{Command: cmd, Description: desc, AdminOnly: true}, fn)
	}
	reg("modules", "List loaded modules", m.handleList(host))
	reg("load", "Load a module: /load <name>", m.handleOp(host, "load"))
	reg("unload", "Unload a module: /unload <name>", m.handleOp(host, "unload"))
	reg("reload", "Reload a module: /reload <name>", m.handleOp(host, "reload"))
	reg("export", "Export the module list as YAML", m.handleExport(host))
	return nil
}

func (m *Module) Cleanup(context.Context) error { return nil }

func (m *Module) handleList(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		mods := host.Controller().Modules()
		var b strings.Builder
		fmt.Fprintf(&b, "Modules (%d):", len(mods))
		for _, info := range mods {
			lock := ""
			if slices.Contains(m.protected, info.Name) {
				lock = " 🔒"
			}
			fmt.Fprintf(&b, "\n%s %s [%s]%s", info.Name, info.Version, info.State, lock)
		}
		return host.Platform().Send(ctx, u.ChatID, b.String())
	}
}

func (m *Module) handleOp(host module.Host, op string) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		_, args, _ := u.Command()
		if len(args) != 1 {
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("Usage: /%s <name>", op))
		}
		name := args[0]
		err := m.apply(ctx, host.Controller(), op, name)
		if err != nil {
			host.Logger().Warn("Module operation failed.", "op", op, "target", name, "error", err)
			return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("❌ %s %s failed: %v", op, name, err))
		}
		return host.Platform().Send(ctx, u.ChatID, fmt.Sprintf("✅ %s %s done.", op, name))
	}
}

func (m *Module) apply(ctx context.Context, c module.Controller, op, name string) error {
	if op != "load" && slices.Contains(m.protected, name) {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	switch op {
	case "load":
		return c.LoadModule(ctx, name)
	case "unload":
		return c.UnloadModule(ctx, name)
	default:
		return c.ReloadModule(ctx, name)
	}
}

// exported is the YAML shape of one module.
type exported struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	State        string   `yaml:"state"`
	Path         string   `yaml:"path,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	Services     []string `yaml:"services,omitempty"`
}

// Export renders the module list as YAML.
func Export(mods []module.Info) ([]byte, error) {
	out := struct {
		Modules []exported `yaml:"modules"`
	}{Modules: make([]exported, 0, len(mods))}
	for _, info := range mods {
		out.Modules = append(out.Modules, exported{
			Name:         info.Name,
			Version:      info.Version,
			Description:  info.Description,
			State:        string(info.State),
			Path:         info.Path,
			Dependencies: info.Dependencies,
			Services:     info.Services,
		})
	}
	return yaml.Marshal(out)
}

func (m *Module) handleExport(host module.Host) platform.HandlerFunc {
	return func(ctx context.Context, u *platform.Update) error {
		raw, err := Export(host.Controller().Modules())
		if err != nil {
			return err
		}
		return host.Platform().Send(ctx, u.ChatID, string(raw))
	}
}
