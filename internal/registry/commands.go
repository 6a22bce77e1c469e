package registry

import (
	"maps"
	"slices"
	"strings"

	"github.com/specialistvlad/botkernel/internal/platform"
)

// Command is a chat command bound to the module that registered it.
type Command struct {
	Name     string
	Module   string
	Handler  platform.HandlerFunc
	Metadata map[string]string
}

// Description returns the "description" metadata entry.
func (c Command) Description() string {
	return c.Metadata["description"]
}

// RegisterCommand binds command to handler for module. Commands are global:
// the first registration wins, even when the same module registers again.
func (r *Registry) RegisterCommand(module, command string, handler platform.HandlerFunc, metadata map[string]string) bool {
	command = strings.ToLower(strings.TrimPrefix(command, "/"))
	cmd := &Command{Name: command, Module: module, Handler: handler, Metadata: maps.Clone(metadata)}

	unlock := r.locks.lock(nsCommand, command)
	defer unlock()
	if !r.commands.SetIfAbsent(command, cmd) {
		existing, _ := r.commands.Get(command)
		r.logger.Warn("Command already registered.", "command", command, "module", module, "owner", existing.Module)
		return false
	}
	r.logger.Debug("Registering command.", "command", command, "module", module)
	return true
}

// GetCommandHandler returns the handler bound to command.
func (r *Registry) GetCommandHandler(command string) (platform.HandlerFunc, bool) {
	cmd, ok := r.commands.Get(strings.ToLower(strings.TrimPrefix(command, "/")))
	if !ok {
		return nil, false
	}
	return cmd.Handler, true
}

// GetCommand returns the full command record.
func (r *Registry) GetCommand(command string) (Command, bool) {
	cmd, ok := r.commands.Get(strings.ToLower(strings.TrimPrefix(command, "/")))
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// ListCommands returns every command sorted by name.
func (r *Registry) ListCommands() []Command {
	out := make([]Command, 0, r.commands.Count())
	for _, cmd := range r.commands.Items() {
		out = append(out, *cmd)
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// HandlerEntry is one update handler registration.
type HandlerEntry struct {
	Module  string
	Handler *platform.Handler
}

// RegisterHandler appends handler to the fan-out list for updateType. The
// same (module, handler) pair is accepted only once.
func (r *Registry) RegisterHandler(module, updateType string, handler *platform.Handler) bool {
	unlock := r.locks.lock(nsHandler, updateType)
	defer unlock()

	entries, _ := r.handlers.Get(updateType)
	for _, e := range entries {
		if e.Module == module && e.Handler == handler {
			return false
		}
	}
	r.handlers.Set(updateType, append(slices.Clone(entries), HandlerEntry{Module: module, Handler: handler}))
	r.logger.Debug("Registering update handler.", "update_type", updateType, "module", module, "handler", handler.Name)
	return true
}

// GetHandlers returns the handlers for updateType in registration order.
func (r *Registry) GetHandlers(updateType string) []HandlerEntry {
	entries, _ := r.handlers.Get(updateType)
	return slices.Clone(entries)
}
