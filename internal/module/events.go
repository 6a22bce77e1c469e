package module

import "github.com/specialistvlad/botkernel/internal/platform"

// Event names published by the kernel.
const (
	EventBeforeStart = "before_start"
	EventAfterStart  = "after_start"
	EventBeforeStop  = "before_stop"
	EventAfterStop   = "after_stop"

	EventModuleLoading   = "module.loading"
	EventModuleLoaded    = "module.loaded"
	EventModuleError     = "module.error"
	EventModuleUnloading = "module.unloading"
	EventModuleUnloaded  = "module.unloaded"

	EventModuleReloaded    = "module_reloaded"
	EventModuleReloadError = "module_reload_error"

	EventCommandBefore = "command.before"
	EventCommandAfter  = "command.after"
	EventCommandError  = "command.error"
)

// Metadata keys understood on registered commands.
const (
	CommandMetaDescription = "description"
	CommandMetaAdminOnly   = "admin_only"
)

// ModuleEvent is the payload of module lifecycle events.
type ModuleEvent struct {
	Name  string
	Error string
}

// CommandEvent is the payload of command events. A middleware on
// EventCommandBefore that cancels the event prevents the command from
// running.
type CommandEvent struct {
	Command   string
	Args      []string
	Module    string
	AdminOnly bool
	Update    *platform.Update
	Error     string
}
