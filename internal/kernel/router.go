package kernel

import (
	"context"
	"fmt"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/registry"
)

// anyUpdate is the update type of handlers that receive every update.
const anyUpdate = "*"

// route is the single handler the kernel installs on the connection. A
// registered command is dispatched to its owner and consumes the update;
// everything else fans out to the handlers for the update's type, then to
// the catch-all handlers. Handler failures are logged and never stop the
// fan-out.
func (k *Kernel) route(ctx context.Context, u *platform.Update) error {
	logger := ctxlog.FromContext(ctx)

	if name, args, ok := u.Command(); ok {
		if cmd, found := k.registry.GetCommand(name); found {
			k.runCommand(ctx, cmd, args, u)
			return nil
		}
	}

	entries := append(k.registry.GetHandlers(u.Type), k.registry.GetHandlers(anyUpdate)...)
	for _, e := range entries {
		if err := safeHandle(ctx, e.Handler.Fn, u); err != nil {
			logger.Error("Update handler failed.", "module", e.Module, "handler", e.Handler.Name, "update_type", u.Type, "error", err)
		}
	}
	return nil
}

// runCommand emits command.before, which middleware may cancel, runs the
// command and reports the outcome as command.after or command.error.
func (k *Kernel) runCommand(ctx context.Context, cmd registry.Command, args []string, u *platform.Update) {
	logger := ctxlog.FromContext(ctx).With("command", cmd.Name, "module", cmd.Module)

	payload := module.CommandEvent{
		Command:   cmd.Name,
		Args:      args,
		Module:    cmd.Module,
		AdminOnly: cmd.Metadata[module.CommandMetaAdminOnly] == "true",
		Update:    u,
	}
	if ev := k.bus.Emit(ctx, module.EventCommandBefore, payload, sender); ev == nil {
		logger.Info("Command rejected.", "user_id", u.UserID)
		return
	}

	logger.Debug("Running command.", "user_id", u.UserID)
	if err := safeHandle(ctxlog.WithModule(ctx, cmd.Module), cmd.Handler, u); err != nil {
		logger.Error("Command failed.", "error", err)
		payload.Error = err.Error()
		k.bus.Emit(ctx, module.EventCommandError, payload, sender)
		return
	}
	k.bus.Emit(ctx, module.EventCommandAfter, payload, sender)
}

func safeHandle(ctx context.Context, fn platform.HandlerFunc, u *platform.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, u)
}
