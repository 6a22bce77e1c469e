package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/testutil/kerneltest"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/stats"
	"github.com/stretchr/testify/require"
)

type greeter struct{}

func (greeter) Setup(_ context.Context, host module.Host) error {
	host.RegisterCommand(module.CommandInfo{Command: "hi"}, func(ctx context.Context, u *platform.Update) error {
		return host.Platform().Send(ctx, u.ChatID, "hello")
	})
	host.RegisterCommand(module.CommandInfo{Command: "boom"}, func(context.Context, *platform.Update) error {
		return errors.New("kaboom")
	})
	return nil
}
func (greeter) Cleanup(context.Context) error { return nil }

func newHarness(t *testing.T) (*kerneltest.Harness, *stats.Service) {
	t.Helper()
	catalog := module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(stats.Name, stats.New).
		MustRegister("user.greeter", func() module.Module { return greeter{} })
	h := kerneltest.New(t, catalog, database.Name, stats.Name)
	h.Load(t)
	require.NoError(t, h.Kernel.LoadModule(h.Ctx, "user.greeter"))
	h.Start(t)
	svc, err := stats.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	return h, svc
}

func TestStats_CountsCommands(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h, svc := newHarness(t)
	since := time.Now().Add(-time.Minute)

	// --- Act ---
	h.Say(t, 5, "/hi")
	h.Say(t, 6, "/hi")
	h.Say(t, 5, "/boom")
	require.NoError(t, svc.Flush(h.Ctx))

	// --- Assert ---
	total, err := svc.Total(h.Ctx, stats.MetricCommands, since)
	require.NoError(t, err)
	require.Equal(t, 3.0, total)
	errs, err := svc.Total(h.Ctx, stats.MetricCommandErrors, since)
	require.NoError(t, err)
	require.Equal(t, 1.0, errs)

	after, err := svc.EventCount(h.Ctx, "command.after", since)
	require.NoError(t, err)
	require.Equal(t, int64(2), after)

	// Unflushed deltas are included in totals.
	svc.Increment(stats.MetricCommands, 2)
	total, err = svc.Total(h.Ctx, stats.MetricCommands, since)
	require.NoError(t, err)
	require.Equal(t, 5.0, total)
}

func TestStats_Command(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)
	h.Say(t, 5, "/hi")
	h.Say(t, 5, "/hi")
	h.Say(t, 5, "/boom")

	replies := h.Say(t, kerneltest.AdminID, "/stats")

	require.Equal(t, []string{"Statistics:" +
		"\ncommands.boom: 1" +
		"\ncommands.errors: 1" +
		"\ncommands.hi: 2" +
		"\ncommands.total: 3" +
		"\nmodules.loaded: 3"}, replies)
}

func TestStats_ModuleGauge(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)

	require.NoError(t, h.Kernel.UnloadModule(h.Ctx, "user.greeter"))

	summary, err := svc.Summary(h.Ctx)
	require.NoError(t, err)
	require.Equal(t, 2.0, summary[stats.MetricModules])
}
