package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/testutil/kerneltest"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/scheduler"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*kerneltest.Harness, *scheduler.Service) {
	t.Helper()
	catalog := module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(scheduler.Name, scheduler.New)
	h := kerneltest.New(t, catalog, database.Name, scheduler.Name)
	h.Load(t)
	svc, err := scheduler.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	return h, svc
}

func pong(context.Context, []any, map[string]any) (any, error) { return "pong", nil }

func TestAddTask_RejectsBadCron(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)

	_, err := svc.AddTask(h.Ctx, scheduler.Task{Name: "bad", Cron: "every tuesday", Handler: "ping", Enabled: true})

	require.ErrorContains(t, err, `invalid cron expression "every tuesday"`)
	tasks, err := svc.Tasks(h.Ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestRunTask_RecordsOutcome(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h, svc := newHarness(t)
	var gotArgs []any
	var gotKwargs map[string]any
	require.NoError(t, svc.RegisterHandler("echo", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		gotArgs, gotKwargs = args, kwargs
		return map[string]int{"n": len(args)}, nil
	}))
	require.ErrorIs(t, svc.RegisterHandler("echo", pong), scheduler.ErrHandlerExists)
	ok, err := svc.AddTask(h.Ctx, scheduler.Task{
		Name: "echo", Cron: "0 3 * * *", Handler: "echo",
		Args: []any{"a", "b"}, Kwargs: map[string]any{"k": "v"}, Enabled: true,
	})
	require.NoError(t, err)
	missing, err := svc.AddTask(h.Ctx, scheduler.Task{Name: "ghost", Cron: "@daily", Handler: "nobody", Enabled: true})
	require.NoError(t, err)

	// --- Act ---
	res, runErr := svc.RunTask(h.Ctx, ok)
	_, missingErr := svc.RunTask(h.Ctx, missing)

	// --- Assert ---
	require.NoError(t, runErr)
	require.Equal(t, map[string]int{"n": 2}, res)
	require.Equal(t, []any{"a", "b"}, gotArgs)
	require.Equal(t, map[string]any{"k": "v"}, gotKwargs)
	require.ErrorIs(t, missingErr, scheduler.ErrUnknownHandler)

	runs, err := svc.Runs(h.Ctx, ok, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, scheduler.RunSucceeded, runs[0].Status)
	require.JSONEq(t, `{"n":2}`, runs[0].Result)

	runs, err = svc.Runs(h.Ctx, missing, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, scheduler.RunFailed, runs[0].Status)

	task, err := svc.Task(h.Ctx, ok)
	require.NoError(t, err)
	require.False(t, task.LastRun.IsZero())
	require.True(t, task.NextRun.After(task.LastRun))
}

func TestScheduledTaskFires(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	var calls atomic.Int32
	require.NoError(t, svc.RegisterHandler("tick", func(context.Context, []any, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("tock")
	}))

	id, err := svc.AddTask(h.Ctx, scheduler.Task{Name: "tick", Cron: "@every 1s", Handler: "tick", Enabled: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		runs, err := svc.Runs(h.Ctx, id, 1)
		return err == nil && len(runs) == 1 && runs[0].Error == "tock"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTasksSurviveReload(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	_, err := svc.AddTask(h.Ctx, scheduler.Task{Name: "keep", Cron: "@hourly", Handler: "ping", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, h.Kernel.ReloadModule(h.Ctx, scheduler.Name))

	fresh, err := scheduler.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	require.NotSame(t, svc, fresh)
	tasks, err := fresh.Tasks(h.Ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "keep", tasks[0].Name)
}

func TestCommands(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	require.NoError(t, svc.RegisterHandler("ping", pong))
	h.Start(t)
	admin := kerneltest.AdminID

	require.Equal(t, []string{"No scheduled tasks."}, h.Say(t, admin, "/tasks"))
	require.Equal(t, []string{`Unknown handler "nope".`}, h.Say(t, admin, "/addtask x 0 3 * * * nope"))
	require.Equal(t, []string{"Task #1 nightly scheduled."}, h.Say(t, admin, "/addtask nightly 0 3 * * * ping"))
	require.Equal(t, []string{"Scheduled tasks:\n#1 nightly [on] 0 3 * * * -> ping"}, h.Say(t, admin, "/tasks"))
	require.Equal(t, []string{"Task #1 disabled."}, h.Say(t, admin, "/toggletask 1"))
	require.Equal(t, []string{"Task #1 done: pong"}, h.Say(t, admin, "/runtask 1"))
	require.Equal(t, []string{"Task #1 removed."}, h.Say(t, admin, "/rmtask 1"))
	require.Equal(t, []string{"Task #1 not found."}, h.Say(t, admin, "/rmtask 1"))
	require.Equal(t, []string{"Usage: /rmtask <id>"}, h.Say(t, admin, "/rmtask one"))
}
