package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/platform/local"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stubModule is a configurable module used across kernel tests.
type stubModule struct {
	setup    func(ctx context.Context, host module.Host) error
	cleanup  func(ctx context.Context) error
	handlers func(ctx context.Context, conn platform.Connection) error
}

func (m *stubModule) Setup(ctx context.Context, host module.Host) error {
	if m.setup == nil {
		return nil
	}
	return m.setup(ctx, host)
}

func (m *stubModule) Cleanup(ctx context.Context) error {
	if m.cleanup == nil {
		return nil
	}
	return m.cleanup(ctx)
}

func (m *stubModule) RegisterHandlers(ctx context.Context, conn platform.Connection) error {
	if m.handlers == nil {
		return nil
	}
	return m.handlers(ctx, conn)
}

// counter records setup and cleanup calls per module name.
type counter struct {
	mu       sync.Mutex
	setups   map[string]int
	cleanups []string
}

func newCounter() *counter {
	return &counter{setups: map[string]int{}}
}

func (c *counter) factory(name string) module.Factory {
	return func() module.Module {
		return &stubModule{
			setup: func(context.Context, module.Host) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.setups[name]++
				return nil
			},
			cleanup: func(context.Context) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.cleanups = append(c.cleanups, name)
				return nil
			},
		}
	}
}

func (c *counter) setupCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups[name]
}

func (c *counter) cleanupOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cleanups...)
}

func newTestKernel(t *testing.T, cfg Config, catalog *module.Catalog) (*Kernel, *local.Connection) {
	t.Helper()
	if cfg.ModulesPath == "" {
		cfg.ModulesPath = t.TempDir()
	}
	if cfg.CoreModules == nil {
		cfg.CoreModules = []string{}
	}
	conn := local.New()
	return New(cfg, catalog, conn), conn
}

func writeManifest(t *testing.T, root, name, content string) {
	t.Helper()
	ns, short := module.SplitName(name)
	dir := filepath.Join(root, ns, short)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.ManifestFile), []byte(content), 0o644))
}

func eventNames(bus *eventbus.Bus, name string) []module.ModuleEvent {
	var out []module.ModuleEvent
	for _, ev := range bus.History(name) {
		out = append(out, ev.Payload.(module.ModuleEvent))
	}
	return out
}

func TestLoadModule_SetupFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	catalog := module.NewCatalog().MustRegister("system.broken", func() module.Module {
		return &stubModule{setup: func(_ context.Context, host module.Host) error {
			host.RegisterService("half", struct{}{}, nil)
			host.Subscribe("ping", eventbus.NewHandler("broken.ping", func(context.Context, *eventbus.Event) (any, error) {
				return nil, nil
			}))
			return errors.New("boom")
		}}
	})
	k, _ := newTestKernel(t, Config{}, catalog)

	// --- Act ---
	err := k.LoadModule(ctx, "system.broken")

	// --- Assert ---
	require.ErrorIs(t, err, ErrModuleLoad)
	var modErr *ModuleError
	require.ErrorAs(t, err, &modErr)
	require.Equal(t, "system.broken", modErr.Module)

	require.False(t, k.IsLoaded("system.broken"))
	require.Equal(t, module.StateError, k.State("system.broken"))
	_, found := k.Registry().GetService("half")
	require.False(t, found)
	require.Zero(t, k.Events().HandlerCount("ping"))

	errs := eventNames(k.Events(), module.EventModuleError)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error, "boom")
}

func TestLoadModule_PanicInSetupIsRecovered(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	catalog := module.NewCatalog().MustRegister("system.panicky", func() module.Module {
		return &stubModule{setup: func(context.Context, module.Host) error { panic("nope") }}
	})
	k, _ := newTestKernel(t, Config{}, catalog)

	err := k.LoadModule(ctx, "system.panicky")

	require.ErrorIs(t, err, ErrModuleLoad)
	require.ErrorContains(t, err, "panicked: nope")
	require.False(t, k.IsLoaded("system.panicky"))
}

func TestLoadModule_Errors(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().MustRegister("system.ok", c.factory("system.ok"))
	k, _ := newTestKernel(t, Config{}, catalog)

	require.ErrorIs(t, k.LoadModule(ctx, "nodot"), ErrModuleLoad)
	require.ErrorIs(t, k.LoadModule(ctx, "system.missing"), ErrModuleLoad)

	require.NoError(t, k.LoadModule(ctx, "system.ok"))
	require.ErrorIs(t, k.LoadModule(ctx, "system.ok"), ErrModuleAlreadyLoaded)
	require.Equal(t, 1, c.setupCount("system.ok"))
}

func TestUnloadThenLoad_RunsSetupTwice(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().MustRegister("user.example", c.factory("user.example"))
	k, _ := newTestKernel(t, Config{}, catalog)
	require.NoError(t, k.LoadModule(ctx, "user.example"))

	// --- Act ---
	require.NoError(t, k.UnloadModule(ctx, "user.example"))
	require.Equal(t, module.StateUnloaded, k.State("user.example"))
	require.NoError(t, k.LoadModule(ctx, "user.example"))

	// --- Assert ---
	require.Equal(t, 2, c.setupCount("user.example"))
	require.Equal(t, []string{"user.example"}, c.cleanupOrder())
	require.Equal(t, module.StateLoaded, k.State("user.example"))
	require.Len(t, eventNames(k.Events(), module.EventModuleUnloaded), 1)
}

func TestReloadModule(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().MustRegister("system.stats", c.factory("system.stats"))
	k, _ := newTestKernel(t, Config{}, catalog)
	require.NoError(t, k.LoadModule(ctx, "system.stats"))
	first, _ := k.Module("system.stats")

	// --- Act ---
	err := k.ReloadModule(ctx, "system.stats")

	// --- Assert ---
	require.NoError(t, err)
	second, ok := k.Module("system.stats")
	require.True(t, ok)
	require.NotSame(t, first, second)
	require.Equal(t, 2, c.setupCount("system.stats"))
	reloaded := eventNames(k.Events(), module.EventModuleReloaded)
	require.Equal(t, []module.ModuleEvent{{Name: "system.stats"}}, reloaded)
}

func TestReloadModule_NotLoadedFailsFast(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().MustRegister("system.stats", c.factory("system.stats"))
	k, _ := newTestKernel(t, Config{}, catalog)

	err := k.ReloadModule(ctx, "system.stats")

	require.ErrorIs(t, err, ErrModuleNotLoaded)
	require.Zero(t, c.setupCount("system.stats"))
	errs := eventNames(k.Events(), module.EventModuleReloadError)
	require.Equal(t, []module.ModuleEvent{{Name: "system.stats", Error: "module not loaded"}}, errs)
}

func TestUnloadModule_DropsOwnedRegistrations(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	mw := eventbus.NewMiddleware("owner.mw", func(_ context.Context, ev *eventbus.Event) (*eventbus.Event, error) {
		return ev, nil
	})
	catalog := module.NewCatalog().
		MustRegister("system.owner", func() module.Module {
			return &stubModule{setup: func(_ context.Context, host module.Host) error {
				host.RegisterService("owned", 1, nil)
				host.RegisterCommand(module.CommandInfo{Command: "own"}, func(context.Context, *platform.Update) error { return nil })
				host.RegisterHandler(platform.UpdateMessage, platform.NewHandler("owner.msg", func(context.Context, *platform.Update) error { return nil }))
				host.Subscribe("tick", eventbus.NewHandler("owner.tick", func(context.Context, *eventbus.Event) (any, error) { return nil, nil }))
				host.UseMiddleware(mw)
				return nil
			}}
		}).
		MustRegister("system.other", func() module.Module {
			return &stubModule{setup: func(_ context.Context, host module.Host) error {
				host.RegisterService("kept", 2, nil)
				return nil
			}}
		})
	k, _ := newTestKernel(t, Config{}, catalog)
	require.NoError(t, k.LoadModule(ctx, "system.owner"))
	require.NoError(t, k.LoadModule(ctx, "system.other"))

	rec, ok := k.Registry().ServiceInfo("owned")
	require.True(t, ok)
	require.Equal(t, "system.owner", rec.Owner)

	// --- Act ---
	require.NoError(t, k.UnloadModule(ctx, "system.owner"))

	// --- Assert ---
	_, ok = k.Registry().GetService("owned")
	require.False(t, ok)
	_, ok = k.Registry().GetService("kept")
	require.True(t, ok)
	_, ok = k.Registry().GetCommand("own")
	require.False(t, ok)
	require.Empty(t, k.Registry().GetHandlers(platform.UpdateMessage))
	require.Zero(t, k.Events().HandlerCount("tick"))
	require.False(t, k.Events().RemoveMiddleware(mw))
	_, ok = k.Registry().GetModule("system.owner")
	require.False(t, ok)

	require.ErrorIs(t, k.UnloadModule(ctx, "system.owner"), ErrModuleNotLoaded)
}

func TestDuplicateServiceAcrossModules(t *testing.T) {
	t.Parallel()
	ctx, logs := testutil.Context(t)
	results := make(map[string]bool)
	var mu sync.Mutex
	dbModule := func(name string) module.Factory {
		return func() module.Module {
			return &stubModule{setup: func(_ context.Context, host module.Host) error {
				ok := host.RegisterService("db", name, nil)
				mu.Lock()
				results[name] = ok
				mu.Unlock()
				return nil
			}}
		}
	}
	catalog := module.NewCatalog().
		MustRegister("system.first", dbModule("system.first")).
		MustRegister("system.second", dbModule("system.second"))
	reg := registry.New(registry.WithLogger(testutil.NewLogger(logs)))
	k := New(Config{ModulesPath: t.TempDir(), CoreModules: []string{}}, catalog, local.New(), WithRegistry(reg))

	require.NoError(t, k.LoadModule(ctx, "system.first"))
	require.NoError(t, k.LoadModule(ctx, "system.second"))

	require.Equal(t, 1, strings.Count(logs.String(), "level=WARN"), "the conflict is reported once")
	require.Contains(t, logs.String(), `msg="Service name already taken." module=system.second service=db`)
	require.True(t, results["system.first"])
	require.False(t, results["system.second"])
	owner, err := registry.Service[string](k.Registry(), "db")
	require.NoError(t, err)
	require.Equal(t, "system.first", owner)
}

func TestLoadModules_OrderAndIsolation(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	root := t.TempDir()
	for _, dir := range []string{"beta", "alpha", "orphan", ".hidden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "user", dir), 0o755))
	}
	c := newCounter()
	catalog := module.NewCatalog().
		MustRegister("system.database", c.factory("system.database")).
		MustRegister("system.stats", func() module.Module {
			return &stubModule{setup: func(context.Context, module.Host) error { return errors.New("stats down") }}
		}).
		MustRegister("system.base", c.factory("system.base")).
		MustRegister("user.alpha", c.factory("user.alpha")).
		MustRegister("user.beta", c.factory("user.beta"))
	k, _ := newTestKernel(t, Config{
		ModulesPath: root,
		CoreModules: []string{"system.database", "system.stats", "system.base"},
	}, catalog)

	// --- Act ---
	err := k.LoadModules(ctx)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, []string{"system.database", "system.base", "user.alpha", "user.beta"}, k.LoadOrder())
	require.Equal(t, module.StateError, k.State("system.stats"))
	require.Equal(t, module.StateError, k.State("user.orphan"))
}

func TestLoadModules_CriticalFailureAborts(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().
		MustRegister("system.database", func() module.Module {
			return &stubModule{setup: func(context.Context, module.Host) error { return errors.New("no disk") }}
		}).
		MustRegister("system.logger", c.factory("system.logger"))
	k, _ := newTestKernel(t, Config{CoreModules: []string{"system.database", "system.logger"}}, catalog)

	// --- Act ---
	err := k.LoadModules(ctx)

	// --- Assert ---
	require.ErrorIs(t, err, ErrModuleLoad)
	require.ErrorContains(t, err, "critical module system.database")
	require.Empty(t, k.LoadOrder())
	require.Zero(t, c.setupCount("system.logger"))
}

func TestLoadModules_DisabledManifestSkipped(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	root := t.TempDir()
	writeManifest(t, root, "system.security", `enabled = false`)
	writeManifest(t, root, "system.admin", `
version      = "1.2.0"
dependencies = ["system.security"]
`)
	c := newCounter()
	catalog := module.NewCatalog().
		MustRegister("system.security", c.factory("system.security")).
		MustRegister("system.admin", c.factory("system.admin"))
	k, _ := newTestKernel(t, Config{ModulesPath: root, CoreModules: []string{"system.security", "system.admin"}}, catalog)

	err := k.LoadModules(ctx)

	require.NoError(t, err)
	require.Equal(t, []string{"system.admin"}, k.LoadOrder())
	require.Zero(t, c.setupCount("system.security"))
	require.ErrorIs(t, k.LoadModule(ctx, "system.security"), ErrModuleDisabled)

	infos := k.Modules()
	require.Len(t, infos, 1)
	require.Equal(t, "1.2.0", infos[0].Version)
	require.Equal(t, []string{"system.security"}, infos[0].Dependencies)
}

func TestStart_RequiresToken(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	k, conn := newTestKernel(t, Config{}, module.NewCatalog())

	err := k.Start(ctx)

	require.ErrorIs(t, err, ErrConfiguration)
	require.False(t, k.Running())
	require.False(t, conn.Running())
}

func TestStop_IsIdempotent(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	c := newCounter()
	catalog := module.NewCatalog().MustRegister("system.base", c.factory("system.base"))
	k, _ := newTestKernel(t, Config{}, catalog)
	require.NoError(t, k.LoadModule(ctx, "system.base"))

	require.NoError(t, k.Stop(ctx))
	require.NoError(t, k.Stop(ctx))

	require.Equal(t, []string{"system.base"}, c.cleanupOrder())
	require.Len(t, k.Events().History(module.EventAfterStop), 1)
}

// startKernel runs Start in the background and waits for after_start.
func startKernel(t *testing.T, ctx context.Context, k *Kernel) (stop func() error) {
	t.Helper()
	started := make(chan struct{})
	var once sync.Once
	k.Events().Subscribe(module.EventAfterStart, eventbus.NewHandler("test.started", func(context.Context, *eventbus.Event) (any, error) {
		once.Do(func() { close(started) })
		return nil, nil
	}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- k.Start(runCtx) }()

	select {
	case <-started:
	case err := <-done:
		cancel()
		t.Fatalf("kernel exited before starting: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("kernel did not start")
	}
	require.Eventually(t, k.Running, time.Second, 5*time.Millisecond)

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("kernel did not stop")
			return nil
		}
	}
}

func TestStart_StopsInReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	c := newCounter()
	names := []string{"system.database", "system.logger", "system.base"}
	catalog := module.NewCatalog()
	for _, n := range names {
		catalog.MustRegister(n, c.factory(n))
	}
	k, conn := newTestKernel(t, Config{Token: "secret", CoreModules: names}, catalog)
	require.NoError(t, k.LoadModules(ctx))

	// --- Act ---
	stop := startKernel(t, ctx, k)
	for _, n := range names {
		require.Equal(t, module.StateActive, k.State(n))
	}
	require.ErrorIs(t, k.Start(ctx), ErrAlreadyRunning)
	err := stop()

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, []string{"system.base", "system.logger", "system.database"}, c.cleanupOrder())
	require.False(t, k.Running())
	require.False(t, conn.Running())
	require.Empty(t, k.LoadOrder())
	require.Empty(t, k.Registry().ListModules())
	for _, name := range []string{module.EventBeforeStart, module.EventAfterStart, module.EventBeforeStop, module.EventAfterStop} {
		require.Len(t, k.Events().History(name), 1, name)
	}
}

func TestStart_RoutesCommandsAndUpdates(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	var (
		mu       sync.Mutex
		messages []string
	)
	catalog := module.NewCatalog().
		MustRegister("system.base", func() module.Module {
			return &stubModule{
				setup: func(_ context.Context, host module.Host) error {
					conn := host.Platform()
					host.RegisterCommand(module.CommandInfo{Command: "/ping", Description: "Replies pong"}, func(ctx context.Context, u *platform.Update) error {
						return conn.Send(ctx, u.ChatID, "pong")
					})
					host.RegisterCommand(module.CommandInfo{Command: "fail"}, func(context.Context, *platform.Update) error {
						return errors.New("bad input")
					})
					return nil
				},
				handlers: func(_ context.Context, conn platform.Connection) error {
					conn.AddHandler(platform.NewHandler("base.echo", func(_ context.Context, u *platform.Update) error {
						mu.Lock()
						defer mu.Unlock()
						messages = append(messages, u.Text)
						return nil
					}))
					return nil
				},
			}
		}).
		MustRegister("system.security", func() module.Module {
			return &stubModule{setup: func(_ context.Context, host module.Host) error {
				host.UseMiddleware(eventbus.NewMiddleware("security.block", func(_ context.Context, ev *eventbus.Event) (*eventbus.Event, error) {
					if cmd, ok := ev.Payload.(module.CommandEvent); ok && cmd.Update.UserID == 13 {
						return nil, nil
					}
					return ev, nil
				}))
				return nil
			}}
		})
	k, conn := newTestKernel(t, Config{Token: "secret", CoreModules: []string{"system.security", "system.base"}}, catalog)
	require.NoError(t, k.LoadModules(ctx))
	stop := startKernel(t, ctx, k)

	// --- Act ---
	require.NoError(t, conn.Deliver(ctx, &platform.Update{ChatID: 1, UserID: 7, Text: "/ping"}))
	require.NoError(t, conn.Deliver(ctx, &platform.Update{ChatID: 2, UserID: 13, Text: "/ping"}))
	require.NoError(t, conn.Deliver(ctx, &platform.Update{ChatID: 1, UserID: 7, Text: "/fail now"}))
	require.NoError(t, conn.Deliver(ctx, &platform.Update{ChatID: 1, UserID: 7, Text: "hello"}))
	require.NoError(t, conn.Deliver(ctx, &platform.Update{ChatID: 1, UserID: 7, Text: "/unknown"}))

	// --- Assert ---
	sent := conn.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, int64(1), sent[0].ChatID)
	require.Equal(t, "pong", sent[0].Text)

	mu.Lock()
	require.Equal(t, []string{"hello", "/unknown"}, messages)
	mu.Unlock()

	require.Len(t, k.Events().History(module.EventCommandAfter), 1)
	cmdErrs := k.Events().History(module.EventCommandError)
	require.Len(t, cmdErrs, 1)
	failed := cmdErrs[0].Payload.(module.CommandEvent)
	require.Equal(t, "fail", failed.Command)
	require.Equal(t, []string{"now"}, failed.Args)
	require.Equal(t, "bad input", failed.Error)

	require.NoError(t, stop())
}

func TestLoadModule_WhileRunningActivates(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	registered := make(chan struct{}, 1)
	catalog := module.NewCatalog().MustRegister("user.late", func() module.Module {
		return &stubModule{handlers: func(context.Context, platform.Connection) error {
			registered <- struct{}{}
			return nil
		}}
	})
	k, _ := newTestKernel(t, Config{Token: "secret"}, catalog)
	stop := startKernel(t, ctx, k)

	require.NoError(t, k.LoadModule(ctx, "user.late"))

	require.Len(t, registered, 1)
	require.Equal(t, module.StateActive, k.State("user.late"))
	require.NoError(t, stop())
}

func TestModules_ReportsServices(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	catalog := module.NewCatalog().MustRegister("system.database", func() module.Module {
		return &stubModule{setup: func(_ context.Context, host module.Host) error {
			host.RegisterService("database", "db", map[string]string{"dialect": "sqlite"})
			return nil
		}}
	})
	k, _ := newTestKernel(t, Config{}, catalog)
	require.NoError(t, k.LoadModule(ctx, "system.database"))

	infos := k.Modules()

	require.Len(t, infos, 1)
	require.Equal(t, "system.database", infos[0].Name)
	require.Equal(t, module.StateLoaded, infos[0].State)
	require.Equal(t, []string{"database"}, infos[0].Services)
}

func TestKernel_ContextWithoutLogger(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	k := New(Config{Token: "t", ModulesPath: t.TempDir(), CoreModules: []string{}}, module.NewCatalog(), local.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// --- Act & Assert ---
	require.NotPanics(t, func() {
		require.NoError(t, k.LoadModules(context.Background()))
		require.NoError(t, k.Start(ctx))
	})
	require.False(t, k.Running())
}
