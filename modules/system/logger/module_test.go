package logger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/testutil/kerneltest"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/logger"
	"github.com/stretchr/testify/require"
)

type failing struct{}

func (failing) Setup(context.Context, module.Host) error { return errors.New("no luck") }
func (failing) Cleanup(context.Context) error            { return nil }

func newHarness(t *testing.T) *kerneltest.Harness {
	t.Helper()
	catalog := module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(logger.Name, logger.New).
		MustRegister("user.broken", func() module.Module { return failing{} })
	h := kerneltest.New(t, catalog, database.Name, logger.Name)
	h.Load(t)
	return h
}

func TestLogger_PersistsModuleErrors(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	svc, err := logger.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)

	// --- Act ---
	require.Error(t, h.Kernel.LoadModule(h.Ctx, "user.broken"))

	// --- Assert ---
	require.Eventually(t, func() bool {
		entries, err := svc.Recent(h.Ctx, logger.Filter{Level: "error"})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := svc.Recent(h.Ctx, logger.Filter{Level: "ERROR"})
	require.NoError(t, err)
	require.Equal(t, "module.error: user.broken", entries[0].Message)
	require.Equal(t, "no luck", entries[0].Details["error"])
}

func TestLogger_LogsCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.Start(t)
	svc, err := logger.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		entries, err := svc.Recent(h.Ctx, logger.Filter{Module: logger.Name})
		return err == nil && len(entries) > 0
	}, 2*time.Second, 10*time.Millisecond)

	replies := h.Say(t, kerneltest.AdminID, "/logs")

	require.Len(t, replies, 1)
	require.Contains(t, replies[0], "Recent logs:")
	require.Contains(t, replies[0], "Logger started")
}

func TestService_ClearOlderThan(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	svc, err := logger.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, svc.Log(h.Ctx, logger.Entry{Timestamp: old, Level: "warning", Module: "user.x", Message: "stale"}))
	require.Eventually(t, func() bool {
		entries, _ := svc.Recent(h.Ctx, logger.Filter{Module: "user.x"})
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// --- Act ---
	n, err := svc.ClearOlderThan(h.Ctx, 24*time.Hour)

	// --- Assert ---
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	entries, err := svc.Recent(h.Ctx, logger.Filter{Module: "user.x"})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLogger_RejectsNegativeRetention(t *testing.T) {
	t.Parallel()
	cfg, err := module.NewConfig(map[string]any{"retention_days": -1})
	require.NoError(t, err)

	err = logger.New().(module.Configurable).Configure(cfg)

	require.ErrorContains(t, err, "retention_days")
}

func TestUnload_FlushesQueuedEntries(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	svc, err := logger.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	const n = 50
	for i := range n {
		require.NoError(t, svc.Log(h.Ctx, logger.Entry{Level: "INFO", Module: "user.drain", Message: "queued", UserID: int64(i)}))
	}

	// --- Act ---
	start := time.Now()
	require.NoError(t, h.Kernel.UnloadModule(h.Ctx, logger.Name))
	elapsed := time.Since(start)

	// --- Assert ---
	require.Less(t, elapsed, 2*time.Second, "unload should not wait for the stop timeout")
	entries, err := svc.Recent(h.Ctx, logger.Filter{Module: "user.drain", Limit: 2 * n})
	require.NoError(t, err)
	require.Len(t, entries, n)
}
