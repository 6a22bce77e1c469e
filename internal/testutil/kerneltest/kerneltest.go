// Package kerneltest runs a kernel over an in-memory connection and a
// temporary sqlite database for module tests.
package kerneltest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/eventbus"
	"github.com/specialistvlad/botkernel/internal/kernel"
	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/platform/local"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/stretchr/testify/require"
)

// AdminID is the user configured as administrator in every harness.
const AdminID int64 = 1

// Harness bundles a kernel and its collaborators.
type Harness struct {
	Ctx    context.Context
	Logs   *testutil.SafeBuffer
	Kernel *kernel.Kernel
	Conn   *local.Connection
	Root   string
}

// New builds a kernel that loads core in order from catalog. The database
// lives in a temporary directory.
func New(t *testing.T, catalog *module.Catalog, core ...string) *Harness {
	t.Helper()
	ctx, logs := testutil.Context(t)
	root := t.TempDir()
	data := filepath.Join(root, "data")
	conn := local.New()
	k := kernel.New(kernel.Config{
		Token:       "test-token",
		ModulesPath: filepath.Join(root, "modules"),
		CoreModules: append([]string{}, core...),
		Environment: module.Environment{
			DatabaseURL: filepath.Join(data, "db", "test.db"),
			DataDir:     data,
			Admins:      []int64{AdminID},
		},
	}, catalog, conn)
	h := &Harness{Ctx: ctx, Logs: logs, Kernel: k, Conn: conn, Root: root}
	t.Cleanup(func() { _ = k.Stop(context.WithoutCancel(ctx)) })
	return h
}

// Load runs LoadModules and fails the test on error.
func (h *Harness) Load(t *testing.T) {
	t.Helper()
	require.NoError(t, h.Kernel.LoadModules(h.Ctx))
}

// WriteManifest writes a module.hcl for the named module under the
// harness modules directory.
func (h *Harness) WriteManifest(t *testing.T, name, body string) {
	t.Helper()
	ns, short := module.SplitName(name)
	dir := filepath.Join(h.Root, "modules", ns, short)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.ManifestFile), []byte(body), 0o644))
}

// Start runs the kernel in the background and returns once after_start was
// emitted. The kernel stops on test cleanup.
func (h *Harness) Start(t *testing.T) {
	t.Helper()
	started := make(chan struct{})
	var once sync.Once
	probe := eventbus.NewHandler("kerneltest.started", func(context.Context, *eventbus.Event) (any, error) {
		once.Do(func() { close(started) })
		return nil, nil
	})
	h.Kernel.Events().Subscribe(module.EventAfterStart, probe)

	ctx, cancel := context.WithCancel(h.Ctx)
	done := make(chan error, 1)
	go func() { done <- h.Kernel.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("kernel did not stop")
		}
	})

	select {
	case <-started:
	case err := <-done:
		t.Fatalf("kernel exited before starting: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("kernel did not start")
	}
	require.Eventually(t, h.Kernel.Running, time.Second, 5*time.Millisecond)
}

// Say delivers a text message from user in their private chat and returns
// the messages sent in response.
func (h *Harness) Say(t *testing.T, user int64, text string) []string {
	t.Helper()
	before := len(h.Conn.Sent())
	err := h.Conn.Deliver(h.Ctx, &platform.Update{
		Type:   platform.UpdateMessage,
		ChatID: user,
		UserID: user,
		Text:   text,
	})
	require.NoError(t, err)

	var out []string
	for _, m := range h.Conn.Sent()[before:] {
		if m.ChatID == user {
			out = append(out, m.Text)
		}
	}
	return out
}
