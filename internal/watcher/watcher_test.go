package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/specialistvlad/botkernel/internal/watcher"
	"github.com/stretchr/testify/require"
)

func newModuleDir(t *testing.T) (dir, manifest string) {
	t.Helper()
	dir = t.TempDir()
	manifest = filepath.Join(dir, module.ManifestFile)
	require.NoError(t, os.WriteFile(manifest, []byte(`version = "1.0.0"`), 0o644))
	return dir, manifest
}

func TestWatcher_DebouncesManifestWrites(t *testing.T) {
	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	dir, manifest := newModuleDir(t)
	w, err := watcher.New(watcher.Config{Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()
	require.NoError(t, w.Add("user.example", dir))
	changes := w.Start(ctx)

	// --- Act ---
	for i := range 10 {
		require.NoError(t, os.WriteFile(manifest, []byte(fmt.Sprintf("version = \"1.0.%d\"", i)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	// --- Assert ---
	select {
	case name := <-changes:
		require.Equal(t, "user.example", name)
	case <-time.After(time.Second):
		t.Fatal("expected a manifest change")
	}
	select {
	case name := <-changes:
		t.Fatalf("unexpected second change for %s", name)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir, _ := newModuleDir(t)
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("a"), 0o644))
	w, err := watcher.New(watcher.Config{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()
	require.NoError(t, w.Add("user.example", dir))
	changes := w.Start(ctx)

	require.NoError(t, os.WriteFile(other, []byte("b"), 0o644))

	select {
	case name := <-changes:
		t.Fatalf("unexpected change for %s", name)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_StopClosesChannel(t *testing.T) {
	ctx, _ := testutil.Context(t)
	w, err := watcher.New(watcher.Config{})
	require.NoError(t, err)
	changes := w.Start(ctx)

	require.NoError(t, w.Stop())

	_, open := <-changes
	require.False(t, open)
}

func TestWatcher_AddMissingDir(t *testing.T) {
	w, err := watcher.New(watcher.Config{})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	err = w.Add("user.ghost", filepath.Join(t.TempDir(), "missing"))

	require.Error(t, err)
}
