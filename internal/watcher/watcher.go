// Package watcher reports edits to module manifests so loaded modules can be
// reloaded without restarting the process.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/module"
)

// DefaultDebounce is how long a manifest must stay quiet before it is reported.
const DefaultDebounce = 500 * time.Millisecond

// Config holds watcher options.
type Config struct {
	Debounce time.Duration
}

// Watcher watches module directories and emits the name of a module whose
// module.hcl was written, once per burst of writes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	changes  chan string
	done     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	dirs map[string]string
}

// New creates a watcher with nothing registered.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:      fsw,
		debounce: cfg.Debounce,
		changes:  make(chan string, 16),
		done:     make(chan struct{}),
		dirs:     make(map[string]string),
	}, nil
}

// Add starts watching dir on behalf of the named module.
func (w *Watcher) Add(name, dir string) error {
	dir = filepath.Clean(dir)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[dir] = name
	w.mu.Unlock()
	return nil
}

// Start runs the event loop until Stop or ctx is done. The returned channel
// is closed when the loop exits.
func (w *Watcher) Start(ctx context.Context) <-chan string {
	w.wg.Add(1)
	go w.loop(ctx)
	return w.changes
}

// Stop terminates the loop and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.changes)
	logger := ctxlog.FromContext(ctx)

	pending := make(map[string]time.Time)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name, relevant := w.moduleFor(event)
			if !relevant {
				continue
			}
			logger.Debug("Manifest changed.", "module", name, "op", event.Op.String())
			pending[name] = time.Now().Add(w.debounce)
			timer.Reset(w.debounce)

		case now := <-timer.C:
			var next time.Duration
			for name, due := range pending {
				if wait := due.Sub(now); wait > 0 {
					if next == 0 || wait < next {
						next = wait
					}
					continue
				}
				delete(pending, name)
				select {
				case w.changes <- name:
				default:
					logger.Warn("Change channel full, dropping manifest change.", "module", name)
				}
			}
			if next > 0 {
				timer.Reset(next)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("Manifest watcher error.", "error", err)

		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// moduleFor maps a write or create of a manifest to its module.
func (w *Watcher) moduleFor(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return "", false
	}
	if filepath.Base(event.Name) != module.ManifestFile {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	name, ok := w.dirs[filepath.Dir(event.Name)]
	return name, ok
}
