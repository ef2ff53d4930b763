// Package watcher reports batches of file system changes under a directory
// after they have settled for a quiet period.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Callback receives the sorted set of paths changed during one burst.
type Callback func(paths []string)

// Watcher monitors a directory tree recursively.
type Watcher struct {
	watcher   *fsnotify.Watcher
	root      string
	debounce  time.Duration
	skip      func(path string) bool
	callbacks []Callback
	mu        sync.RWMutex
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a watcher for root. Callbacks run once no event has arrived
// for debounce.
func New(root string, debounce time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		root:     abs,
		debounce: debounce,
		done:     make(chan struct{}),
	}, nil
}

// Skip excludes paths (and, for directories, everything below them).
func (w *Watcher) Skip(fn func(path string) bool) {
	w.skip = fn
}

// OnChange registers a callback for settled change batches.
func (w *Watcher) OnChange(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start adds every directory under the root and begins delivering events.
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.eventLoop()
	slog.Debug("watcher_started", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher and waits for any running callback.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) skipped(path string) bool {
	return w.skip != nil && w.skip(path)
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			slog.Warn("watcher_walk_failed", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.skipped(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			slog.Warn("watcher_add_failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-w.done:
			timer.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.handleEvent(event) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher_error", "error", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)
			w.fire(paths)
		}
	}
}

// handleEvent reports whether the event counts as a change.
func (w *Watcher) handleEvent(event fsnotify.Event) bool {
	if w.skipped(event.Name) {
		return false
	}
	switch {
	case event.Has(fsnotify.Create):
		if isDir(event.Name) {
			if err := w.addTree(event.Name); err != nil {
				slog.Warn("watcher_add_failed", "path", event.Name, "error", err)
			}
		}
		return true
	case event.Has(fsnotify.Write), event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return true
	default:
		return false
	}
}

func (w *Watcher) fire(paths []string) {
	w.mu.RLock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.RUnlock()

	slog.Debug("watcher_changes", "count", len(paths))
	for _, cb := range callbacks {
		cb(paths)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
