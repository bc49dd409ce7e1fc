// Package watch triggers cycles from filesystem changes. Events are
// debounced with a quiet period so a burst of writes (an editor save,
// a git checkout) triggers one cycle, not one per file.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before a
// trigger fires.
const DefaultDebounce = 500 * time.Millisecond

// State and VCS directories never trigger cycles; the engine's own
// writes would otherwise re-trigger it forever.
var ignoreDirs = map[string]bool{
	".git":         true,
	".mend":        true,
	"node_modules": true,
}

// Watcher debounces filesystem events under a workspace root.
type Watcher struct {
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// New watches root and all its non-ignored subdirectories. A
// non-positive debounce uses DefaultDebounce.
func New(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, debounce: debounce, fsw: fsw}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run blocks until ctx is done, invoking fn after each debounced burst
// of changes. fn runs on the watch goroutine, so a slow fn naturally
// coalesces the events that arrive while it executes into one
// follow-up trigger.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			// New directories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				w.addTree(ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "err", err)

		case <-fire:
			timer = nil
			fire = nil
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// addTree registers path and every non-ignored directory below it.
// Non-directory paths are a no-op.
func (w *Watcher) addTree(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if ignoreDirs[d.Name()] && p != w.root {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// ignored reports whether any element of the path relative to the root
// is an ignored directory.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoreDirs[part] {
			return true
		}
	}
	return false
}
