// Package watcher turns files dropped into an inbox directory into settled
// arrival events.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Options configures a Watcher
type Options struct {
	Debounce time.Duration
	Include  []string
	Ignore   []string
}

// Watcher monitors an inbox directory tree
type Watcher struct {
	root      string
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	include   []string
	ignore    []string
	stopCh    chan struct{}
}

// New creates a watcher for root. The directory is created if missing.
func New(root string, opts Options) (*Watcher, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	return &Watcher{
		root:      root,
		fs:        fsWatcher,
		debouncer: NewDebouncer(opts.Debounce),
		include:   opts.Include,
		ignore:    opts.Ignore,
		stopCh:    make(chan struct{}),
	}, nil
}

// Root returns the inbox directory
func (w *Watcher) Root() string {
	return w.root
}

// Start watches the tree and reports files that are already present, so
// drops made while the process was down are not lost.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root, true); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("inbox watcher started",
		"path", w.root,
		"include_patterns", len(w.include),
		"ignore_patterns", len(w.ignore))

	return nil
}

// Events returns the channel of settled events
func (w *Watcher) Events() <-chan Event {
	return w.debouncer.Events()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.fs.Close()
}

// Flush emits all pending events now
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// Abs returns the absolute path of an event path
func (w *Watcher) Abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

// addTree watches dir and its subdirectories. With report set, files found
// on the way are queued as arrivals.
func (w *Watcher) addTree(dir string, report bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking inbox", "path", path, "error", err)
			return nil
		}

		rel, ok := w.rel(path)
		if !ok {
			return nil
		}

		if rel != "." && w.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				slog.Warn("failed to watch directory", "path", path, "error", err)
			}
			return nil
		}

		if report && w.included(rel) {
			w.debouncer.Add(rel, OpArrived)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("inbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, ok := w.rel(event.Name)
	if !ok || w.ignored(rel) {
		return
	}

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			// Whole folders are often moved in at once.
			if err := w.addTree(event.Name, true); err != nil {
				slog.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
			return
		}
		if w.included(rel) {
			w.debouncer.Add(rel, OpArrived)
		}

	case event.Has(fsnotify.Write):
		if !isDir && w.included(rel) {
			w.debouncer.Add(rel, OpArrived)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if w.included(rel) {
			w.debouncer.Add(rel, OpRemoved)
		}
	}
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// ignored reports whether the path or any of its parents matches an ignore pattern
func (w *Watcher) ignored(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, pattern := range w.ignore {
		for i := 1; i <= len(parts); i++ {
			if matched, err := doublestar.Match(pattern, strings.Join(parts[:i], "/")); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// included reports whether a file matches the include patterns; no patterns
// means everything
func (w *Watcher) included(rel string) bool {
	if len(w.include) == 0 {
		return true
	}
	for _, pattern := range w.include {
		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}
	}
	return false
}
