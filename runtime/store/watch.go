package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"causalis.dev/retrodict/runtime/telemetry"
)

// Watcher evicts cached blocks when dataset files change on disk underneath
// a file-backed backend. Without it, a dataset republished mid-run could
// serve a mix of old cached blocks and new on-disk blocks.
type Watcher struct {
	store   *Store
	root    string
	logger  telemetry.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher watches the backend root directory (the directory whose
// immediate children are dataset directories) and evicts a dataset from the
// store's cache whenever anything under it changes.
func NewWatcher(s *Store, root string, logger telemetry.Logger) (*Watcher, error) {
	if s == nil {
		return nil, errors.New("store: watcher requires a store")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{store: s, root: filepath.Clean(root), logger: logger, watcher: fsw, done: make(chan struct{})}
	if err := fsw.Add(w.root); err != nil {
		fsw.Close() //nolint:errcheck // creation failed anyway
		return nil, err
	}
	// Existing dataset directories get their own watches; fsnotify is not
	// recursive.
	entries, err := os.ReadDir(w.root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fsw.Add(filepath.Join(w.root, e.Name())) //nolint:errcheck // best effort
			}
		}
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	ctx := context.Background()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			id := w.datasetFor(ev.Name)
			if id == "" {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.watcher.Add(ev.Name) //nolint:errcheck // best effort
				}
			}
			w.store.Evict(id)
			w.logger.Debug(ctx, "evicted dataset after file change", "dataset", id, "op", ev.Op.String())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "dataset watcher error", "err", err)
		}
	}
}

// datasetFor maps a changed path to the dataset directory name directly
// under the watched root.
func (w *Watcher) datasetFor(path string) string {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return strings.TrimSuffix(parts[0], ".tmp")
}
