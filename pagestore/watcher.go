package pagestore

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// anyPageFile splits a page text file name into its PDF filename and page.
var anyPageFile = regexp.MustCompile(`^(.+)_page_([0-9]+)\.txt$`)

// Watcher invalidates cached page text when the upload pipeline rewrites
// page files out of process.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	invalidations atomic.Int64
}

// NewWatcher creates a watcher for the store's pages directory.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: store, watcher: fsw}, nil
}

// Start begins watching. It returns once the watch is registered; events are
// handled until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.store.pagesDir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.store.pagesDir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.store.logger.Info("Page watcher started", "pages_dir", w.store.pagesDir)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// Invalidations returns how many cache entries were dropped by file events.
func (w *Watcher) Invalidations() int64 {
	return w.invalidations.Load()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Error("Page watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	m := anyPageFile.FindStringSubmatch(filepath.Base(event.Name))
	if m == nil {
		return
	}
	page, err := strconv.Atoi(m[2])
	if err != nil || page <= 0 {
		return
	}

	w.store.Invalidate(m[1], page)
	w.invalidations.Add(1)
	w.store.logger.Debug("Page text invalidated",
		"filename", m[1],
		"page", page,
		"op", event.Op.String())
}
