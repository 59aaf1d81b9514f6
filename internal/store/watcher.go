package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"browserctl/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// dbWatcher watches the database directory for writes made by other
// processes and triggers a debounced rescan of subscribed projects.
type dbWatcher struct {
	store    *TaskStore
	watcher  *fsnotify.Watcher
	dir      string
	base     string
	debounce time.Duration

	mu        sync.Mutex
	pending   bool
	lastEvent time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

func newDBWatcher(s *TaskStore, debounce time.Duration) (*dbWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(s.dbPath)
	if err != nil {
		abs = s.dbPath
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &dbWatcher{
		store:    s,
		watcher:  fw,
		dir:      dir,
		base:     filepath.Base(abs),
		debounce: debounce,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	go w.run(ctx)

	logging.StoreDebug("watching %s for external writes (debounce %v)", dir, debounce)
	return w, nil
}

// stop ends the watch loop and waits for it.
func (w *dbWatcher) stop() {
	w.cancel()
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.StoreWarn("error closing database watcher: %v", err)
	}
}

func (w *dbWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.StoreError("database watcher error: %v", err)

		case <-debounceTicker.C:
			w.processDebounced(ctx)
		}
	}
}

// handleEvent marks a rescan as pending for writes to the database file or
// its journal.
func (w *dbWatcher) handleEvent(event fsnotify.Event) {
	if !w.relevant(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	logging.StoreDebug("database file event: %s %s", event.Op, filepath.Base(event.Name))

	w.mu.Lock()
	w.pending = true
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

func (w *dbWatcher) relevant(name string) bool {
	base := filepath.Base(name)
	if base == w.base {
		return true
	}
	for _, suffix := range []string{"-wal", "-journal", "-shm"} {
		if strings.TrimSuffix(base, suffix) == w.base && base != w.base {
			return true
		}
	}
	return false
}

// processDebounced rescans once events have been quiet for the debounce window.
func (w *dbWatcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	ready := w.pending && time.Since(w.lastEvent) >= w.debounce
	if ready {
		w.pending = false
	}
	w.mu.Unlock()

	if !ready {
		return
	}
	if err := w.store.rescan(ctx); err != nil && ctx.Err() == nil {
		logging.StoreWarn("rescan after external write failed: %v", err)
	}
}
