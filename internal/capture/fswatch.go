package capture

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/IainAmosMelchizedek/sovereign-network-defense/internal/model"
)

// fswatchDedupeWindow suppresses the bursts of identical events editors and
// copy tools generate for a single logical access.
const fswatchDedupeWindow = time.Second

// FSWatcher is a local capture source: it watches configured directories and
// feeds FileAccessEvents into the pipeline. The accessing pid is not
// available from the watch API and is reported as 0.
type FSWatcher struct {
	watcher *fsnotify.Watcher
	intake  Intake
	logger  *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time

	done    chan struct{}
	stopped chan struct{}
}

// NewFSWatcher creates the watcher over the given root paths. Subdirectories
// present at startup are watched too; directories created later are added as
// they appear.
func NewFSWatcher(paths []string, intake Intake, logger *slog.Logger) (*FSWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSWatcher{
		watcher: watcher,
		intake:  intake,
		logger:  logger,
		recent:  make(map[string]time.Time),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, root := range paths {
		if err := w.addTree(root); err != nil {
			logger.Warn("failed to watch path", "path", root, "error", err)
		}
	}
	return w, nil
}

// Start runs the event loop until the context is canceled or Close is called.
func (w *FSWatcher) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("file watcher error", "error", err)
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handle(ev)
			}
		}
	}()
}

// Close stops the loop and releases the underlying watcher.
func (w *FSWatcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

func (w *FSWatcher) handle(ev fsnotify.Event) {
	access, ok := accessKindFor(ev.Op)
	if !ok {
		return
	}

	// New directories need their own watch for recursion.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}

	if w.duplicate(ev.Name, access) {
		return
	}

	fileEv := model.FileAccessEvent{
		Path:      ev.Name,
		Access:    access,
		Timestamp: time.Now().UTC(),
	}
	if err := w.intake.FileAccess(fileEv); err != nil {
		w.logger.Warn("pipeline refused watched file event", "path", ev.Name, "error", err)
	}
}

// duplicate reports whether the same (path, access) fired within the dedupe
// window, recording the new occurrence either way.
func (w *FSWatcher) duplicate(path string, access model.AccessKind) bool {
	key := string(access) + ":" + path
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.recent[key]; ok && now.Sub(last) < fswatchDedupeWindow {
		return true
	}
	w.recent[key] = now

	// Opportunistic cleanup keeps the map bounded without a ticker.
	if len(w.recent) > 4096 {
		cutoff := now.Add(-fswatchDedupeWindow)
		for k, ts := range w.recent {
			if ts.Before(cutoff) {
				delete(w.recent, k)
			}
		}
	}
	return false
}

func (w *FSWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// accessKindFor maps watch operations onto the access vocabulary. A rename
// is reported as a delete of the old path, matching how the rest of the
// pipeline treats files disappearing.
func accessKindFor(op fsnotify.Op) (model.AccessKind, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return model.AccessDelete, true
	case op.Has(fsnotify.Create), op.Has(fsnotify.Write):
		return model.AccessWrite, true
	default:
		return "", false
	}
}
