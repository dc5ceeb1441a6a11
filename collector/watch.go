package collector

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// changeBuffer bounds the change channel; a consumer that falls behind
// loses coalesced notifications, not correctness, because every
// notification means "re-collect everything".
const changeBuffer = 16

// defaultDebounce batches rapid editor save bursts into one change.
const defaultDebounce = 500 * time.Millisecond

// Change notifies that the collected file set is stale. Paths lists the
// files seen changing since the previous notification, relative to the
// collector root.
type Change struct {
	Paths []string
}

// Watcher emits a debounced Change whenever files under the collector
// root are created, modified, removed, or renamed.
type Watcher struct {
	collector *Collector
	fsw       *fsnotify.Watcher
	debounce  time.Duration
	changes   chan Change

	pending map[string]struct{}
}

// Watch starts watching the collector's root. Cancel ctx to stop; the
// returned watcher's channel closes once watching ends.
func (c *Collector) Watch(ctx context.Context, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		collector: c,
		fsw:       fsw,
		debounce:  debounce,
		changes:   make(chan Change, changeBuffer),
		pending:   make(map[string]struct{}),
	}

	if err := w.addWatches(c.root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop(ctx)

	c.logger.Info("Watching for source changes",
		"root", c.root,
		"debounce", debounce)

	return w, nil
}

// Changes returns the debounced change channel.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// addWatches registers every non-excluded directory under root.
// fsnotify watches are not recursive.
func (w *Watcher) addWatches(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		if path != w.collector.root && (w.collector.excludes[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			w.collector.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.changes)
	defer w.fsw.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.collector.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.collector.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// A new directory needs its own watch before anything inside it
	// can be seen. addWatches is a no-op on regular files.
	if event.Has(fsnotify.Create) {
		if err := w.addWatches(event.Name); err != nil {
			w.collector.logger.Warn("Failed to watch created path",
				"path", rel,
				"error", err)
		}
	}

	if !w.collector.matches(rel) {
		return
	}

	w.pending[rel] = struct{}{}
}

func (w *Watcher) flush() {
	if len(w.pending) == 0 {
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})

	select {
	case w.changes <- Change{Paths: paths}:
	default:
		w.collector.logger.Warn("Change channel full, dropping notification",
			"paths", len(paths))
	}
}
