// Package watch drives incremental rebuilds from filesystem events.
// Events are coalesced with a debounce window and rebuilds are rate-limited
// so editor save storms trigger one update, not dozens.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"golang.org/x/time/rate"

	"github.com/jward/heartwood/internal/observability"
)

// SourceExt is the extension of heartwood source files.
const SourceExt = ".hw"

// Watcher watches source roots and invokes a rebuild callback with the
// batch of changed paths.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	limiter  *rate.Limiter
	excludes []glob.Glob
	onChange func([]string)
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// New creates a Watcher. onChange is called from the watcher's goroutine
// with the coalesced set of changed paths.
func New(debounce time.Duration, rebuildsPerSecond float64, burst int,
	excludes []glob.Glob, log *slog.Logger, onChange func([]string)) (*Watcher, error) {

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &Watcher{
		fsw:      fsw,
		debounce: debounce,
		limiter:  rate.NewLimiter(rate.Limit(rebuildsPerSecond), burst),
		excludes: excludes,
		onChange: onChange,
		log:      log,
		pending:  make(map[string]bool),
	}, nil
}

// Add registers a root directory and all its subdirectories. fsnotify does
// not recurse on its own.
func (w *Watcher) Add(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
			return filepath.SkipDir
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			observability.WatcherEventsTotal.Inc()
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "err", err)
		}
	}
}

// Close stops watching. Safe to call while Run is active.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	// New directories must be added to the watch set as they appear.
	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if !w.excluded(ev.Name) {
				_ = w.Add(ev.Name)
			}
			return
		}
	}
	if !w.tracks(ev.Name) {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[ev.Name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	observability.RebuildsTotal.Inc()
	w.onChange(paths)
}

// tracks reports whether a path is a non-excluded source file.
func (w *Watcher) tracks(path string) bool {
	if filepath.Ext(path) != SourceExt {
		return false
	}
	return !w.excluded(path)
}

func (w *Watcher) excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, g := range w.excludes {
		if g.Match(slashed) || g.Match(filepath.Base(path)) {
			return true
		}
	}
	return false
}
