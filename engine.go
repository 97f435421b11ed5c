package heartwood

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/jward/heartwood/internal/check"
	"github.com/jward/heartwood/internal/config"
	"github.com/jward/heartwood/internal/emit"
	"github.com/jward/heartwood/internal/sema"
	"github.com/jward/heartwood/internal/uir"
	"github.com/jward/heartwood/internal/watch"
)

// Engine orchestrates the heartwood pipeline: source discovery, change
// detection, incremental semantic analysis, and artifact emission.
type Engine struct {
	cfg      *config.Config
	mod      *sema.Module
	store    *emit.Store
	excludes []glob.Glob
	log      *slog.Logger

	// onUpdate, when set, is called after every update in watch mode.
	onUpdate func(UpdateStats, []ErrorMsg)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithOnUpdate registers a hook invoked after each update cycle in watch
// mode with that cycle's stats and the outstanding error listing.
func WithOnUpdate(fn func(UpdateStats, []ErrorMsg)) Option {
	return func(e *Engine) { e.onUpdate = fn }
}

// New creates an Engine for the given project configuration, opening the
// SQLite artifact at cfg.Artifact.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("heartwood: config: %w", err)
	}
	excludes, err := cfg.CompiledExcludes()
	if err != nil {
		return nil, fmt.Errorf("heartwood: config: %w", err)
	}

	e := &Engine{cfg: cfg, excludes: excludes}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}

	store, err := emit.Open(cfg.Artifact, e.log)
	if err != nil {
		return nil, fmt.Errorf("heartwood: open artifact: %w", err)
	}
	e.store = store

	mod, err := sema.NewModule(sema.Params{
		Analyzer:      check.New(e.log),
		Emitter:       store,
		EntrySymbol:   cfg.Entry,
		RetainSources: cfg.RetainSources,
		Logger:        e.log,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("heartwood: %w", err)
	}
	e.mod = mod
	return e, nil
}

// Close releases the Engine's artifact database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying artifact store for direct access.
func (e *Engine) Store() *emit.Store {
	return e.store
}

// Update runs one full incremental pass over every source file under the
// configured roots.
func (e *Engine) Update(ctx context.Context) (UpdateStats, error) {
	files, err := e.scanSources()
	if err != nil {
		return UpdateStats{}, fmt.Errorf("heartwood: scan sources: %w", err)
	}
	stats, err := e.mod.Update(ctx, files)
	if err != nil {
		return stats, fmt.Errorf("heartwood: update: %w", err)
	}
	return stats, nil
}

// TotalErrorCount reports the number of outstanding diagnostics after the
// most recent update.
func (e *Engine) TotalErrorCount() int {
	return e.mod.TotalErrorCount()
}

// AllErrors lists every outstanding diagnostic, sorted by position.
func (e *Engine) AllErrors() []ErrorMsg {
	return e.mod.AllErrors()
}

// Generation returns the current update cycle number.
func (e *Engine) Generation() uint64 {
	return e.mod.Generation()
}

// scanSources walks the roots and turns every source file into the scanned
// form the module reconciles against. File paths in diagnostics are
// relative to their root so reports are stable across machines.
func (e *Engine) scanSources() ([]sema.SourceFile, error) {
	paths, err := e.listSourceFiles()
	if err != nil {
		return nil, err
	}

	files := make([]sema.SourceFile, 0, len(paths))
	for _, p := range paths {
		src, err := os.ReadFile(p.abs)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.abs, err)
		}
		decls, scanErrs := uir.ScanFile(src)

		sf := sema.SourceFile{Path: p.rel, Src: src}
		sf.Decls = make([]sema.SourceDecl, 0, len(decls))
		for i := range decls {
			ud := &decls[i]
			sf.Decls = append(sf.Decls, sema.SourceDecl{
				Name:    ud.Name,
				Src:     ud.Src,
				Pos:     sema.Pos{File: p.rel, Line: ud.Line, Col: ud.Col},
				IsRoot:  ud.Kind == uir.KindExport,
				Payload: ud,
			})
		}
		for _, se := range scanErrs {
			sf.ParseErrs = append(sf.ParseErrs, sema.ErrorMsg{
				File: p.rel, Line: se.Line, Col: se.Col, Msg: se.Msg,
			})
		}
		files = append(files, sf)
	}
	return files, nil
}

type sourcePath struct {
	abs string
	rel string
}

// listSourceFiles discovers .hw files by walking the roots, skipping hidden
// directories and excluded paths. The result is sorted for deterministic
// scan order.
func (e *Engine) listSourceFiles() ([]sourcePath, error) {
	var paths []sourcePath
	for _, root := range e.cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
					return filepath.SkipDir
				}
				if e.excluded(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != watch.SourceExt || e.excluded(path) {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil || strings.HasPrefix(rel, "..") {
				rel = path
			}
			paths = append(paths, sourcePath{abs: path, rel: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].rel < paths[j].rel })
	return paths, nil
}

func (e *Engine) excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	for _, g := range e.excludes {
		if g.Match(slashed) || g.Match(filepath.Base(path)) {
			return true
		}
	}
	return false
}

// Watch runs an initial update, then re-runs updates as source files change
// until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error {
	runUpdate := func() {
		stats, err := e.Update(ctx)
		if err != nil {
			e.log.Error("update failed", "err", err)
			return
		}
		if e.onUpdate != nil {
			e.onUpdate(stats, e.AllErrors())
		}
	}
	runUpdate()

	w, err := watch.New(
		e.cfg.Watch.Debounce.Duration,
		e.cfg.Watch.RebuildsPerSecond,
		e.cfg.Watch.Burst,
		e.excludes,
		e.log,
		func(paths []string) {
			e.log.Debug("source changed", "files", len(paths))
			runUpdate()
		},
	)
	if err != nil {
		return fmt.Errorf("heartwood: watch: %w", err)
	}
	defer w.Close()

	for _, root := range e.cfg.Roots {
		if err := w.Add(root); err != nil {
			return fmt.Errorf("heartwood: watch %s: %w", root, err)
		}
	}
	err = w.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
