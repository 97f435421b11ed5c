// Package sema is the incremental semantic-analysis core: it decides which
// declarations need (re)analysis, runs lazy analysis through a pluggable
// Analyzer, tracks inter-declaration dependencies, schedules code emission
// through a pluggable Emitter, and reclaims declarations that become
// unreachable. It supports repeated update cycles over a long-lived process;
// one-shot compilation is just a single cycle.
//
// The engine is single-threaded and cooperative: one update runs to
// completion before another begins, and all suspension is synchronous
// call-stack nesting (analyzing one declaration may recursively trigger
// analysis of another).
package sema

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jward/heartwood/internal/observability"
)

// Module is the engine state for one compilation session: constructed once,
// kept alive across updates, destroyed on shutdown.
type Module struct {
	analyzer Analyzer
	emitter  Emitter
	log      *slog.Logger

	// generation increments once per update cycle.
	generation uint64

	// declTable owns every live declaration, keyed by name. A declaration
	// appears under exactly one key at a time.
	declTable map[string]*Decl
	scopes    map[string]*Scope

	queue workQueue

	// deletionSet holds declarations that may have become unreferenced.
	// Destruction is deferred to end-of-cycle so a declaration referenced
	// again mid-update survives.
	deletionSet []*Decl

	failedDecls   map[*Decl]*ErrorMsg
	failedFiles   map[string]*ErrorMsg
	failedExports map[*Export]*ErrorMsg

	declExports   map[*Decl][]*Export
	exportOwners  map[*Decl][]*Export
	symbolExports map[string]*Export

	// entrySymbol, when non-empty, makes a missing export of that symbol a
	// synthetic error.
	entrySymbol string

	retainSources bool

	stats UpdateStats
}

// Params configures a Module.
type Params struct {
	Analyzer Analyzer
	Emitter  Emitter

	// EntrySymbol is the symbol an executable artifact must export.
	// Empty disables the check.
	EntrySymbol string

	// RetainSources keeps scanned source text in memory after a clean
	// flush instead of releasing it.
	RetainSources bool

	Logger *slog.Logger
}

// NewModule creates an empty module. Analyzer and Emitter are required.
func NewModule(p Params) (*Module, error) {
	if p.Analyzer == nil {
		return nil, fmt.Errorf("sema: NewModule: Analyzer is required")
	}
	if p.Emitter == nil {
		return nil, fmt.Errorf("sema: NewModule: Emitter is required")
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Module{
		analyzer:      p.Analyzer,
		emitter:       p.Emitter,
		log:           log,
		declTable:     make(map[string]*Decl),
		scopes:        make(map[string]*Scope),
		failedDecls:   make(map[*Decl]*ErrorMsg),
		failedFiles:   make(map[string]*ErrorMsg),
		failedExports: make(map[*Export]*ErrorMsg),
		declExports:   make(map[*Decl][]*Export),
		exportOwners:  make(map[*Decl][]*Export),
		symbolExports: make(map[string]*Export),
		entrySymbol:   p.EntrySymbol,
		retainSources: p.RetainSources,
	}, nil
}

// SourceDecl is one scanned declaration handed to the module by the
// frontend: a name, its raw source bytes, and an opaque untyped body.
type SourceDecl struct {
	Name string
	Src  []byte
	Pos  Pos

	// IsRoot marks declarations analyzed unconditionally (export
	// directives). Everything else is analyzed on demand.
	IsRoot bool

	// Payload is the untyped instruction body, passed through to the
	// Analyzer untouched.
	Payload any
}

// SourceFile is one scanned root scope.
type SourceFile struct {
	Path  string
	Src   []byte
	Decls []SourceDecl

	// ParseErrs carries frontend scan diagnostics for this file; they are
	// recorded per-file and replaced on the next scan.
	ParseErrs []ErrorMsg
}

// UpdateStats summarizes one update cycle.
type UpdateStats struct {
	Generation uint64 `yaml:"generation"`
	WorkItems  int    `yaml:"work_items"`
	Analyzed   int    `yaml:"analyzed"`
	Emitted    int    `yaml:"emitted"`
	Deleted    int    `yaml:"deleted"`
	Errors     int    `yaml:"errors"`
}

// Generation returns the current update cycle number.
func (m *Module) Generation() uint64 { return m.generation }

// Update runs one full incremental pass: bump the generation, reconcile
// every scanned file against the prior state, drain the work queue, sweep
// the deletion set, and flush the artifact if the cycle ended clean. The
// file list is authoritative: scopes absent from it are treated as deleted
// source files.
func (m *Module) Update(ctx context.Context, files []SourceFile) (UpdateStats, error) {
	start := time.Now()
	m.generation++
	m.stats = UpdateStats{Generation: m.generation}

	seen := make(map[string]bool, len(files))
	for i := range files {
		seen[files[i].Path] = true
		m.scanFile(&files[i])
	}
	for path, scope := range m.scopes {
		if seen[path] {
			continue
		}
		m.log.Debug("source file removed", "file", path)
		for _, d := range declsOf(scope) {
			m.deleteDecl(d)
		}
		delete(m.failedFiles, path)
		delete(m.scopes, path)
	}

	if err := m.performAllWork(ctx); err != nil {
		return m.stats, err
	}
	m.flushDeletions()

	m.stats.Errors = m.TotalErrorCount()
	observability.UpdateCycles.Inc()
	observability.DeclsTotal.Set(float64(len(m.declTable)))
	observability.ErrorsTotal.Set(float64(m.stats.Errors))
	observability.UpdateDuration.Observe(time.Since(start).Seconds())

	if m.stats.Errors == 0 {
		if err := m.emitter.Flush(ctx, m.generation); err != nil {
			return m.stats, fmt.Errorf("sema: flush artifact: %w", err)
		}
		if !m.retainSources {
			for _, scope := range m.scopes {
				scope.src = nil
			}
		}
	}
	m.log.Debug("update complete",
		"generation", m.generation,
		"work_items", m.stats.WorkItems,
		"analyzed", m.stats.Analyzed,
		"deleted", m.stats.Deleted,
		"errors", m.stats.Errors)
	return m.stats, nil
}

// scanFile reconciles one file's scanned declarations against the prior
// scan: unchanged names are left alone, changed names are marked outdated,
// new names create fresh unreferenced declarations, and vanished names are
// deleted.
func (m *Module) scanFile(f *SourceFile) {
	scope, ok := m.scopes[f.Path]
	if !ok {
		scope = &Scope{File: f.Path, Decls: make(map[string]*Decl)}
		m.scopes[f.Path] = scope
	}
	scope.src = f.Src

	delete(m.failedFiles, f.Path)
	if len(f.ParseErrs) > 0 {
		e := f.ParseErrs[0]
		m.failedFiles[f.Path] = &e
	}

	current := make(map[string]bool, len(f.Decls))
	for i := range f.Decls {
		sd := &f.Decls[i]
		hash := sha256.Sum256(sd.Src)

		if other, taken := m.declTable[sd.Name]; taken && other.Scope != scope {
			if _, already := m.failedFiles[f.Path]; !already {
				m.failedFiles[f.Path] = errorMsgf(sd.Pos, "%q already declared in %s",
					sd.Name, other.Scope.File)
			}
			continue
		}
		if current[sd.Name] {
			if _, already := m.failedFiles[f.Path]; !already {
				m.failedFiles[f.Path] = errorMsgf(sd.Pos, "duplicate declaration %q", sd.Name)
			}
			continue
		}
		current[sd.Name] = true

		d, exists := scope.Decls[sd.Name]
		if !exists {
			d = &Decl{
				Name:         sd.Name,
				Scope:        scope,
				SrcIndex:     i,
				ContentsHash: hash,
				Pos:          sd.Pos,
				Status:       StatusUnreferenced,
				IsRoot:       sd.IsRoot,
				Payload:      sd.Payload,
			}
			scope.Decls[sd.Name] = d
			m.declTable[sd.Name] = d
			if d.IsRoot {
				m.queue.push(workItem{workAnalyzeDecl, d})
			}
			continue
		}

		d.SrcIndex = i
		d.Pos = sd.Pos
		d.IsRoot = sd.IsRoot
		d.Payload = sd.Payload
		switch {
		case d.ContentsHash != hash:
			d.ContentsHash = hash
			if d.Status == StatusUnreferenced {
				if d.IsRoot {
					m.queue.push(workItem{workAnalyzeDecl, d})
				}
			} else {
				m.markOutdated(d)
			}
		case d.Status == StatusSemaFailureRetryable || d.Status == StatusCodegenFailureRetryable,
			m.hasRetryableExport(d):
			// Unchanged source, but the failure was infrastructure, not
			// semantics: re-attempt this cycle.
			m.markOutdated(d)
		}
	}

	for name, d := range scope.Decls {
		if !current[name] {
			m.deleteDecl(d)
		}
	}
}

// markOutdated flags a declaration for re-analysis, clearing any stored
// diagnostic. Pure state transition; always succeeds.
func (m *Module) markOutdated(d *Decl) {
	d.Status = StatusOutdated
	delete(m.failedDecls, d)
	m.queue.push(workItem{workAnalyzeDecl, d})
}

// deleteDecl removes a declaration from the module. Its dependencies become
// deletion candidates (deferred, not recursive, so a declaration resurrected
// later in the same update is not wrongly destroyed); its dependants are
// invalidated, since a deleted dependency invalidates anything that used it.
func (m *Module) deleteDecl(d *Decl) {
	m.log.Debug("delete decl", "decl", d.Name)
	delete(d.Scope.Decls, d.Name)
	delete(m.declTable, d.Name)
	d.deleted = true

	for _, dep := range d.Dependencies {
		removeDependant(dep, d)
		if len(dep.Dependants) == 0 && !dep.DeletionFlag {
			dep.DeletionFlag = true
			m.deletionSet = append(m.deletionSet, dep)
		}
	}
	d.Dependencies = nil

	for _, dependant := range d.Dependants {
		removeDependency(dependant, d)
		m.markOutdated(dependant)
	}
	d.Dependants = nil

	m.deleteDeclExports(d)
	m.emitter.FreeDecl(d)
	d.hasLinkage = false
	delete(m.failedDecls, d)

	m.stats.Deleted++
	observability.DeletionsTotal.Inc()
}

// flushDeletions destroys deletion candidates whose dependants lists are
// still empty at end-of-cycle. A candidate referenced again mid-update has
// its flag cleared and survives. Destroying one candidate may surface more.
func (m *Module) flushDeletions() {
	for len(m.deletionSet) > 0 {
		d := m.deletionSet[len(m.deletionSet)-1]
		m.deletionSet[len(m.deletionSet)-1] = nil
		m.deletionSet = m.deletionSet[:len(m.deletionSet)-1]

		d.DeletionFlag = false
		if d.deleted || len(d.Dependants) > 0 {
			continue
		}
		m.deleteDecl(d)
	}
}

// performAllWork drains the work queue to exhaustion. FIFO order is
// preserved at the top level, but analysis recurses synchronously into
// dependencies, so the effective analysis order is demand-driven; the queue
// provides entry points and catch-up for dependants.
func (m *Module) performAllWork(ctx context.Context) error {
	for {
		item, ok := m.queue.pop()
		if !ok {
			return nil
		}
		m.stats.WorkItems++
		observability.WorkItemsTotal.WithLabelValues(item.kind.String()).Inc()

		d := item.decl
		if d.deleted {
			continue
		}

		switch item.kind {
		case workAnalyzeDecl:
			switch d.Status {
			case StatusInProgress:
				panic("sema: analyze_decl item for in-progress declaration " + d.Name)
			case StatusDependencyFailure, StatusSemaFailure, StatusSemaFailureRetryable,
				StatusCodegenFailure, StatusCodegenFailureRetryable:
				// Terminal this cycle; no retry within the same update.
				continue
			case StatusUnreferenced, StatusOutdated, StatusComplete:
				if err := m.ensureDeclAnalyzed(ctx, d); err != nil {
					if errors.Is(err, ErrAnalysisFail) {
						continue
					}
					return err
				}
			}

		case workCodegenDecl:
			switch d.Status {
			case StatusUnreferenced, StatusInProgress, StatusOutdated:
				panic(fmt.Sprintf("sema: codegen_decl item for %s declaration %s",
					d.Status, d.Name))
			case StatusDependencyFailure, StatusSemaFailure, StatusSemaFailureRetryable,
				StatusCodegenFailure:
				continue
			case StatusComplete, StatusCodegenFailureRetryable:
				if err := m.codegenDecl(ctx, d); err != nil {
					if errors.Is(err, ErrAnalysisFail) {
						continue
					}
					return err
				}
			}
		}
	}
}

// codegenDecl emits one fully analyzed declaration, running deferred
// function body analysis first if it is still queued.
func (m *Module) codegenDecl(ctx context.Context, d *Decl) error {
	if fn := d.Val.Fn(); fn != nil && fn.State == FnQueued {
		if err := m.analyzeFnBody(ctx, d, fn); err != nil {
			// Body failure is recorded; codegen is simply skipped.
			if errors.Is(err, ErrAnalysisFail) {
				return nil
			}
			return err
		}
		if fn.State != FnSuccess {
			return nil
		}
	}

	if err := m.emitter.UpdateDecl(d); err != nil {
		if errors.Is(err, ErrAnalysisFail) {
			d.Status = StatusDependencyFailure
			return nil
		}
		m.failedDecls[d] = errorMsgf(d.Pos, "unable to codegen %q: %v", d.Name, err)
		d.Status = StatusCodegenFailureRetryable
		return nil
	}
	d.Status = StatusComplete
	m.stats.Emitted++
	return nil
}

func (m *Module) analyzeFnBody(ctx context.Context, d *Decl, fn *Fn) error {
	fn.State = FnInProgress
	err := m.analyzer.AnalyzeFnBody(ctx, &AnalysisCtx{mod: m, decl: d})
	if err == nil {
		fn.State = FnSuccess
		return nil
	}
	fn.State = FnFailure
	if errors.Is(err, ErrAnalysisFail) {
		return err
	}
	m.failedDecls[d] = errorMsgf(d.Pos, "unable to analyze body of %q: %v", d.Name, err)
	d.Status = StatusSemaFailureRetryable
	return ErrAnalysisFail
}

// ensureDeclAnalyzed makes the declaration's typed value current for this
// cycle, re-analyzing if it is outdated or was never analyzed. Idempotent
// within a cycle. A prior terminal failure fails fast with the stored
// diagnostic. Observing in_progress here means a dependency loop reached the
// engine, which deadlock-free callers make impossible; it is a fatal
// invariant, not a recoverable error.
func (m *Module) ensureDeclAnalyzed(ctx context.Context, d *Decl) error {
	subsequent := false
	switch d.Status {
	case StatusInProgress:
		panic("sema: re-entered analysis of in-progress declaration " + d.Name)
	case StatusDependencyFailure, StatusSemaFailure, StatusSemaFailureRetryable,
		StatusCodegenFailure, StatusCodegenFailureRetryable:
		return ErrAnalysisFail
	case StatusComplete, StatusOutdated:
		if d.Generation == m.generation {
			// Already handled this cycle.
			return nil
		}
		subsequent = true
	case StatusUnreferenced:
	}

	if subsequent {
		// Discard previously discovered exports and dependencies; control
		// flow may have changed which declarations are actually referenced,
		// so they are rediscovered fresh during this pass.
		m.deleteDeclExports(d)
		for _, dep := range d.Dependencies {
			removeDependant(dep, d)
			if len(dep.Dependants) == 0 && !dep.DeletionFlag {
				dep.DeletionFlag = true
				m.deletionSet = append(m.deletionSet, dep)
			}
		}
		d.Dependencies = d.Dependencies[:0]
	}

	return m.analyzeDecl(ctx, d)
}

func (m *Module) analyzeDecl(ctx context.Context, d *Decl) error {
	prev := d.Val
	hadRuntimeBits := prev != nil && prev.Type.HasRuntimeBits()

	d.Status = StatusInProgress
	start := time.Now()
	val, err := m.analyzer.AnalyzeDecl(ctx, &AnalysisCtx{mod: m, decl: d})
	observability.AnalysisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrAnalysisFail) {
			if d.Status == StatusInProgress {
				// The analyzer bailed without classifying; treat as its own
				// semantic failure.
				d.Status = StatusSemaFailure
			}
			return ErrAnalysisFail
		}
		m.failedDecls[d] = errorMsgf(d.Pos, "unable to analyze %q: %v", d.Name, err)
		d.Status = StatusSemaFailureRetryable
		return ErrAnalysisFail
	}

	typeChanged := prev == nil || !prev.Type.Eq(val.Type)

	// The replacement value was fully constructed above; only now is it
	// swapped in, so a failure partway never leaves a half-updated slot.
	d.Val = val
	d.Status = StatusComplete
	d.Generation = m.generation
	m.stats.Analyzed++

	if typeChanged || val.Type.IsFn() {
		// Dependants analyzed this cycle already saw the new value (they
		// forced this analysis); everything staler is invalidated. A
		// dependant whose analysis is what triggered this one is in
		// progress and must not be touched.
		for _, dependant := range d.Dependants {
			if dependant.Status == StatusInProgress || dependant.Status == StatusOutdated {
				continue
			}
			if dependant.Generation != m.generation {
				m.markOutdated(dependant)
			}
		}
	}

	if val.Type.HasRuntimeBits() {
		if !d.hasLinkage {
			if err := m.emitter.AllocateDeclIndexes(d); err != nil {
				m.failedDecls[d] = errorMsgf(d.Pos, "unable to allocate linkage for %q: %v",
					d.Name, err)
				d.Status = StatusCodegenFailureRetryable
				return ErrAnalysisFail
			}
			d.hasLinkage = true
		}
		m.queue.push(workItem{workCodegenDecl, d})
	} else if hadRuntimeBits && d.hasLinkage {
		m.emitter.FreeDecl(d)
		d.hasLinkage = false
	}
	return nil
}

// TotalErrorCount sums the per-declaration, per-file and per-export error
// maps, plus one synthetic error if an entry symbol is required but not
// exported.
func (m *Module) TotalErrorCount() int {
	n := len(m.failedDecls) + len(m.failedFiles) + len(m.failedExports)
	if m.entrySymbol != "" {
		if _, ok := m.symbolExports[m.entrySymbol]; !ok {
			n++
		}
	}
	return n
}

// AllErrors returns every accumulated diagnostic, sorted for stable output.
func (m *Module) AllErrors() []ErrorMsg {
	errs := make([]ErrorMsg, 0, m.TotalErrorCount())
	for _, e := range m.failedDecls {
		errs = append(errs, *e)
	}
	for _, e := range m.failedFiles {
		errs = append(errs, *e)
	}
	for _, e := range m.failedExports {
		errs = append(errs, *e)
	}
	sortErrors(errs)
	if m.entrySymbol != "" {
		if _, ok := m.symbolExports[m.entrySymbol]; !ok {
			errs = append(errs, ErrorMsg{
				Msg: fmt.Sprintf("no entry point found: symbol %q is not exported", m.entrySymbol),
			})
		}
	}
	return errs
}

// CheckGraphInvariants verifies dependency symmetry and duplicate-freedom
// for every live declaration. Intended for tests and debug builds.
func (m *Module) CheckGraphInvariants() error {
	for name, d := range m.declTable {
		seen := make(map[*Decl]bool, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			if seen[dep] {
				return fmt.Errorf("sema: %q lists dependency %q twice", name, dep.Name)
			}
			seen[dep] = true
			if !containsDecl(dep.Dependants, d) {
				return fmt.Errorf("sema: %q depends on %q but is not a dependant of it",
					name, dep.Name)
			}
		}
		seen = make(map[*Decl]bool, len(d.Dependants))
		for _, dependant := range d.Dependants {
			if seen[dependant] {
				return fmt.Errorf("sema: %q lists dependant %q twice", name, dependant.Name)
			}
			seen[dependant] = true
			if !containsDecl(dependant.Dependencies, d) {
				return fmt.Errorf("sema: %q is a dependant of %q without the reverse edge",
					dependant.Name, name)
			}
		}
	}
	return nil
}

// LookupDecl returns the live declaration with the given name, if any.
func (m *Module) LookupDecl(name string) (*Decl, bool) {
	d, ok := m.declTable[name]
	return d, ok
}

// LiveExport returns the live export registered under symbol, if any.
func (m *Module) LiveExport(symbol string) (*Export, bool) {
	ex, ok := m.symbolExports[symbol]
	return ex, ok
}

func declsOf(scope *Scope) []*Decl {
	out := make([]*Decl, 0, len(scope.Decls))
	for _, d := range scope.Decls {
		out = append(out, d)
	}
	return out
}
