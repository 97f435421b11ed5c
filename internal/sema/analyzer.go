package sema

import (
	"context"
	"errors"
	"fmt"
)

// Analyzer turns one untyped declaration body into a typed value. It is a
// leaf collaborator: per-instruction semantic rules live behind this
// interface, not in the engine. Implementations must resolve named
// declarations through AnalysisCtx.ResolveDecl so dependency edges are
// recorded, and must report diagnostics through AnalysisCtx.Fail, returning
// ErrAnalysisFail afterwards.
type Analyzer interface {
	// AnalyzeDecl produces the declaration's typed value. For functions the
	// returned value carries an Fn payload in the queued state; the body is
	// analyzed later by AnalyzeFnBody.
	AnalyzeDecl(ctx context.Context, ac *AnalysisCtx) (*Value, error)

	// AnalyzeFnBody analyzes the body of a function-typed declaration,
	// resolving any declarations the body references.
	AnalyzeFnBody(ctx context.Context, ac *AnalysisCtx) error
}

// Emitter turns analyzed declarations into bytes in an output artifact. All
// methods are fallible; the engine treats any failure as retryable unless it
// unwraps to ErrAnalysisFail.
type Emitter interface {
	// AllocateDeclIndexes reserves backend linkage for a declaration whose
	// type gained runtime representation. The emitter may store its handle
	// in Decl.Link.
	AllocateDeclIndexes(d *Decl) error

	// UpdateDecl (re)emits a fully analyzed declaration.
	UpdateDecl(d *Decl) error

	// UpdateDeclExports replaces the emitted exports of a declaration with
	// the given set.
	UpdateDeclExports(d *Decl, exports []*Export) error

	// FreeDecl releases backend resources for a declaration that was
	// deleted or lost its runtime representation.
	FreeDecl(d *Decl)

	// DeleteExport removes one emitted export.
	DeleteExport(ex *Export)

	// Flush finalizes the artifact for an update cycle that completed with
	// zero errors.
	Flush(ctx context.Context, generation uint64) error
}

// AnalysisCtx is the engine-side callback surface handed to the Analyzer
// while one declaration is being analyzed.
type AnalysisCtx struct {
	mod  *Module
	decl *Decl
}

// Decl returns the declaration under analysis.
func (ac *AnalysisCtx) Decl() *Decl { return ac.decl }

// ResolveDecl resolves a named declaration, analyzing it first if needed,
// and records the dependency edge. An unknown name is a semantic error. If
// the target's analysis fails, the current declaration is marked as a
// dependency failure without a second diagnostic; the root cause is already
// reported on the target.
func (ac *AnalysisCtx) ResolveDecl(ctx context.Context, name string, pos Pos) (*Decl, error) {
	target, ok := ac.mod.declTable[name]
	if !ok {
		return nil, ac.Fail(pos, "use of undeclared identifier %q", name)
	}
	if target == ac.decl {
		return nil, ac.Fail(pos, "declaration %q depends on itself", name)
	}
	// A target already in progress means the user wrote a dependency loop.
	// It is caught here, at the analyzer boundary, so the engine's fatal
	// in-progress invariant is never reached through source code.
	if target.Status == StatusInProgress {
		return nil, ac.Fail(pos, "dependency loop detected: %q and %q depend on each other",
			ac.decl.Name, name)
	}
	// Record the edge before forcing analysis: if the target fails now, the
	// edge is what invalidates this declaration when the target later
	// succeeds on a retry.
	declareDependency(ac.decl, target)
	if err := ac.mod.ensureDeclAnalyzed(ctx, target); err != nil {
		if errors.Is(err, ErrAnalysisFail) {
			ac.decl.Status = StatusDependencyFailure
		}
		return nil, err
	}
	return target, nil
}

// Export registers an export of the declaration named target under the
// given global symbol name, owned by the declaration under analysis.
func (ac *AnalysisCtx) Export(ctx context.Context, symbol, target string, pos Pos) error {
	exported, err := ac.ResolveDecl(ctx, target, pos)
	if err != nil {
		return err
	}
	return ac.mod.analyzeExport(ac.decl, pos, symbol, exported)
}

// Fail records a semantic diagnostic against the declaration under analysis,
// marks it failed, and returns ErrAnalysisFail.
func (ac *AnalysisCtx) Fail(pos Pos, format string, args ...any) error {
	return ac.mod.failDecl(ac.decl, pos, format, args...)
}

func (m *Module) failDecl(d *Decl, pos Pos, format string, args ...any) error {
	m.failedDecls[d] = errorMsgf(pos, format, args...)
	d.Status = StatusSemaFailure
	m.log.Debug("sema failure", "decl", d.Name, "msg", fmt.Sprintf(format, args...))
	return ErrAnalysisFail
}
