// Package check is the reference instruction analyzer: it turns one untyped
// declaration into a typed value, resolving referenced names through the
// engine (which records dependency edges) and delegating compile-time
// constant evaluation to the Risor interpreter.
package check

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"

	"github.com/jward/heartwood/internal/sema"
	"github.com/jward/heartwood/internal/uir"
)

// Analyzer implements sema.Analyzer over the uir declaration form.
type Analyzer struct {
	log *slog.Logger
}

// New creates an Analyzer. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{log: log}
}

// AnalyzeDecl dispatches on the untyped declaration kind. Function bodies
// are not analyzed here; they are deferred until the declaration is about to
// be emitted (sema calls AnalyzeFnBody then).
func (a *Analyzer) AnalyzeDecl(ctx context.Context, ac *sema.AnalysisCtx) (*sema.Value, error) {
	d := ac.Decl()
	ud, ok := d.Payload.(*uir.Decl)
	if !ok {
		return nil, fmt.Errorf("check: declaration %q has no instruction body", d.Name)
	}

	switch ud.Kind {
	case uir.KindConst:
		return a.analyzeConst(ctx, ac, ud)
	case uir.KindFn:
		return &sema.Value{
			Type: sema.Type{Tag: sema.TypeFn},
			Data: &sema.Fn{State: sema.FnQueued, Body: ud.Expr},
		}, nil
	case uir.KindExport:
		if err := ac.Export(ctx, ud.Symbol, ud.Target, d.Pos); err != nil {
			return nil, err
		}
		return &sema.Value{Type: sema.Type{Tag: sema.TypeVoid}}, nil
	}
	return nil, fmt.Errorf("check: declaration %q has unknown kind %d", d.Name, ud.Kind)
}

// analyzeConst resolves every identifier the initializer references, binds
// the resolved constants as globals, and evaluates the expression with
// Risor. The result's dynamic type becomes the declaration's type.
func (a *Analyzer) analyzeConst(ctx context.Context, ac *sema.AnalysisCtx, ud *uir.Decl) (*sema.Value, error) {
	d := ac.Decl()

	opts := make([]risor.Option, 0, len(ud.Refs))
	for _, ref := range ud.Refs {
		pos := sema.Pos{File: d.Pos.File, Line: ud.Line, Col: ref.Col}
		if ref.Call {
			return nil, ac.Fail(pos, "cannot call %q in a constant expression", ref.Name)
		}
		target, err := ac.ResolveDecl(ctx, ref.Name, pos)
		if err != nil {
			return nil, err
		}
		if target.Val.Type.IsFn() {
			return nil, ac.Fail(pos, "constant expression cannot reference function %q", ref.Name)
		}
		opts = append(opts, risor.WithGlobal(ref.Name, target.Val.Data))
	}

	obj, err := risor.Eval(ctx, ud.Expr, opts...)
	if err != nil {
		return nil, ac.Fail(d.Pos, "invalid constant expression: %v", err)
	}
	return constValue(ac, d.Pos, obj)
}

func constValue(ac *sema.AnalysisCtx, pos sema.Pos, obj object.Object) (*sema.Value, error) {
	switch o := obj.(type) {
	case *object.Int:
		return &sema.Value{Type: sema.Type{Tag: sema.TypeInt}, Data: o.Value()}, nil
	case *object.Float:
		return &sema.Value{Type: sema.Type{Tag: sema.TypeFloat}, Data: o.Value()}, nil
	case *object.Bool:
		return &sema.Value{Type: sema.Type{Tag: sema.TypeBool}, Data: o.Value()}, nil
	case *object.String:
		return &sema.Value{Type: sema.Type{Tag: sema.TypeString}, Data: o.Value()}, nil
	default:
		return nil, ac.Fail(pos, "unsupported constant type %s", obj.Type())
	}
}

// AnalyzeFnBody resolves every declaration the body references and syntax
// checks the body expression. Bodies are not evaluated at compile time.
func (a *Analyzer) AnalyzeFnBody(ctx context.Context, ac *sema.AnalysisCtx) error {
	d := ac.Decl()
	ud, ok := d.Payload.(*uir.Decl)
	if !ok {
		return fmt.Errorf("check: declaration %q has no instruction body", d.Name)
	}

	for _, ref := range ud.Refs {
		pos := sema.Pos{File: d.Pos.File, Line: ud.Line, Col: ref.Col}
		target, err := ac.ResolveDecl(ctx, ref.Name, pos)
		if err != nil {
			return err
		}
		if ref.Call && !target.Val.Type.IsFn() {
			return ac.Fail(pos, "%q is not a function", ref.Name)
		}
	}

	if _, err := parser.Parse(ctx, ud.Expr); err != nil {
		return ac.Fail(d.Pos, "syntax error in body of %q: %v", d.Name, err)
	}
	return nil
}
