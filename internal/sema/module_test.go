package sema

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBody is the scripted untyped body handed to the fake analyzer.
type fakeBody struct {
	kind string // "const", "fn", "export"

	// const fields.
	typ  TypeTag
	data any
	refs []string // names resolved during AnalyzeDecl

	// fn fields.
	bodyRefs []string // names resolved during AnalyzeFnBody

	// export fields.
	symbol string
	target string

	// failure injection.
	failMsg     string // AnalyzeDecl reports a semantic error
	bodyFailMsg string // AnalyzeFnBody reports a semantic error
	err         error  // AnalyzeDecl returns a raw (retryable) error
}

type fakeAnalyzer struct {
	analyzed []string
}

func (a *fakeAnalyzer) reset() { a.analyzed = nil }

func (a *fakeAnalyzer) AnalyzeDecl(ctx context.Context, ac *AnalysisCtx) (*Value, error) {
	d := ac.Decl()
	b := d.Payload.(*fakeBody)
	a.analyzed = append(a.analyzed, d.Name)
	if b.err != nil {
		return nil, b.err
	}
	if b.failMsg != "" {
		return nil, ac.Fail(d.Pos, "%s", b.failMsg)
	}
	switch b.kind {
	case "export":
		if err := ac.Export(ctx, b.symbol, b.target, d.Pos); err != nil {
			return nil, err
		}
		return &Value{Type: Type{Tag: TypeVoid}}, nil
	case "fn":
		return &Value{Type: Type{Tag: TypeFn}, Data: &Fn{State: FnQueued, Body: "body"}}, nil
	default:
		for _, ref := range b.refs {
			if _, err := ac.ResolveDecl(ctx, ref, d.Pos); err != nil {
				return nil, err
			}
		}
		return &Value{Type: Type{Tag: b.typ}, Data: b.data}, nil
	}
}

func (a *fakeAnalyzer) AnalyzeFnBody(ctx context.Context, ac *AnalysisCtx) error {
	d := ac.Decl()
	b := d.Payload.(*fakeBody)
	if b.bodyFailMsg != "" {
		return ac.Fail(d.Pos, "%s", b.bodyFailMsg)
	}
	for _, ref := range b.bodyRefs {
		if _, err := ac.ResolveDecl(ctx, ref, d.Pos); err != nil {
			return err
		}
	}
	return nil
}

type fakeEmitter struct {
	allocated map[string]int
	updated   map[string]int
	freed     map[string]int
	exports   map[string]bool // live emitted symbols
	flushes   []uint64

	updateErr map[string]error // consumed on first UpdateDecl of that name
	exportErr map[string]error // consumed on first UpdateDeclExports of that name
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		allocated: make(map[string]int),
		updated:   make(map[string]int),
		freed:     make(map[string]int),
		exports:   make(map[string]bool),
		updateErr: make(map[string]error),
		exportErr: make(map[string]error),
	}
}

func (e *fakeEmitter) AllocateDeclIndexes(d *Decl) error {
	e.allocated[d.Name]++
	return nil
}

func (e *fakeEmitter) UpdateDecl(d *Decl) error {
	if err, ok := e.updateErr[d.Name]; ok {
		delete(e.updateErr, d.Name)
		return err
	}
	e.updated[d.Name]++
	return nil
}

func (e *fakeEmitter) UpdateDeclExports(d *Decl, exports []*Export) error {
	if err, ok := e.exportErr[d.Name]; ok {
		delete(e.exportErr, d.Name)
		return err
	}
	for _, ex := range exports {
		if ex.Status != ExportFailed {
			e.exports[ex.Symbol] = true
		}
	}
	return nil
}

func (e *fakeEmitter) FreeDecl(d *Decl) { e.freed[d.Name]++ }

func (e *fakeEmitter) DeleteExport(ex *Export) { delete(e.exports, ex.Symbol) }

func (e *fakeEmitter) Flush(ctx context.Context, generation uint64) error {
	e.flushes = append(e.flushes, generation)
	return nil
}

func newTestModule(t *testing.T, entry string) (*Module, *fakeAnalyzer, *fakeEmitter) {
	t.Helper()
	a := &fakeAnalyzer{}
	e := newFakeEmitter()
	m, err := NewModule(Params{
		Analyzer:    a,
		Emitter:     e,
		EntrySymbol: entry,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return m, a, e
}

func srcFile(path string, decls ...SourceDecl) SourceFile {
	return SourceFile{Path: path, Src: []byte(path), Decls: decls}
}

func constDecl(name, src string, val int64, refs ...string) SourceDecl {
	return SourceDecl{
		Name:    name,
		Src:     []byte(src),
		Pos:     Pos{File: "main.hw", Line: 1, Col: 1},
		Payload: &fakeBody{kind: "const", typ: TypeInt, data: val, refs: refs},
	}
}

func strDecl(name, src, val string) SourceDecl {
	return SourceDecl{
		Name:    name,
		Src:     []byte(src),
		Pos:     Pos{File: "main.hw", Line: 1, Col: 1},
		Payload: &fakeBody{kind: "const", typ: TypeString, data: val},
	}
}

func fnDecl(name, src string, bodyRefs ...string) SourceDecl {
	return SourceDecl{
		Name:    name,
		Src:     []byte(src),
		Pos:     Pos{File: "main.hw", Line: 2, Col: 1},
		Payload: &fakeBody{kind: "fn", bodyRefs: bodyRefs},
	}
}

func exportDecl(name, src, symbol, target string) SourceDecl {
	return SourceDecl{
		Name:    name,
		Src:     []byte(src),
		Pos:     Pos{File: "main.hw", Line: 3, Col: 1},
		IsRoot:  true,
		Payload: &fakeBody{kind: "export", symbol: symbol, target: target},
	}
}

func update(t *testing.T, m *Module, files ...SourceFile) UpdateStats {
	t.Helper()
	stats, err := m.Update(context.Background(), files)
	require.NoError(t, err)
	require.NoError(t, m.CheckGraphInvariants())
	return stats
}

func TestUpdateAnalyzesOnlyDemandedDecls(t *testing.T) {
	m, a, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("used", "const used = 1", 1),
		constDecl("unused", "const unused = 2", 2),
		fnDecl("f", "fn f() = used", "used"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	assert.ElementsMatch(t, []string{"export:f:main", "f", "used"}, a.analyzed)

	unused, ok := m.LookupDecl("unused")
	require.True(t, ok)
	assert.Equal(t, StatusUnreferenced, unused.Status)

	f, ok := m.LookupDecl("f")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, f.Status)
	assert.Equal(t, FnSuccess, f.Val.Fn().State)
}

func TestSecondUpdateWithUnchangedSourcesDoesNoWork(t *testing.T) {
	m, a, e := newTestModule(t, "")

	files := []SourceFile{srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		fnDecl("f", "fn f() = c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
	)}
	stats1 := update(t, m, files...)
	assert.Equal(t, 3, stats1.Analyzed)
	assert.Equal(t, 1, stats1.Emitted)
	assert.Equal(t, 0, stats1.Errors)

	a.reset()
	stats2 := update(t, m, files...)
	assert.Equal(t, 0, stats2.WorkItems)
	assert.Equal(t, 0, stats2.Analyzed)
	assert.Empty(t, a.analyzed)
	assert.Equal(t, []uint64{1, 2}, e.flushes)
}

func TestValueChangeWithSameTypeDoesNotInvalidateDependants(t *testing.T) {
	m, a, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		constDecl("d", "const d = c", 1, "c"),
		fnDecl("f", "fn f() = d", "d"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	a.reset()
	update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 2", 2),
		constDecl("d", "const d = c", 1, "c"),
		fnDecl("f", "fn f() = d", "d"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	// int -> int: no fan-out, only c itself is re-analyzed.
	assert.Equal(t, []string{"c"}, a.analyzed)
	d, _ := m.LookupDecl("d")
	assert.Equal(t, uint64(1), d.Generation)
}

func TestTypeChangeInvalidatesDependants(t *testing.T) {
	m, a, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		constDecl("d", "const d = c", 1, "c"),
		fnDecl("f", "fn f() = d", "d"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	a.reset()
	stats := update(t, m, srcFile("main.hw",
		strDecl("c", `const c = "hello"`, "hello"),
		constDecl("d", "const d = c", 1, "c"),
		fnDecl("f", "fn f() = d", "d"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	// int -> string fans out: d re-analyzed; d's type did not change so f is
	// left alone.
	assert.ElementsMatch(t, []string{"c", "d"}, a.analyzed)
	assert.Equal(t, 0, stats.Errors)

	c, _ := m.LookupDecl("c")
	assert.Equal(t, TypeString, c.Val.Type.Tag)
	d, _ := m.LookupDecl("d")
	assert.Equal(t, stats.Generation, d.Generation)
}

func TestFunctionChangeInvalidatesDependants(t *testing.T) {
	m, a, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		fnDecl("f", "fn f() = c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	a.reset()
	stats := update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		fnDecl("f", "fn f() = c + c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	// Functions always fan out: the export that references f is refreshed,
	// and the body's re-analysis re-demands c.
	assert.ElementsMatch(t, []string{"f", "export:f:main", "c"}, a.analyzed)
	assert.Equal(t, 1, stats.Emitted)
	_, ok := m.LiveExport("main")
	assert.True(t, ok)
}

func TestDroppedReferenceDeletesOrphanedDecl(t *testing.T) {
	m, _, e := newTestModule(t, "")

	files := func(fnSrc string, refs ...string) SourceFile {
		return srcFile("main.hw",
			constDecl("c", "const c = 1", 1),
			fnDecl("f", fnSrc, refs...),
			exportDecl("export:f:main", "export f", "main", "f"),
		)
	}

	update(t, m, files("fn f() = c", "c"))
	c, ok := m.LookupDecl("c")
	require.True(t, ok)
	require.NotEmpty(t, c.Dependants)

	stats := update(t, m, files("fn f() = 0"))
	assert.Equal(t, 1, stats.Deleted)
	_, ok = m.LookupDecl("c")
	assert.False(t, ok)
	assert.Equal(t, 1, e.freed["c"])

	// The next scan re-creates it as a fresh unreferenced declaration.
	update(t, m, files("fn f() = 0"))
	c, ok = m.LookupDecl("c")
	require.True(t, ok)
	assert.Equal(t, StatusUnreferenced, c.Status)
}

func TestDeclResurrectedMidUpdateSurvives(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		fnDecl("f", "fn f() = c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	// f drops its reference to c, but a new function g picks it up in the
	// same update. c loses its last dependant mid-cycle and gains a new one
	// before the deletion sweep runs.
	stats := update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		fnDecl("f", "fn f() = 0"),
		fnDecl("g", "fn g() = c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
		exportDecl("export:g:aux", "export g as aux", "aux", "g"),
	))

	assert.Equal(t, 0, stats.Deleted)
	c, ok := m.LookupDecl("c")
	require.True(t, ok)
	assert.False(t, c.DeletionFlag)
	assert.Len(t, c.Dependants, 1)
}

func TestDeletedFileInvalidatesDependants(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	lib := srcFile("lib.hw", constDecl("c", "const c = 1", 1))
	app := srcFile("app.hw",
		fnDecl("f", "fn f() = c", "c"),
		exportDecl("export:f:main", "export f", "main", "f"),
	)
	stats := update(t, m, lib, app)
	require.Equal(t, 0, stats.Errors)

	// Deleting lib.hw deletes c; f is invalidated, re-analyzed, and now
	// fails to resolve the name.
	stats = update(t, m, app)
	assert.Equal(t, 1, stats.Errors)
	_, ok := m.LookupDecl("c")
	assert.False(t, ok)

	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, `use of undeclared identifier "c"`)
}

func TestExportCollisionKeepsFirstExport(t *testing.T) {
	m, _, e := newTestModule(t, "")

	stats := update(t, m, srcFile("main.hw",
		fnDecl("f", "fn f() = 0"),
		fnDecl("g", "fn g() = 1"),
		exportDecl("export:f:main", "export f", "main", "f"),
		exportDecl("export:g:main", "export g as main", "main", "g"),
	))

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "exported symbol collision")

	live, ok := m.LiveExport("main")
	require.True(t, ok)
	assert.Equal(t, "f", live.Exported.Name)
	assert.Equal(t, ExportComplete, live.Status)
	assert.Empty(t, e.flushes)
}

func TestExportOfNonFunctionRejected(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	stats := update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		exportDecl("export:c:main", "export c", "main", "c"),
	))

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "is not a function")
}

func TestMissingEntrySymbolReported(t *testing.T) {
	m, _, e := newTestModule(t, "main")

	stats := update(t, m, srcFile("main.hw",
		fnDecl("f", "fn f() = 0"),
		exportDecl("export:f:aux", "export f as aux", "aux", "f"),
	))

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, `no entry point found: symbol "main" is not exported`, errs[0].Msg)
	assert.Empty(t, e.flushes)

	// Exporting main clears the synthetic error.
	stats = update(t, m, srcFile("main.hw",
		fnDecl("f", "fn f() = 0"),
		exportDecl("export:f:aux", "export f as aux", "aux", "f"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, []uint64{2}, e.flushes)
}

func TestDependencyLoopIsSemanticError(t *testing.T) {
	m, _, e := newTestModule(t, "")

	stats := update(t, m, srcFile("main.hw",
		constDecl("a", "const a = b", 0, "b"),
		constDecl("b", "const b = a", 0, "a"),
		fnDecl("f", "fn f() = a", "a"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "dependency loop detected")

	a, _ := m.LookupDecl("a")
	b, _ := m.LookupDecl("b")
	assert.Equal(t, StatusDependencyFailure, a.Status)
	assert.Equal(t, StatusSemaFailure, b.Status)
	assert.Empty(t, e.flushes)
}

func TestSelfDependencyIsSemanticError(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		constDecl("a", "const a = a", 0, "a"),
		fnDecl("f", "fn f() = a", "a"),
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, `declaration "a" depends on itself`)
}

func TestRetryableCodegenFailureRetriedWithoutSourceChange(t *testing.T) {
	m, _, e := newTestModule(t, "")
	e.updateErr["f"] = errors.New("disk full")

	files := []SourceFile{srcFile("main.hw",
		fnDecl("f", "fn f() = 0"),
		exportDecl("export:f:main", "export f", "main", "f"),
	)}
	stats := update(t, m, files...)
	assert.Equal(t, 1, stats.Errors)
	f, _ := m.LookupDecl("f")
	assert.Equal(t, StatusCodegenFailureRetryable, f.Status)
	assert.Empty(t, e.flushes)

	// Same sources; the retryable failure alone forces re-analysis.
	stats = update(t, m, files...)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, StatusComplete, f.Status)
	assert.Equal(t, 1, e.updated["f"])
	assert.Equal(t, []uint64{2}, e.flushes)
}

func TestRetryableExportFailureRetriedWithoutSourceChange(t *testing.T) {
	m, _, e := newTestModule(t, "")
	e.exportErr["f"] = errors.New("disk full")

	files := []SourceFile{srcFile("main.hw",
		fnDecl("f", "fn f() = 0"),
		exportDecl("export:f:main", "export f", "main", "f"),
	)}
	stats := update(t, m, files...)
	assert.Equal(t, 1, stats.Errors)
	live, ok := m.LiveExport("main")
	require.True(t, ok)
	assert.Equal(t, ExportFailedRetryable, live.Status)
	assert.Empty(t, e.flushes)

	// Same sources; the owner is re-marked outdated, the export rediscovered
	// and its emission re-attempted.
	stats = update(t, m, files...)
	assert.Equal(t, 0, stats.Errors)
	live, ok = m.LiveExport("main")
	require.True(t, ok)
	assert.Equal(t, ExportComplete, live.Status)
	assert.True(t, e.exports["main"])
	assert.Equal(t, []uint64{2}, e.flushes)
}

func TestRetryableAnalysisFailureRetriedWithoutSourceChange(t *testing.T) {
	m, _, e := newTestModule(t, "")

	flaky := &fakeBody{kind: "const", typ: TypeInt, data: int64(1), err: errors.New("out of memory")}
	files := func() []SourceFile {
		return []SourceFile{srcFile("main.hw",
			SourceDecl{Name: "c", Src: []byte("const c = 1"), Pos: Pos{File: "main.hw", Line: 1, Col: 1}, Payload: flaky},
			fnDecl("f", "fn f() = c", "c"),
			exportDecl("export:f:main", "export f", "main", "f"),
		)}
	}

	stats := update(t, m, files()...)
	assert.Equal(t, 1, stats.Errors)
	c, _ := m.LookupDecl("c")
	f, _ := m.LookupDecl("f")
	assert.Equal(t, StatusSemaFailureRetryable, c.Status)
	assert.Equal(t, StatusDependencyFailure, f.Status)

	flaky.err = nil
	stats = update(t, m, files()...)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, StatusComplete, c.Status)
	assert.Equal(t, StatusComplete, f.Status)
	assert.Equal(t, []uint64{2}, e.flushes)
}

func TestFnBodyFailureSkipsCodegen(t *testing.T) {
	m, _, e := newTestModule(t, "")

	update(t, m, srcFile("main.hw",
		SourceDecl{
			Name: "f", Src: []byte("fn f() = nonsense("),
			Pos:     Pos{File: "main.hw", Line: 1, Col: 1},
			Payload: &fakeBody{kind: "fn", bodyFailMsg: "syntax error in function body"},
		},
		exportDecl("export:f:main", "export f", "main", "f"),
	))

	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, "syntax error in function body")

	f, _ := m.LookupDecl("f")
	assert.Equal(t, FnFailure, f.Val.Fn().State)
	assert.Zero(t, e.updated["f"])
}

func TestDuplicateDeclInSameFileReported(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	stats := update(t, m, srcFile("main.hw",
		constDecl("c", "const c = 1", 1),
		constDecl("c", "const c = 2", 2),
	))

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, `duplicate declaration "c"`)
}

func TestDuplicateDeclAcrossFilesReported(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	stats := update(t, m,
		srcFile("a.hw", constDecl("c", "const c = 1", 1)),
		srcFile("b.hw", constDecl("c", "const c = 2", 2)),
	)

	assert.Equal(t, 1, stats.Errors)
	errs := m.AllErrors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Msg, `"c" already declared in`)
}

func TestParseErrorsReplacedOnNextScan(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	broken := srcFile("main.hw")
	broken.ParseErrs = []ErrorMsg{{File: "main.hw", Line: 1, Col: 1, Msg: "unrecognized declaration"}}
	stats := update(t, m, broken)
	assert.Equal(t, 1, stats.Errors)

	stats = update(t, m, srcFile("main.hw", constDecl("c", "const c = 1", 1)))
	assert.Equal(t, 0, stats.Errors)
}

func TestRemovedFileDeletesItsDeclsAndExports(t *testing.T) {
	m, _, e := newTestModule(t, "")

	update(t, m,
		srcFile("lib.hw",
			fnDecl("f", "fn f() = 0"),
			exportDecl("export:f:main", "export f", "main", "f"),
		),
		srcFile("app.hw", constDecl("c", "const c = 1", 1)),
	)
	_, ok := m.LiveExport("main")
	require.True(t, ok)

	stats := update(t, m, srcFile("app.hw", constDecl("c", "const c = 1", 1)))
	assert.Equal(t, 2, stats.Deleted)
	_, ok = m.LookupDecl("f")
	assert.False(t, ok)
	_, ok = m.LiveExport("main")
	assert.False(t, ok)
	assert.Equal(t, 1, e.freed["f"])
}

func TestAllErrorsSortedByPosition(t *testing.T) {
	m, _, _ := newTestModule(t, "")

	update(t, m,
		srcFile("b.hw", SourceDecl{
			Name: "x", Src: []byte("const x = ?"),
			Pos:     Pos{File: "b.hw", Line: 4, Col: 2},
			Payload: &fakeBody{kind: "const", failMsg: "bad constant"},
		}),
		srcFile("a.hw", SourceDecl{
			Name: "y", Src: []byte("const y = ?"),
			Pos:     Pos{File: "a.hw", Line: 9, Col: 1},
			Payload: &fakeBody{kind: "const", failMsg: "bad constant"},
		}),
		srcFile("c.hw",
			fnDecl("f", "fn f() = x", "x"),
			fnDecl("g", "fn g() = y", "y"),
			exportDecl("export:f:main", "export f", "main", "f"),
			exportDecl("export:g:aux", "export g as aux", "aux", "g"),
		),
	)

	errs := m.AllErrors()
	require.Len(t, errs, 2)
	assert.Equal(t, "a.hw", errs[0].File)
	assert.Equal(t, "b.hw", errs[1].File)
}
