package sema

import (
	"errors"
	"fmt"
	"sort"
)

// ErrAnalysisFail signals that analysis of a declaration failed and that a
// diagnostic has already been recorded in one of the module's error maps.
// Callers that receive it should stop working on the current declaration and
// move on; nothing else needs to be reported.
var ErrAnalysisFail = errors.New("analysis failed")

// Pos is a source position. File is stored relative to the project root so
// error listings are stable across machines.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// ErrorMsg is one user-facing diagnostic. The (file, line, column, message)
// listing produced by Module.AllErrors is the only externally consumed
// report surface of the engine.
type ErrorMsg struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
	Col  int    `yaml:"col"`
	Msg  string `yaml:"msg"`
}

func errorMsgf(pos Pos, format string, args ...any) *ErrorMsg {
	return &ErrorMsg{
		File: pos.File,
		Line: pos.Line,
		Col:  pos.Col,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func (e ErrorMsg) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
}

// sortErrors orders diagnostics by file, then line, then column, then message
// so that repeated updates over the same broken source report identically.
func sortErrors(errs []ErrorMsg) {
	sort.Slice(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Col != b.Col {
			return a.Col < b.Col
		}
		return a.Msg < b.Msg
	})
}
