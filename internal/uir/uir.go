// Package uir defines the untyped, declaration-oriented intermediate form
// the engine analyzes, and the scanner that produces it from source text.
//
// The source language is deliberately small; per-instruction semantics are a
// leaf concern of the analyzer, not of the incremental engine:
//
//	# comment
//	const <name> = <expr>        compile-time constant
//	fn <name>() = <expr>         function with an expression body
//	export <name> [as <symbol>]  expose a function under a global symbol
//
// One declaration per line. A declaration's source bytes are its trimmed
// line, which is what the engine hashes to detect unchanged re-declarations.
package uir

// Kind tags one untyped declaration.
type Kind uint8

const (
	KindConst Kind = iota + 1
	KindFn
	KindExport
)

func (k Kind) String() string {
	switch k {
	case KindConst:
		return "const"
	case KindFn:
		return "fn"
	case KindExport:
		return "export"
	}
	return "unknown"
}

// Ref is one identifier referenced by a declaration's expression. Call
// distinguishes `f()` from a bare mention of `f`.
type Ref struct {
	Name string
	Call bool
	Col  int
}

// Decl is one scanned, untyped declaration.
type Decl struct {
	Kind Kind
	Name string

	// Symbol and Target are set for export declarations: Target is the
	// declaration being exported, Symbol the global name it is exported as.
	Symbol string
	Target string

	// Expr is the expression source for const and fn declarations.
	Expr string
	Refs []Ref

	// Src is the trimmed declaration line; its hash identifies unchanged
	// re-declarations across scans.
	Src  []byte
	Line int
	Col  int
}

// ScanError is a frontend diagnostic for one malformed line.
type ScanError struct {
	Line int
	Col  int
	Msg  string
}
