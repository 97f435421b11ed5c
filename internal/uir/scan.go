package uir

import (
	"bytes"
	"fmt"
	"strings"
)

// ScanFile splits source text into untyped declarations. Malformed lines are
// reported and skipped; scanning continues so one bad line does not hide the
// rest of the file.
func ScanFile(src []byte) ([]Decl, []ScanError) {
	var (
		decls []Decl
		errs  []ScanError
	)
	for i, raw := range bytes.Split(src, []byte{'\n'}) {
		lineNo := i + 1
		line := strings.TrimSpace(string(raw))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		col := leadingIndent(string(raw)) + 1

		var (
			d   *Decl
			err *ScanError
		)
		switch {
		case strings.HasPrefix(line, "const "):
			d, err = scanConst(line, lineNo, col)
		case strings.HasPrefix(line, "fn "):
			d, err = scanFn(line, lineNo, col)
		case strings.HasPrefix(line, "export "):
			d, err = scanExport(line, lineNo, col)
		default:
			err = &ScanError{lineNo, col, fmt.Sprintf("expected declaration, found %q", firstWord(line))}
		}
		if err != nil {
			errs = append(errs, *err)
			continue
		}
		d.Src = []byte(line)
		d.Line = lineNo
		d.Col = col
		decls = append(decls, *d)
	}
	return decls, errs
}

func scanConst(line string, lineNo, col int) (*Decl, *ScanError) {
	rest := strings.TrimPrefix(line, "const ")
	name, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return nil, &ScanError{lineNo, col, "const declaration is missing '='"}
	}
	name = strings.TrimSpace(name)
	expr = strings.TrimSpace(expr)
	if !isIdent(name) {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("invalid constant name %q", name)}
	}
	if expr == "" {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("constant %q has an empty initializer", name)}
	}
	return &Decl{
		Kind: KindConst,
		Name: name,
		Expr: expr,
		Refs: scanRefs(expr, col+exprStart(line)),
	}, nil
}

func scanFn(line string, lineNo, col int) (*Decl, *ScanError) {
	rest := strings.TrimPrefix(line, "fn ")
	head, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return nil, &ScanError{lineNo, col, "fn declaration is missing '= <body>'"}
	}
	head = strings.TrimSpace(head)
	expr = strings.TrimSpace(expr)
	name, found := strings.CutSuffix(head, "()")
	if !found {
		return nil, &ScanError{lineNo, col, "fn declaration is missing '()'"}
	}
	name = strings.TrimSpace(name)
	if !isIdent(name) {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("invalid function name %q", name)}
	}
	if expr == "" {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("function %q has an empty body", name)}
	}
	return &Decl{
		Kind: KindFn,
		Name: name,
		Expr: expr,
		Refs: scanRefs(expr, col+exprStart(line)),
	}, nil
}

// exprStart returns the offset of the expression following the first '='.
func exprStart(line string) int {
	i := strings.Index(line, "=") + 1
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i
}

func scanExport(line string, lineNo, col int) (*Decl, *ScanError) {
	fields := strings.Fields(strings.TrimPrefix(line, "export "))
	var target, symbol string
	switch {
	case len(fields) == 1:
		target, symbol = fields[0], fields[0]
	case len(fields) == 3 && fields[1] == "as":
		target, symbol = fields[0], fields[2]
	default:
		return nil, &ScanError{lineNo, col, "expected 'export <name>' or 'export <name> as <symbol>'"}
	}
	if !isIdent(target) {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("invalid export target %q", target)}
	}
	if !isIdent(symbol) {
		return nil, &ScanError{lineNo, col, fmt.Sprintf("invalid export symbol %q", symbol)}
	}
	return &Decl{
		Kind:   KindExport,
		Name:   fmt.Sprintf("export:%s:%s", target, symbol),
		Target: target,
		Symbol: symbol,
	}, nil
}

// scanRefs extracts the identifiers an expression references. String
// literals are skipped; boolean/nil literals are not references. An
// identifier immediately followed by '(' is a call.
func scanRefs(expr string, baseCol int) []Ref {
	var refs []Ref
	seen := make(map[string]bool)
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '"' || c == '\'':
			quote := c
			i++
			for i < len(expr) && expr[i] != quote {
				if expr[i] == '\\' {
					i++
				}
				i++
			}
			i++
		case isIdentStart(c):
			start := i
			for i < len(expr) && isIdentChar(expr[i]) {
				i++
			}
			word := expr[start:i]
			if word == "true" || word == "false" || word == "nil" {
				continue
			}
			j := i
			for j < len(expr) && expr[j] == ' ' {
				j++
			}
			call := j < len(expr) && expr[j] == '('
			if !seen[word+callMark(call)] {
				seen[word+callMark(call)] = true
				refs = append(refs, Ref{Name: word, Call: call, Col: baseCol + start})
			}
		default:
			i++
		}
	}
	return refs
}

func callMark(call bool) string {
	if call {
		return "()"
	}
	return ""
}

func isIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func leadingIndent(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t"))
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return s
}
