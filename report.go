package heartwood

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Report is the externally consumed result of an update cycle: the
// aggregate error count and the full (file, line, column, message) listing.
type Report struct {
	Generation uint64     `yaml:"generation"`
	ErrorCount int        `yaml:"error_count"`
	Errors     []ErrorMsg `yaml:"errors,omitempty"`
}

// Report captures the engine's current error state.
func (e *Engine) Report() *Report {
	return &Report{
		Generation: e.Generation(),
		ErrorCount: e.TotalErrorCount(),
		Errors:     e.AllErrors(),
	}
}

// YAML serializes the report.
func (r *Report) YAML() ([]byte, error) {
	out, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("heartwood: marshal report: %w", err)
	}
	return out, nil
}

// Text renders the report as one diagnostic per line, compiler style.
func (r *Report) Text() string {
	if r.ErrorCount == 0 {
		return fmt.Sprintf("generation %d: no errors\n", r.Generation)
	}
	var b strings.Builder
	for _, e := range r.Errors {
		if e.File == "" {
			fmt.Fprintf(&b, "error: %s\n", e.Msg)
			continue
		}
		fmt.Fprintf(&b, "%s:%d:%d: error: %s\n", e.File, e.Line, e.Col, e.Msg)
	}
	fmt.Fprintf(&b, "generation %d: %d error(s)\n", r.Generation, r.ErrorCount)
	return b.String()
}
