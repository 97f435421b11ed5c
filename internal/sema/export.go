package sema

// ExportStatus tracks one export directive through registration and emission.
type ExportStatus uint8

const (
	ExportInProgress ExportStatus = iota
	ExportFailed
	ExportFailedRetryable
	ExportComplete
)

func (s ExportStatus) String() string {
	switch s {
	case ExportInProgress:
		return "in_progress"
	case ExportFailed:
		return "failed"
	case ExportFailedRetryable:
		return "failed_retryable"
	case ExportComplete:
		return "complete"
	}
	return "unknown"
}

// Export is one symbol-export directive: Owner is the declaration whose
// analysis issued it, Exported is the declaration being exposed under
// Symbol. At most one live Export may claim a symbol name at a time.
type Export struct {
	Symbol   string
	Pos      Pos
	Owner    *Decl
	Exported *Decl
	Status   ExportStatus

	// Link is emitter-owned linkage data, opaque to the engine.
	Link any
}

// analyzeExport registers an export of target under symbol. The target must
// already be analyzed (the caller resolved it, recording the dependency
// edge). Non-function exports are rejected as semantic errors. A symbol
// collision marks the new export failed without disturbing the live one.
func (m *Module) analyzeExport(owner *Decl, pos Pos, symbol string, target *Decl) error {
	if !target.Val.Type.IsFn() {
		return m.failDecl(owner, pos, "unable to export %q: %s is not a function",
			symbol, target.Val.Type)
	}

	ex := &Export{
		Symbol:   symbol,
		Pos:      pos,
		Owner:    owner,
		Exported: target,
		Status:   ExportInProgress,
	}
	m.declExports[owner] = append(m.declExports[owner], ex)
	m.exportOwners[target] = append(m.exportOwners[target], ex)

	if live, taken := m.symbolExports[symbol]; taken {
		m.failedExports[ex] = errorMsgf(pos, "exported symbol collision: %q also exported at %s",
			symbol, live.Pos)
		ex.Status = ExportFailed
		return nil
	}
	m.symbolExports[symbol] = ex

	if err := m.emitter.UpdateDeclExports(target, m.exportOwners[target]); err != nil {
		m.failedExports[ex] = errorMsgf(pos, "unable to emit export %q: %v", symbol, err)
		ex.Status = ExportFailedRetryable
		return nil
	}
	ex.Status = ExportComplete
	m.log.Debug("export registered", "symbol", symbol, "decl", target.Name)
	return nil
}

// hasRetryableExport reports whether the declaration owns an export whose
// emission failed retryably. Such owners are re-marked outdated on the next
// scan even with an unchanged hash; re-analysis rediscovers the export and
// re-attempts emission.
func (m *Module) hasRetryableExport(d *Decl) bool {
	for _, ex := range m.declExports[d] {
		if ex.Status == ExportFailedRetryable {
			return true
		}
	}
	return false
}

// deleteDeclExports removes every export owned by the declaration from all
// three registries and from the artifact. Called unconditionally before
// re-analysis: exports are rediscovered, never patched.
func (m *Module) deleteDeclExports(owner *Decl) {
	for _, ex := range m.declExports[owner] {
		incoming := m.exportOwners[ex.Exported]
		for i, it := range incoming {
			if it == ex {
				incoming[i] = incoming[len(incoming)-1]
				incoming[len(incoming)-1] = nil
				incoming = incoming[:len(incoming)-1]
				break
			}
		}
		if len(incoming) == 0 {
			delete(m.exportOwners, ex.Exported)
		} else {
			m.exportOwners[ex.Exported] = incoming
		}

		if m.symbolExports[ex.Symbol] == ex {
			delete(m.symbolExports, ex.Symbol)
		}
		m.emitter.DeleteExport(ex)
		delete(m.failedExports, ex)
	}
	delete(m.declExports, owner)
}
