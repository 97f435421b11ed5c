// Package emit is the reference code emitter: a SQLite-backed incremental
// artifact store. Linkage indexes are row ids in the decls table; flushing a
// clean update records a build row stamped with a UUID so artifact history
// survives across watch-mode sessions.
package emit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jward/heartwood/internal/sema"
)

// Store implements sema.Emitter over a SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// linkage is the emitter-owned handle kept in Decl.Link.
type linkage struct {
	rowID int64
}

// Open opens (or creates) the artifact database at path with WAL mode
// enabled, and migrates the schema. Idempotent.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("emit: open artifact: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("emit: ping artifact: %w", err)
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS decls (
  id          INTEGER PRIMARY KEY,
  name        TEXT NOT NULL,
  type        TEXT,
  payload     BLOB,
  generation  INTEGER
);

CREATE TABLE IF NOT EXISTS exports (
  id          INTEGER PRIMARY KEY,
  symbol      TEXT NOT NULL UNIQUE,
  decl_name   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS builds (
  id          TEXT PRIMARY KEY,
  generation  INTEGER NOT NULL,
  finished_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
  key         TEXT PRIMARY KEY,
  value       TEXT
);

CREATE INDEX IF NOT EXISTS idx_decls_name ON decls(name);
CREATE INDEX IF NOT EXISTS idx_exports_decl ON exports(decl_name);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("emit: migrate: %w", err)
	}
	return nil
}

// AllocateDeclIndexes reserves a row for a declaration whose type gained
// runtime representation and stores the row id as its linkage handle.
func (s *Store) AllocateDeclIndexes(d *sema.Decl) error {
	if d.Link != nil {
		return nil
	}
	res, err := s.db.Exec("INSERT INTO decls(name) VALUES (?)", d.Name)
	if err != nil {
		return fmt.Errorf("emit: allocate indexes for %s: %w", d.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("emit: allocate indexes for %s: %w", d.Name, err)
	}
	d.Link = &linkage{rowID: id}
	return nil
}

// UpdateDecl (re)emits one analyzed declaration into its reserved row.
func (s *Store) UpdateDecl(d *sema.Decl) error {
	link, ok := d.Link.(*linkage)
	if !ok {
		return fmt.Errorf("emit: update %s: no linkage allocated", d.Name)
	}
	_, err := s.db.Exec(
		"UPDATE decls SET name = ?, type = ?, payload = ?, generation = ? WHERE id = ?",
		d.Name, d.Val.Type.String(), renderPayload(d.Val), d.Generation, link.rowID,
	)
	if err != nil {
		return fmt.Errorf("emit: update %s: %w", d.Name, err)
	}
	return nil
}

// renderPayload serializes a typed value into artifact bytes. Function
// payloads are the body source; constants are their printed value.
func renderPayload(v *sema.Value) []byte {
	if fn := v.Fn(); fn != nil {
		return []byte(fn.Body)
	}
	return fmt.Appendf(nil, "%v", v.Data)
}

// FreeDecl releases the declaration's row, if it has one. Failures are
// logged, not returned: a missing row means there is nothing to free.
func (s *Store) FreeDecl(d *sema.Decl) {
	link, ok := d.Link.(*linkage)
	if !ok {
		return
	}
	if _, err := s.db.Exec("DELETE FROM decls WHERE id = ?", link.rowID); err != nil {
		s.log.Warn("emit: free decl", "decl", d.Name, "err", err)
	}
	d.Link = nil
}

// UpdateDeclExports replaces the emitted exports of one declaration.
func (s *Store) UpdateDeclExports(d *sema.Decl, exports []*sema.Export) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("emit: update exports for %s: %w", d.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM exports WHERE decl_name = ?", d.Name); err != nil {
		return fmt.Errorf("emit: update exports for %s: %w", d.Name, err)
	}
	for _, ex := range exports {
		if ex.Status == sema.ExportFailed {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO exports(symbol, decl_name) VALUES (?, ?)",
			ex.Symbol, d.Name,
		); err != nil {
			return fmt.Errorf("emit: update exports for %s: %w", d.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("emit: update exports for %s: %w", d.Name, err)
	}
	return nil
}

// DeleteExport removes one emitted export.
func (s *Store) DeleteExport(ex *sema.Export) {
	if _, err := s.db.Exec(
		"DELETE FROM exports WHERE symbol = ? AND decl_name = ?",
		ex.Symbol, ex.Exported.Name,
	); err != nil {
		s.log.Warn("emit: delete export", "symbol", ex.Symbol, "err", err)
	}
}

// Flush records a completed, error-free update cycle as a build row.
func (s *Store) Flush(ctx context.Context, generation uint64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO builds(id, generation, finished_at) VALUES (?, ?, ?)",
		uuid.NewString(), generation, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("emit: record build: %w", err)
	}
	return nil
}

// Build is one flushed update cycle.
type Build struct {
	ID         string
	Generation uint64
	FinishedAt time.Time
}

// Builds lists recorded builds, newest first.
func (s *Store) Builds() ([]Build, error) {
	rows, err := s.db.Query("SELECT id, generation, finished_at FROM builds ORDER BY generation DESC")
	if err != nil {
		return nil, fmt.Errorf("emit: list builds: %w", err)
	}
	defer rows.Close()
	var builds []Build
	for rows.Next() {
		var b Build
		if err := rows.Scan(&b.ID, &b.Generation, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("emit: scan build: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// DeclPayload returns the emitted payload for a declaration name, or nil if
// it has not been emitted.
func (s *Store) DeclPayload(name string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM decls WHERE name = ?", name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("emit: read payload for %s: %w", name, err)
	}
	return payload, nil
}

// ExportedSymbols returns the symbol table of the artifact.
func (s *Store) ExportedSymbols() (map[string]string, error) {
	rows, err := s.db.Query("SELECT symbol, decl_name FROM exports")
	if err != nil {
		return nil, fmt.Errorf("emit: list exports: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var symbol, decl string
		if err := rows.Scan(&symbol, &decl); err != nil {
			return nil, fmt.Errorf("emit: scan export: %w", err)
		}
		out[symbol] = decl
	}
	return out, rows.Err()
}
