package sema

import (
	"crypto/sha256"
	"fmt"
)

// Status is the analysis-status state machine of one declaration.
//
// unreferenced -> in_progress -> {complete, sema_failure,
// sema_failure_retryable, codegen_failure, codegen_failure_retryable,
// dependency_failure}. complete and every failure state can return to
// in_progress through outdated when the declaration's source changes or a
// dependency invalidates it.
type Status uint8

const (
	// StatusUnreferenced means the declaration has been scanned but nothing
	// has demanded its analysis yet.
	StatusUnreferenced Status = iota
	// StatusInProgress means analysis is running somewhere on the current
	// call stack. Observing it from a transition attempt is graph corruption.
	StatusInProgress
	// StatusOutdated means the recorded analysis predates the current update
	// and must be redone.
	StatusOutdated
	// StatusDependencyFailure means a dependency failed; the root cause is
	// diagnosed on the dependency, not here.
	StatusDependencyFailure
	// StatusSemaFailure means the declaration's own source is invalid.
	StatusSemaFailure
	// StatusSemaFailureRetryable is an infrastructure failure during
	// analysis; a later update may succeed without a source change.
	StatusSemaFailureRetryable
	// StatusCodegenFailure means emission failed permanently.
	StatusCodegenFailure
	// StatusCodegenFailureRetryable is an I/O-class emission failure,
	// re-attempted on the next update.
	StatusCodegenFailureRetryable
	// StatusComplete means the typed value slot holds a current result.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusUnreferenced:
		return "unreferenced"
	case StatusInProgress:
		return "in_progress"
	case StatusOutdated:
		return "outdated"
	case StatusDependencyFailure:
		return "dependency_failure"
	case StatusSemaFailure:
		return "sema_failure"
	case StatusSemaFailureRetryable:
		return "sema_failure_retryable"
	case StatusCodegenFailure:
		return "codegen_failure"
	case StatusCodegenFailureRetryable:
		return "codegen_failure_retryable"
	case StatusComplete:
		return "complete"
	}
	return "unknown"
}

// isFailure reports whether s is a terminal failure state.
func (s Status) isFailure() bool {
	switch s {
	case StatusDependencyFailure, StatusSemaFailure, StatusSemaFailureRetryable,
		StatusCodegenFailure, StatusCodegenFailureRetryable:
		return true
	}
	return false
}

// Decl is the unit of incremental tracking: one named, analyzable unit of
// source. A Decl is created when its name is first scanned and mutated in
// place across updates, never replaced by pointer, so back-references held
// by dependants stay valid. It is destroyed only by explicit deletion.
type Decl struct {
	Name string

	// Scope is the owning file scope. Not owned; the module owns scopes.
	Scope *Scope

	// SrcIndex is the declaration's position within its scope, recomputed
	// on every scan.
	SrcIndex int

	// ContentsHash detects unchanged re-declarations across scans.
	ContentsHash [sha256.Size]byte

	Pos    Pos
	Status Status

	// Generation records the update cycle of the last successful analysis.
	// Comparing it against the module's generation distinguishes "already
	// handled this cycle" from stale results.
	Generation uint64

	// Val is the most recent successfully computed typed value, or nil if
	// analysis never succeeded. Replaced wholesale on re-analysis.
	Val *Value

	// Dependencies and Dependants are symmetric, duplicate-free adjacency
	// lists of non-owning references: A is in B.Dependants exactly when B
	// is in A.Dependencies.
	Dependencies []*Decl
	Dependants   []*Decl

	// DeletionFlag marks pending membership in the module's deletion set.
	DeletionFlag bool

	// IsRoot marks declarations that are analyzed unconditionally on first
	// scan (export directives); everything else is analyzed on demand.
	IsRoot bool

	// Payload is the frontend-owned untyped instruction body, opaque to the
	// engine and handed to the analyzer.
	Payload any

	// Link is emitter-owned linkage data, opaque to the engine.
	Link any

	hasLinkage bool
	deleted    bool
}

// Scope is one root source scope (a file) owning the names declared in it.
type Scope struct {
	File  string
	Decls map[string]*Decl

	// src is the retained source text, released after a clean flush.
	src []byte
}

// declareDependency idempotently records that depender's value depends on
// dependee. The membership scans are linear; dependency sets are small.
func declareDependency(depender, dependee *Decl) {
	if !containsDecl(depender.Dependencies, dependee) {
		depender.Dependencies = append(depender.Dependencies, dependee)
	}
	if !containsDecl(dependee.Dependants, depender) {
		dependee.Dependants = append(dependee.Dependants, depender)
	}
}

// removeDependant detaches dependant from d's dependants list. The edge must
// exist; a missing edge means the graph is corrupted and there is no safe
// way to continue.
func removeDependant(d, dependant *Decl) {
	d.Dependants = removeDecl(d.Dependants, dependant, d, "dependant")
}

// removeDependency detaches dependency from d's dependencies list, with the
// same fatal precondition as removeDependant.
func removeDependency(d, dependency *Decl) {
	d.Dependencies = removeDecl(d.Dependencies, dependency, d, "dependency")
}

func removeDecl(list []*Decl, target, owner *Decl, kind string) []*Decl {
	for i, it := range list {
		if it == target {
			// Order is not meaningful; swap-remove.
			list[i] = list[len(list)-1]
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	panic(fmt.Sprintf("sema: dependency graph corrupted: %q is not a %s of %q",
		target.Name, kind, owner.Name))
}

func containsDecl(list []*Decl, d *Decl) bool {
	for _, it := range list {
		if it == d {
			return true
		}
	}
	return false
}
