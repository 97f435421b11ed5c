// Package heartwood is an incremental semantic-analysis engine: it scans
// declaration-oriented source files, determines which declarations need
// (re)analysis, lazily type-checks and constant-folds them, tracks
// inter-declaration dependencies, emits analyzed declarations into a SQLite
// artifact, and reclaims declarations that become unreachable — across
// repeated update cycles in a long-lived process.
//
// # Pipeline
//
// One update cycle runs in four phases:
//
//  1. Scan: every source file under the configured roots is split into
//     untyped declarations and reconciled by name and content hash against
//     the prior cycle. Unchanged declarations are left alone, changed ones
//     are marked outdated, vanished ones are deleted.
//
//  2. Drain: the work queue is processed to exhaustion. Analyzing one
//     declaration may recursively force analysis of the declarations it
//     references, recording dependency edges as it goes; type changes fan
//     out and invalidate stale dependants.
//
//  3. Sweep: declarations whose last dependant disappeared during the cycle
//     are destroyed, unless something referenced them again in the meantime.
//
//  4. Flush: if the cycle finished with zero errors, the artifact database
//     is stamped with a build record.
//
// # Usage
//
// Create an Engine, run updates, inspect the error report:
//
//	cfg := config.Default()
//	cfg.Roots = []string{"src"}
//	e, err := heartwood.New(cfg)
//	if err != nil { ... }
//	defer e.Close()
//
//	stats, err := e.Update(context.Background())
//	if e.TotalErrorCount() > 0 {
//	    for _, msg := range e.AllErrors() { ... }
//	}
//
// [Engine.Watch] keeps the engine alive and re-runs updates as source files
// change on disk.
package heartwood
