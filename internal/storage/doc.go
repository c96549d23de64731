// Package storage persists the orchestrator's audit journal and its periodic
// history snapshots.
//
// Two drivers are available:
//   - "file": append-only JSON Lines journal plus one JSON file per snapshot
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
