// Package storage persists subscribers, their fire state, journal entries
// and the audit trail.
//
// Two drivers are available:
//   - "sqlite": SQLite file (modernc.org/sqlite), schema managed by golang-migrate
//   - "file": JSON snapshot + append-only journal, for small deployments and tests
//
// FireState dates only move forward; the dispatcher is the single writer
// and never saves an older date over a newer one.
package storage
