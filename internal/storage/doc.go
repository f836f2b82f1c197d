// Package storage persists version state, watch records and the delivery
// ledger.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "file": JSON snapshot plus an append-only journal
//   - "memory": process lifetime only, for tests and dry runs
package storage
