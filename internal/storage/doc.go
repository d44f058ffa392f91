// Package storage persists Jobs and Tasks.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "file":   in-memory maps snapshotted to a JSON file after every write
//   - "memory": in-memory maps only (tests, throwaway runs)
//
// Status writes are conditional: a Task moves only if it is still in one of
// the expected source states, and claims also check the Job's parallelism.
// That is what makes concurrent reconciliation passes safe.
package storage
