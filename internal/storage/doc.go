// Package storage persists task runs and per-job records for later
// inspection (`rtctl history`).
//
// Drivers:
//   - "file": JSON Lines files next to each other (no database needed)
//   - "sqlite": a SQLite database file (modernc.org/sqlite, pure Go)
package storage
