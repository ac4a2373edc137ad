// Package storage persists the generation history used for /usage and
// housekeeping.
//
// Drivers:
//   - "file": JSON Lines file, no external dependencies
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// Throttle windows are tracked in memory by the scheduler and are not
// restored from here.
package storage
