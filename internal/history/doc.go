// Package history persists stats window reports in SQLite so `texbridge
// history` can show throughput across restarts.
//
// The schema is embedded and versioned; a database written by a different
// schema version is rejected with ErrSchemaMismatch rather than migrated.
// Writes retry briefly on SQLITE_BUSY because the CLI may read while the
// bridge appends.
package history
