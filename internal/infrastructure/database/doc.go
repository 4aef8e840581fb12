// Package database opens and manages the hub's SQLite file.
//
// It configures WAL mode, a busy timeout, and a single-writer
// connection pool, and sets owner-only file permissions. Schema
// creation belongs to the consuming component; the recorder creates
// its history table on startup.
package database
