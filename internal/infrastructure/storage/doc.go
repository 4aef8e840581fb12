// Package storage provides durable JSON persistence for hub
// components.
//
// Each key is one file under <data_dir>/.storage, wrapped in a
// versioned envelope:
//
//	{ "version": 1, "minor_version": 19, "key": "core.entity_registry", "data": { ... } }
//
// Writes are atomic (write to <key>.tmp, fsync, rename) so a crash
// never leaves a half-written file. Versioning is caller-defined:
// loaders receive the stored version tuple and migrate as needed.
//
// Saves can be delayed: frequent mutators schedule a debounced write
// and a newly scheduled save supersedes a queued one. Close flushes
// every pending save.
package storage
