// Package entry manages config entries, the persistent records that
// represent one configured instance of an integration each.
//
// Every entry moves through a fixed lifecycle state machine. Setup and
// unload for a single entry are serialized behind a per-entry lock;
// different entries proceed concurrently. Setup handlers classify
// their outcome through the error they return: nil loads the entry, a
// NotReadyError schedules a retry with exponential backoff, an
// AuthFailedError parks the entry in setup_error and fires a reauth
// event, and ErrMigrationFailed is terminal until the entry is
// removed.
//
// The full entry set persists under a single storage key with
// debounced saves.
package entry
