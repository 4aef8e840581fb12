// Package logging provides structured logging for the hub.
//
// It wraps log/slog: JSON output for production, text for
// development, level filtering, and default service/version fields on
// every entry. The composition root can interpose the system log's
// capture handler so warnings and errors from any component also land
// in the in-memory system log.
package logging
