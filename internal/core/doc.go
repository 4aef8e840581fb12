// Package core implements the hub kernel: the event bus, the state
// store, and the service registry, together with the value types they
// share (entity IDs, contexts, events, ordered attributes).
//
// The three components form the central loop of the hub:
//
//	service call → handler mutates the state store → state_changed on
//	the bus → automation triggers → more service calls
//
// Ownership rules:
//   - The StateStore exclusively owns State values. Everything handed
//     out is an immutable snapshot; mutation goes through Set/Remove.
//   - The Bus owns its subscriber table. Firing never blocks the
//     caller; delivery happens on a single dispatcher goroutine, so
//     any two events fired in order are observed in order by every
//     subscriber.
//   - The ServiceRegistry owns the (domain, service) handler table.
//
// All three are safe for concurrent use from any goroutine.
package core
