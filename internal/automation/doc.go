// Package automation is the hub's trigger/condition/action runtime.
//
// An automation is a configured bundle of triggers, conditions, and
// actions. Triggers attach to the event bus (or to wall-clock
// schedules) and emit TriggerData when they match; conditions gate the
// run against current state; the script executor then runs the action
// sequence, which typically calls services and closes the loop through
// the state store.
//
// Each run owns its ExecutionContext, so scripts are re-entrant. Run
// concurrency is governed per automation by its mode (single, restart,
// queued, parallel).
package automation
