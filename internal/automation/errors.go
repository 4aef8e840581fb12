package automation

import "errors"

var (
	// ErrUnknownPlatform is returned when a trigger or condition names
	// a platform the runtime does not implement.
	ErrUnknownPlatform = errors.New("automation: unknown platform")

	// ErrInvalidConfig is returned when a trigger, condition, or action
	// is structurally invalid.
	ErrInvalidConfig = errors.New("automation: invalid config")

	// ErrConditionFailed stops a script when a condition action
	// evaluates false and the context demands it.
	ErrConditionFailed = errors.New("automation: condition failed")

	// ErrWaitTimeout is returned when wait_for_trigger or wait_template
	// times out without continue_on_timeout.
	ErrWaitTimeout = errors.New("automation: wait timed out")

	// ErrStopped is returned when a stop action with error set halts
	// the script.
	ErrStopped = errors.New("automation: stopped")

	// ErrNotFound is returned for operations on an unknown automation.
	ErrNotFound = errors.New("automation: not found")

	// ErrAlreadyExists is returned when adding a duplicate automation id.
	ErrAlreadyExists = errors.New("automation: already exists")
)
