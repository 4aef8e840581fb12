package entry

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryNotFound indicates the entry id does not exist.
	ErrEntryNotFound = errors.New("entry: config entry not found")

	// ErrAlreadyExists indicates a unique_id collision within a domain.
	ErrAlreadyExists = errors.New("entry: config entry already exists")

	// ErrInvalidTransition indicates the requested operation is not
	// valid from the entry's current state. The state is unchanged.
	ErrInvalidTransition = errors.New("entry: invalid state transition")

	// ErrNoHandler indicates no handlers are registered for the
	// entry's domain.
	ErrNoHandler = errors.New("entry: no handler registered for domain")

	// ErrMigrationFailed is returned by setup handlers whose data
	// migration failed. The entry parks in migration_error until it
	// is removed.
	ErrMigrationFailed = errors.New("entry: migration failed")
)

// NotReadyError is returned by setup handlers when the integration
// cannot start yet, typically because a dependency is unreachable.
// The manager schedules a retry.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("entry: setup not ready: %s", e.Reason)
}

// AuthFailedError is returned by setup handlers when credentials have
// expired or been revoked. The manager parks the entry in setup_error
// and fires a reauth event for the surface layer to pick up.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("entry: authentication failed: %s", e.Reason)
}
