package core

import "errors"

// Domain errors for the core package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, core.ErrUnknownService) {
//	    // handle unknown service
//	}
var (
	// ErrInvalidEntityID is returned when an entity id is not of the
	// form "<domain>.<object_id>" with [a-z0-9_] on both sides.
	ErrInvalidEntityID = errors.New("core: invalid entity id")

	// ErrUnknownEntity is returned when an entity id has no state.
	ErrUnknownEntity = errors.New("core: unknown entity")

	// ErrUnknownService is returned when no handler is registered for
	// a (domain, service) pair.
	ErrUnknownService = errors.New("core: unknown service")

	// ErrInvalidData is returned when service data fails schema
	// validation.
	ErrInvalidData = errors.New("core: invalid service data")

	// ErrResponseNotRequested is returned when a service that only
	// produces responses is called without requesting one.
	ErrResponseNotRequested = errors.New("core: service response not requested")

	// ErrBusClosed is returned when firing on a closed bus.
	ErrBusClosed = errors.New("core: event bus closed")
)
