package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, registry.ErrEntityNotFound) {
//	    // handle not found case
//	}
var (
	// ErrEntityNotFound is returned when an entity row does not exist.
	ErrEntityNotFound = errors.New("registry: entity not found")

	// ErrDeviceNotFound is returned when a device row does not exist.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrAreaNotFound is returned when an area row does not exist.
	ErrAreaNotFound = errors.New("registry: area not found")

	// ErrFloorNotFound is returned when a floor row does not exist.
	ErrFloorNotFound = errors.New("registry: floor not found")

	// ErrLabelNotFound is returned when a label row does not exist.
	ErrLabelNotFound = errors.New("registry: label not found")

	// ErrAlreadyExists is returned when a row with the same natural
	// key already exists.
	ErrAlreadyExists = errors.New("registry: already exists")

	// ErrCollision is returned when a merge would give two live
	// devices the same identifier or connection.
	ErrCollision = errors.New("registry: identifier collision")

	// ErrSelfReference is returned when a device names itself as its
	// via_device.
	ErrSelfReference = errors.New("registry: device cannot reference itself")

	// ErrInvalidMAC is returned when a mac connection id cannot be
	// normalized.
	ErrInvalidMAC = errors.New("registry: invalid mac address")

	// ErrInvalidName is returned when a row name is empty.
	ErrInvalidName = errors.New("registry: invalid name")
)
