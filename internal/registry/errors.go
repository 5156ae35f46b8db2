package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, registry.ErrEntityNotFound) {
//	    // handle not found case
//	}
var (
	// ErrEntityNotFound is returned when an entity id is not registered.
	ErrEntityNotFound = errors.New("registry: entity not found")

	// ErrEntityExists is returned when an entity id or (platform, unique id)
	// pair is already registered.
	ErrEntityExists = errors.New("registry: entity already exists")

	// ErrInvalidEntity is returned when entity validation fails.
	ErrInvalidEntity = errors.New("registry: invalid entity")

	// ErrDeviceNotFound is returned when a device id or identifier is unknown.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceExists is returned when an identifier already belongs to another device.
	ErrDeviceExists = errors.New("registry: device already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("registry: invalid device")
)
