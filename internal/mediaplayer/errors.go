package mediaplayer

import "errors"

var (
	// ErrCannotConnect is returned by SetupEntry when the switch is unreachable.
	ErrCannotConnect = errors.New("mediaplayer: cannot connect")

	// ErrUnknownSource is returned when a source name is not in the zone's source list.
	ErrUnknownSource = errors.New("mediaplayer: unknown source")

	// ErrInvalidVolume is returned for a volume level outside 0..1.
	ErrInvalidVolume = errors.New("mediaplayer: volume level out of range")

	// ErrUnknownService is returned for a service name Zone does not support.
	ErrUnknownService = errors.New("mediaplayer: unknown service")

	// ErrInvalidParameter is returned when a service parameter is missing or mistyped.
	ErrInvalidParameter = errors.New("mediaplayer: invalid service parameter")

	// ErrZoneNotFound is returned when an entity id is not a known zone.
	ErrZoneNotFound = errors.New("mediaplayer: zone not found")
)
