package savant

import "errors"

var (
	// ErrInvalidMessage is returned for a command or request that cannot be decoded.
	ErrInvalidMessage = errors.New("bridge: invalid message")

	// ErrUnknownTopic is returned for a topic the bridge does not handle.
	ErrUnknownTopic = errors.New("bridge: unknown topic")
)
