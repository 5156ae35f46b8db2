package savant

import "errors"

var (
	// ErrConnect is returned when a switch cannot be reached.
	ErrConnect = errors.New("savant: cannot connect")

	// ErrNoSuchOutput is returned for an output number the switch does not have.
	ErrNoSuchOutput = errors.New("savant: no such output")

	// ErrNoSuchSource is returned for a source number outside the switch inputs.
	ErrNoSuchSource = errors.New("savant: no such source")

	// ErrClosed is returned by operations on a closed switch.
	ErrClosed = errors.New("savant: switch closed")
)
