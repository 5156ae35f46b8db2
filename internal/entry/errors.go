package entry

import "errors"

var (
	// ErrEntryNotFound is returned when an entry id does not exist.
	ErrEntryNotFound = errors.New("entry: not found")

	// ErrEntryExists is returned when an entry id or unique id is already taken.
	ErrEntryExists = errors.New("entry: already exists")

	// ErrInvalidConfig is returned when entry data or options fail validation.
	ErrInvalidConfig = errors.New("entry: invalid configuration")

	// ErrSetupFailed is returned when a platform could not set up an entry.
	ErrSetupFailed = errors.New("entry: setup failed")

	// ErrUnloadFailed is returned when a platform refused to unload an entry.
	ErrUnloadFailed = errors.New("entry: unload failed")

	// ErrInvalidState is returned for a lifecycle call the current state forbids.
	ErrInvalidState = errors.New("entry: operation not allowed in current state")
)
