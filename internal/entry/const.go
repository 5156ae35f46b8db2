package entry

import "time"

const (
	// Domain is the integration domain used for unique ids and identifiers.
	Domain = "savantaudio"

	DefaultPort = 8085
	DefaultName = "Savant"

	// EntryTitle is the title given to every created entry.
	EntryTitle = "Savant Audio"

	SourceMin = 1
	SourceMax = 32
	ZoneMin   = 1
	ZoneMax   = 20

	// NoneSource is the display value for "no default source".
	NoneSource = "-- None --"

	// DefaultScanInterval is the poll period for zone entities.
	DefaultScanInterval = time.Minute
)
