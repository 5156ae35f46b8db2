package savant

import "context"

// Output and source ranges of the SSA-3220 family.
const (
	VolumeMin = -38
	VolumeMax = 0

	MaxOutputs = 20
	MaxSources = 32
)

// Attribute keys reported by the switch.
const (
	AttrSerialNumber = "sn"
	AttrFirmware     = "fwrev"
	AttrHardware     = "rev"
)

// Attributes is the switch attribute map. It contains at least sn, fwrev and rev.
type Attributes map[string]string

// SerialNumber returns the sn attribute.
func (a Attributes) SerialNumber() string { return a[AttrSerialNumber] }

// Firmware returns the fwrev attribute.
func (a Attributes) Firmware() string { return a[AttrFirmware] }

// Hardware returns the rev attribute.
func (a Attributes) Hardware() string { return a[AttrHardware] }

// EventKind names a pushed state change.
type EventKind string

const (
	// EventOutputUpdated reports new volume, mute, stereo, passthru or delay values.
	EventOutputUpdated EventKind = "output-updated"

	// EventLinkUpdated reports a changed source assignment.
	EventLinkUpdated EventKind = "link-updated"
)

// Event is a state change pushed by the switch. Source is set for link
// events; nil means the output is unlinked.
type Event struct {
	Kind   EventKind
	Output int
	Source *int
}

// Handler receives pushed events. It is called on the client's goroutine
// and must not block.
type Handler func(Event)

// Connector opens connections to switches.
type Connector interface {
	Connect(ctx context.Context, host string, port int) (Switch, error)
}

// Switch is a connected audio switch.
type Switch interface {
	Host() string
	Port() int
	Model() string
	Attributes() Attributes

	// Refresh re-reads the switch attributes.
	Refresh(ctx context.Context) error

	// Output returns ErrNoSuchOutput for an unknown number.
	Output(n int) (Output, error)
	Outputs() []Output

	// GetLink returns the cached source linked to output n, or nil.
	GetLink(ctx context.Context, n int) (*int, error)

	// RefreshLink re-reads the link table entry for output n.
	RefreshLink(ctx context.Context, n int) error

	Link(ctx context.Context, n, source int) error
	Unlink(ctx context.Context, n int) error

	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())

	Close() error
}

// Output is one physical zone of a switch. Getters return cached values;
// Refresh re-reads them from the device.
type Output interface {
	Number() int
	Volume() int
	Mute() bool
	Stereo() bool
	Passthru() bool
	Delay() (left, right int)

	Refresh(ctx context.Context) error

	SetVolume(ctx context.Context, volume int) error
	SetMute(ctx context.Context, mute bool) error
	SetStereo(ctx context.Context, stereo bool) error
	SetPassthru(ctx context.Context, passthru bool) error
}
