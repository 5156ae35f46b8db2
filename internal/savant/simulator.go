package savant

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Simulator implements Connector with in-memory switches. Handlers run
// synchronously on the goroutine that caused the change.
type Simulator struct {
	mu         sync.Mutex
	switches   map[string]*SimSwitch
	fail       map[string]error
	autoCreate bool
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithAutoCreate makes Connect create a switch for any unknown address.
// The serial number is derived from the host.
func WithAutoCreate() SimulatorOption {
	return func(s *Simulator) { s.autoCreate = true }
}

// NewSimulator creates an empty simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		switches: make(map[string]*SimSwitch),
		fail:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SwitchSpec describes a simulated switch.
type SwitchSpec struct {
	Serial   string
	Model    string
	Firmware string
	Hardware string
	Outputs  int
}

// AddSwitch registers a switch reachable at host:port and returns it.
func (s *Simulator) AddSwitch(host string, port int, spec SwitchSpec) *SimSwitch {
	sw := newSimSwitch(host, port, spec)

	s.mu.Lock()
	s.switches[simKey(host, port)] = sw
	s.mu.Unlock()
	return sw
}

// Switch returns the switch registered at host:port.
func (s *Simulator) Switch(host string, port int) (*SimSwitch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.switches[simKey(host, port)]
	return sw, ok
}

// FailConnect makes Connect to host:port return err until it is cleared
// with a nil err.
func (s *Simulator) FailConnect(host string, port int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, simKey(host, port))
		return
	}
	s.fail[simKey(host, port)] = err
}

// Connect implements Connector.
func (s *Simulator) Connect(ctx context.Context, host string, port int) (Switch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := simKey(host, port)
	if err, ok := s.fail[key]; ok {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, key, err)
	}
	sw, ok := s.switches[key]
	if !ok {
		if !s.autoCreate {
			return nil, fmt.Errorf("%w: %s: connection refused", ErrConnect, key)
		}
		sw = newSimSwitch(host, port, SwitchSpec{Serial: "SIM-" + strings.ToUpper(strings.NewReplacer(".", "", ":", "").Replace(host))})
		s.switches[key] = sw
	}

	sw.mu.Lock()
	sw.conns++
	sw.closed = false
	sw.mu.Unlock()
	return sw, nil
}

func simKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Call records one operation issued against a simulated switch.
type Call struct {
	Op     string
	Output int
	Value  int
}

// Operations recorded in Call.Op.
const (
	OpRefresh       = "refresh"
	OpRefreshLink   = "refresh_link"
	OpLink          = "link"
	OpUnlink        = "unlink"
	OpOutputRefresh = "output_refresh"
	OpSetVolume     = "set_volume"
	OpSetMute       = "set_mute"
	OpSetStereo     = "set_stereo"
	OpSetPassthru   = "set_passthru"
)

// SimSwitch is an in-memory Switch.
type SimSwitch struct {
	host  string
	port  int
	model string

	mu       sync.Mutex
	attrs    Attributes
	outputs  []*SimOutput
	links    map[int]int
	handlers map[int]Handler
	nextSub  int
	calls    []Call
	conns    int
	closed   bool
}

func newSimSwitch(host string, port int, spec SwitchSpec) *SimSwitch {
	if spec.Model == "" {
		spec.Model = "SSA-3220"
	}
	if spec.Firmware == "" {
		spec.Firmware = "1.0.0"
	}
	if spec.Hardware == "" {
		spec.Hardware = "A"
	}
	if spec.Outputs <= 0 || spec.Outputs > MaxOutputs {
		spec.Outputs = MaxOutputs
	}

	sw := &SimSwitch{
		host:  host,
		port:  port,
		model: spec.Model,
		attrs: Attributes{
			AttrSerialNumber: spec.Serial,
			AttrFirmware:     spec.Firmware,
			AttrHardware:     spec.Hardware,
		},
		links:    make(map[int]int),
		handlers: make(map[int]Handler),
	}
	for n := 1; n <= spec.Outputs; n++ {
		sw.outputs = append(sw.outputs, &SimOutput{sw: sw, number: n, volume: VolumeMin, stereo: true})
	}
	return sw
}

func (s *SimSwitch) Host() string  { return s.host }
func (s *SimSwitch) Port() int     { return s.port }
func (s *SimSwitch) Model() string { return s.model }

// Attributes returns a copy of the attribute map.
func (s *SimSwitch) Attributes() Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Attributes, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// Refresh implements Switch.
func (s *SimSwitch) Refresh(ctx context.Context) error {
	return s.record(ctx, Call{Op: OpRefresh})
}

// Output implements Switch.
func (s *SimSwitch) Output(n int) (Output, error) {
	o, err := s.simOutput(n)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// SimOutput returns the concrete output n for test manipulation.
func (s *SimSwitch) SimOutput(n int) (*SimOutput, error) {
	return s.simOutput(n)
}

func (s *SimSwitch) simOutput(n int) (*SimOutput, error) {
	if n < 1 || n > len(s.outputs) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchOutput, n)
	}
	return s.outputs[n-1], nil
}

// Outputs implements Switch.
func (s *SimSwitch) Outputs() []Output {
	out := make([]Output, len(s.outputs))
	for i, o := range s.outputs {
		out[i] = o
	}
	return out
}

// GetLink implements Switch.
func (s *SimSwitch) GetLink(ctx context.Context, n int) (*int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.simOutput(n); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.links[n]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

// RefreshLink implements Switch.
func (s *SimSwitch) RefreshLink(ctx context.Context, n int) error {
	if _, err := s.simOutput(n); err != nil {
		return err
	}
	return s.record(ctx, Call{Op: OpRefreshLink, Output: n})
}

// Link implements Switch.
func (s *SimSwitch) Link(ctx context.Context, n, source int) error {
	if _, err := s.simOutput(n); err != nil {
		return err
	}
	if source < 1 || source > MaxSources {
		return fmt.Errorf("%w: %d", ErrNoSuchSource, source)
	}
	if err := s.record(ctx, Call{Op: OpLink, Output: n, Value: source}); err != nil {
		return err
	}
	s.setLink(n, &source)
	return nil
}

// Unlink implements Switch.
func (s *SimSwitch) Unlink(ctx context.Context, n int) error {
	if _, err := s.simOutput(n); err != nil {
		return err
	}
	if err := s.record(ctx, Call{Op: OpUnlink, Output: n}); err != nil {
		return err
	}
	s.setLink(n, nil)
	return nil
}

// SetLink changes the link table as if from the front panel. It is not
// recorded as a call.
func (s *SimSwitch) SetLink(n int, source *int) {
	s.setLink(n, source)
}

func (s *SimSwitch) setLink(n int, source *int) {
	s.mu.Lock()
	if source == nil {
		delete(s.links, n)
	} else {
		s.links[n] = *source
	}
	s.mu.Unlock()

	var src *int
	if source != nil {
		v := *source
		src = &v
	}
	s.emit(Event{Kind: EventLinkUpdated, Output: n, Source: src})
}

// Subscribe implements Switch.
func (s *SimSwitch) Subscribe(h Handler) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// Subscribers returns the number of registered handlers.
func (s *SimSwitch) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Close implements Switch. Every Connect hands out the same switch, so it
// only closes once each connection has been closed.
func (s *SimSwitch) Close() error {
	s.mu.Lock()
	if s.conns > 0 {
		s.conns--
	}
	s.closed = s.conns == 0
	s.mu.Unlock()
	return nil
}

// Closed reports whether every connection has been closed.
func (s *SimSwitch) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns the recorded operations in order.
func (s *SimSwitch) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns the recorded operations with the given op.
func (s *SimSwitch) CallsFor(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *SimSwitch) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func (s *SimSwitch) record(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.calls = append(s.calls, c)
	return nil
}

func (s *SimSwitch) emit(ev Event) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// SimOutput is an in-memory Output.
type SimOutput struct {
	sw     *SimSwitch
	number int

	// guarded by sw.mu
	volume     int
	mute       bool
	stereo     bool
	passthru   bool
	delayLeft  int
	delayRight int
}

func (o *SimOutput) Number() int { return o.number }

func (o *SimOutput) Volume() int {
	o.sw.mu.Lock()
	defer o.sw.mu.Unlock()
	return o.volume
}

func (o *SimOutput) Mute() bool {
	o.sw.mu.Lock()
	defer o.sw.mu.Unlock()
	return o.mute
}

func (o *SimOutput) Stereo() bool {
	o.sw.mu.Lock()
	defer o.sw.mu.Unlock()
	return o.stereo
}

func (o *SimOutput) Passthru() bool {
	o.sw.mu.Lock()
	defer o.sw.mu.Unlock()
	return o.passthru
}

func (o *SimOutput) Delay() (left, right int) {
	o.sw.mu.Lock()
	defer o.sw.mu.Unlock()
	return o.delayLeft, o.delayRight
}

// Refresh implements Output.
func (o *SimOutput) Refresh(ctx context.Context) error {
	return o.sw.record(ctx, Call{Op: OpOutputRefresh, Output: o.number})
}

// SetVolume clamps volume to VolumeMin..VolumeMax.
func (o *SimOutput) SetVolume(ctx context.Context, volume int) error {
	volume = max(VolumeMin, min(VolumeMax, volume))
	return o.set(ctx, Call{Op: OpSetVolume, Output: o.number, Value: volume}, func() { o.volume = volume })
}

func (o *SimOutput) SetMute(ctx context.Context, mute bool) error {
	return o.set(ctx, Call{Op: OpSetMute, Output: o.number, Value: boolValue(mute)}, func() { o.mute = mute })
}

func (o *SimOutput) SetStereo(ctx context.Context, stereo bool) error {
	return o.set(ctx, Call{Op: OpSetStereo, Output: o.number, Value: boolValue(stereo)}, func() { o.stereo = stereo })
}

func (o *SimOutput) SetPassthru(ctx context.Context, passthru bool) error {
	return o.set(ctx, Call{Op: OpSetPassthru, Output: o.number, Value: boolValue(passthru)}, func() { o.passthru = passthru })
}

// SetDelay changes the delay pair as if from the front panel.
func (o *SimOutput) SetDelay(left, right int) {
	o.sw.mu.Lock()
	o.delayLeft, o.delayRight = left, right
	o.sw.mu.Unlock()
	o.sw.emit(Event{Kind: EventOutputUpdated, Output: o.number})
}

func (o *SimOutput) set(ctx context.Context, c Call, apply func()) error {
	if err := o.sw.record(ctx, c); err != nil {
		return err
	}
	o.sw.mu.Lock()
	apply()
	o.sw.mu.Unlock()
	o.sw.emit(Event{Kind: EventOutputUpdated, Output: o.number})
	return nil
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}
