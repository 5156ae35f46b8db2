package mediaplayer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/registry"
	"github.com/nerrad567/savantaudio/internal/savant"
)

// eventTimeout bounds the cached link read made from a push handler.
const eventTimeout = 5 * time.Second

// ZoneOptions configures a Zone.
type ZoneOptions struct {
	Switch savant.Switch
	Output savant.Output

	// Key is the object part of the entity id.
	Key string

	// Sources maps enabled source ids to display names.
	Sources map[int]string

	// Name is the zone name; empty falls back to "{SwitchName} Zone N".
	Name       string
	SwitchName string

	// Default is the source linked by TurnOn when nothing is cached.
	Default *int

	// Known resolves JoinPlayers targets. Optional.
	Known *Known

	Logger Logger
}

// Zone is the media player entity for one switch output.
//
// A zone is created by Platform.SetupEntry, registered in Known, and
// subscribed to its switch's push events. Close drops that subscription;
// the zone keeps answering State from its cache.
//
// Device calls are made without holding mu: a switch may deliver push
// events on the calling goroutine.
//
// All public methods are thread-safe.
type Zone struct {
	sw       savant.Switch
	output   savant.Output
	number   int
	serial   string
	name     string
	key      string
	known    *Known
	logger   Logger
	defaultS *int

	sourceList []string
	sourceName map[int]string
	sourceID   map[string]int

	unsubscribe func()

	// mu guards the cached device state below.
	mu         sync.Mutex
	entityID   string
	state      PowerState
	current    *int
	pending    *int
	volume     float64
	mute       bool
	stereo     bool
	passthru   bool
	delayLeft  int
	delayRight int
	synced     bool
	updatedAt  time.Time
	onChange   func(State)
}

// NewZone creates a zone. It does not touch the device until Start or Update.
func NewZone(opts ZoneOptions) *Zone {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	switchName := opts.SwitchName
	if switchName == "" {
		switchName = opts.Switch.Model()
	}
	number := opts.Output.Number()
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s Zone %d", switchName, number)
	}

	z := &Zone{
		sw:       opts.Switch,
		output:   opts.Output,
		number:   number,
		serial:   opts.Switch.Attributes().SerialNumber(),
		name:     name,
		key:      opts.Key,
		known:    opts.Known,
		logger:   logger,
		defaultS: cloneInt(opts.Default),
		entityID: EntityDomain + "." + opts.Key,
		state:    StateOff,
	}
	z.setSources(opts.Sources)
	return z
}

func (z *Zone) setSources(sources map[int]string) {
	ids := make([]int, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	z.sourceName = make(map[int]string, len(sources))
	z.sourceID = make(map[string]int, len(sources))
	z.sourceList = make([]string, 0, len(sources))
	for _, id := range ids {
		name := sources[id]
		z.sourceName[id] = name
		z.sourceID[name] = id
		z.sourceList = append(z.sourceList, name)
	}
}

// Start registers the push handler.
func (z *Zone) Start() {
	z.unsubscribe = z.sw.Subscribe(z.handleEvent)
}

// Close removes the push handler.
func (z *Zone) Close() {
	if z.unsubscribe != nil {
		z.unsubscribe()
		z.unsubscribe = nil
	}
}

// OnChange sets the function called with a snapshot after every state change.
func (z *Zone) OnChange(fn func(State)) {
	z.mu.Lock()
	z.onChange = fn
	z.mu.Unlock()
}

func (z *Zone) handleEvent(ev savant.Event) {
	if ev.Output != z.number {
		return
	}
	switch ev.Kind {
	case savant.EventOutputUpdated:
		z.syncOutput()
	case savant.EventLinkUpdated:
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := z.syncLink(ctx); err != nil {
			z.logger.Warn("link sync failed", "entity_id", z.EntityID(), "error", err)
			return
		}
	default:
		return
	}
	z.notify()
}

// Update refreshes the output, then the link table entry, then resyncs
// output attributes and power state from the refreshed values.
func (z *Zone) Update(ctx context.Context) error {
	if err := z.output.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing output %d: %w", z.number, err)
	}
	if err := z.sw.RefreshLink(ctx, z.number); err != nil {
		return fmt.Errorf("refreshing link %d: %w", z.number, err)
	}
	z.syncOutput()
	if err := z.syncLink(ctx); err != nil {
		return err
	}
	z.notify()
	return nil
}

func (z *Zone) syncOutput() {
	raw := z.output.Volume()
	mute := z.output.Mute()
	stereo := z.output.Stereo()
	passthru := z.output.Passthru()
	left, right := z.output.Delay()

	z.mu.Lock()
	defer z.mu.Unlock()
	z.volume = DeviceToLevel(raw)
	z.mute = mute
	z.stereo = stereo
	z.passthru = passthru
	z.delayLeft, z.delayRight = left, right
	z.synced = true
	z.updatedAt = time.Now()
}

func (z *Zone) syncLink(ctx context.Context) error {
	link, err := z.sw.GetLink(ctx, z.number)
	if err != nil {
		return fmt.Errorf("reading link %d: %w", z.number, err)
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if link != nil {
		z.current = cloneInt(link)
		z.pending = nil
		z.state = StateOn
	} else {
		z.current = cloneInt(z.pending)
		z.state = StateOff
	}
	z.updatedAt = time.Now()
	return nil
}

// TurnOn links the cached source, or the default source when nothing is
// cached. The zone stays OFF when there is nothing to link.
func (z *Zone) TurnOn(ctx context.Context) error {
	z.mu.Lock()
	if z.state == StateOn {
		z.mu.Unlock()
		return nil
	}
	src := cloneInt(z.current)
	if src == nil {
		src = cloneInt(z.defaultS)
	}
	z.mu.Unlock()

	if src == nil {
		z.logger.Debug("turn on ignored, no source", "entity_id", z.EntityID())
		return nil
	}
	if err := z.sw.Link(ctx, z.number, *src); err != nil {
		return fmt.Errorf("linking source %d to output %d: %w", *src, z.number, err)
	}

	z.mu.Lock()
	z.current = src
	z.pending = nil
	z.state = StateOn
	z.mu.Unlock()
	z.notify()
	return nil
}

// TurnOff unlinks the output. The current source is kept for the next TurnOn.
func (z *Zone) TurnOff(ctx context.Context) error {
	z.mu.Lock()
	keep := cloneInt(z.current)
	z.pending = keep
	z.mu.Unlock()

	if err := z.sw.Unlink(ctx, z.number); err != nil {
		return fmt.Errorf("unlinking output %d: %w", z.number, err)
	}

	z.mu.Lock()
	z.state = StateOff
	z.current = cloneInt(keep)
	z.mu.Unlock()
	z.notify()
	return nil
}

// SelectSource links the named source when ON and caches it for the next
// TurnOn when OFF. An empty name unlinks and clears the current source.
func (z *Zone) SelectSource(ctx context.Context, name string) error {
	if name == "" {
		return z.clearSource(ctx)
	}
	id, ok := z.sourceID[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	z.mu.Lock()
	on := z.state == StateOn
	if !on {
		z.pending = cloneInt(&id)
		z.current = cloneInt(&id)
	}
	z.mu.Unlock()

	if on {
		if err := z.sw.Link(ctx, z.number, id); err != nil {
			return fmt.Errorf("linking source %d to output %d: %w", id, z.number, err)
		}
		z.mu.Lock()
		z.current = cloneInt(&id)
		z.mu.Unlock()
	}
	z.notify()
	return nil
}

func (z *Zone) clearSource(ctx context.Context) error {
	z.mu.Lock()
	z.pending = nil
	z.mu.Unlock()

	if err := z.sw.Unlink(ctx, z.number); err != nil {
		return fmt.Errorf("unlinking output %d: %w", z.number, err)
	}

	z.mu.Lock()
	z.current = nil
	z.pending = nil
	z.state = StateOff
	z.mu.Unlock()
	z.notify()
	return nil
}

// SetVolumeLevel sets the volume from a 0..1 level.
func (z *Zone) SetVolumeLevel(ctx context.Context, level float64) error {
	if level < 0 || level > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, level)
	}
	return z.output.SetVolume(ctx, LevelToDevice(level))
}

// VolumeUp raises the device volume by one step towards 0.
func (z *Zone) VolumeUp(ctx context.Context) error {
	if raw := z.output.Volume(); raw < savant.VolumeMax {
		return z.output.SetVolume(ctx, raw+1)
	}
	return nil
}

// VolumeDown lowers the device volume by one step towards -38.
func (z *Zone) VolumeDown(ctx context.Context) error {
	if raw := z.output.Volume(); raw > savant.VolumeMin {
		return z.output.SetVolume(ctx, raw-1)
	}
	return nil
}

// MuteVolume mutes or unmutes the output.
func (z *Zone) MuteVolume(ctx context.Context, mute bool) error {
	return z.output.SetMute(ctx, mute)
}

// SelectSoundMode applies a comma separated token set. Stereo only changes
// when "stereo" or "mono" is present; passthru is on iff "passthru" is.
func (z *Zone) SelectSoundMode(ctx context.Context, mode string) error {
	var stereo *bool
	passthru := false
	for _, tok := range strings.Split(mode, ",") {
		switch strings.TrimSpace(tok) {
		case ModeStereo:
			v := true
			stereo = &v
		case ModeMono:
			v := false
			stereo = &v
		case ModePassthru:
			passthru = true
		}
	}
	if stereo != nil {
		if err := z.output.SetStereo(ctx, *stereo); err != nil {
			return err
		}
	}
	return z.output.SetPassthru(ctx, passthru)
}

// JoinPlayers makes every named zone on the same switch host adopt this
// zone's current source. Other ids are logged and skipped.
func (z *Zone) JoinPlayers(ctx context.Context, entityIDs []string) error {
	source := z.Source()
	for _, id := range entityIDs {
		var other *Zone
		if z.known != nil {
			other, _ = z.known.Zone(id)
		}
		if other == z {
			continue
		}
		if other == nil || other.sw.Host() != z.sw.Host() {
			z.logger.Warn("could not find zone to join, not syncing", "entity_id", z.EntityID(), "member", id)
			continue
		}
		if err := other.SelectSource(ctx, source); err != nil {
			return fmt.Errorf("joining %s: %w", id, err)
		}
	}
	return nil
}

// UnjoinPlayer unlinks this zone and clears its current source.
func (z *Zone) UnjoinPlayer(ctx context.Context) error {
	return z.clearSource(ctx)
}

// EntityID returns "media_player.{key}" or the id assigned by the registry.
func (z *Zone) EntityID() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.entityID
}

func (z *Zone) setEntityID(id string) {
	z.mu.Lock()
	z.entityID = id
	z.mu.Unlock()
}

// UniqueID returns "{serial}_{output number}".
func (z *Zone) UniqueID() string {
	return fmt.Sprintf("%s_%d", z.serial, z.number)
}

func (z *Zone) Key() string    { return z.key }
func (z *Zone) Name() string   { return z.name }
func (z *Zone) Number() int    { return z.number }
func (z *Zone) Serial() string { return z.serial }
func (z *Zone) Host() string   { return z.sw.Host() }

// State returns the power state.
func (z *Zone) State() PowerState {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.state
}

// Source returns the current source name, or "" when none is cached.
func (z *Zone) Source() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.sourceLocked()
}

func (z *Zone) sourceLocked() string {
	if z.current == nil {
		return ""
	}
	if name, ok := z.sourceName[*z.current]; ok {
		return name
	}
	return ""
}

// SourceList returns the enabled source names ordered by source id.
func (z *Zone) SourceList() []string {
	out := make([]string, len(z.sourceList))
	copy(out, z.sourceList)
	return out
}

// SourceID resolves a display name to its source id.
func (z *Zone) SourceID(name string) (int, bool) {
	id, ok := z.sourceID[name]
	return id, ok
}

// VolumeLevel returns the synced volume as (raw+38)/38.
func (z *Zone) VolumeLevel() float64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.volume
}

// IsVolumeMuted returns the synced mute flag.
func (z *Zone) IsVolumeMuted() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.mute
}

// SoundMode returns "stereo" or "mono", followed by ",passthru" when set.
func (z *Zone) SoundMode() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.soundModeLocked()
}

func (z *Zone) soundModeLocked() string {
	mode := ModeMono
	if z.stereo {
		mode = ModeStereo
	}
	if z.passthru {
		mode += "," + ModePassthru
	}
	return mode
}

// Icon reflects power and mute.
func (z *Zone) Icon() string {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.iconLocked()
}

func (z *Zone) iconLocked() string {
	if z.state == StateOff || z.mute {
		return IconOff
	}
	return IconOn
}

// Attributes are the extra state attributes of a zone.
type Attributes struct {
	Passthru   bool `json:"passthru"`
	Stereo     bool `json:"stereo"`
	DelayLeft  int  `json:"delay_left"`
	DelayRight int  `json:"delay_right"`
}

// ExtraAttributes returns the synced attributes, or nil before the first sync.
func (z *Zone) ExtraAttributes() *Attributes {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.attributesLocked()
}

func (z *Zone) attributesLocked() *Attributes {
	if !z.synced {
		return nil
	}
	return &Attributes{
		Passthru:   z.passthru,
		Stereo:     z.stereo,
		DelayLeft:  z.delayLeft,
		DelayRight: z.delayRight,
	}
}

// DeviceInfo describes the logical device of this zone.
func (z *Zone) DeviceInfo(configEntryID string) registry.DeviceInfo {
	attrs := z.sw.Attributes()
	return registry.DeviceInfo{
		ConfigEntryID: configEntryID,
		Identifiers:   []registry.Identifier{{Domain: entry.Domain, ID: z.UniqueID()}},
		Manufacturer:  Manufacturer,
		Model:         z.sw.Model(),
		Name:          z.name,
		SWVersion:     attrs.Firmware(),
		HWVersion:     attrs.Hardware(),
		ViaDevice:     &registry.Identifier{Domain: entry.Domain, ID: z.serial},
	}
}

// State is an immutable snapshot of a zone.
type State struct {
	EntityID          string      `json:"entity_id"`
	UniqueID          string      `json:"unique_id"`
	Name              string      `json:"name"`
	Number            int         `json:"number"`
	Serial            string      `json:"serial"`
	State             PowerState  `json:"state"`
	Source            string      `json:"source,omitempty"`
	SourceList        []string    `json:"source_list"`
	VolumeLevel       float64     `json:"volume_level"`
	Muted             bool        `json:"is_volume_muted"`
	SoundMode         string      `json:"sound_mode"`
	SoundModeList     []string    `json:"sound_mode_list"`
	Attributes        *Attributes `json:"attributes,omitempty"`
	Icon              string      `json:"icon"`
	DeviceClass       string      `json:"device_class"`
	SupportedFeatures int         `json:"supported_features"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Snapshot returns the current state.
func (z *Zone) Snapshot() State {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.snapshotLocked()
}

func (z *Zone) snapshotLocked() State {
	modes := make([]string, len(SoundModeList))
	copy(modes, SoundModeList)
	return State{
		EntityID:          z.entityID,
		UniqueID:          z.UniqueID(),
		Name:              z.name,
		Number:            z.number,
		Serial:            z.serial,
		State:             z.state,
		Source:            z.sourceLocked(),
		SourceList:        z.SourceList(),
		VolumeLevel:       z.volume,
		Muted:             z.mute,
		SoundMode:         z.soundModeLocked(),
		SoundModeList:     modes,
		Attributes:        z.attributesLocked(),
		Icon:              z.iconLocked(),
		DeviceClass:       DeviceClass,
		SupportedFeatures: SupportedFeatures,
		UpdatedAt:         z.updatedAt,
	}
}

func (z *Zone) notify() {
	z.mu.Lock()
	fn := z.onChange
	snap := z.snapshotLocked()
	z.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
