package mediaplayer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/registry"
	"github.com/nerrad567/savantaudio/internal/savant"
)

const (
	defaultConnectTimeout = 10 * time.Second
	updateTimeout         = 30 * time.Second
)

// EntityListener is told about zones appearing, changing and disappearing.
// Calls are made from setup, unload, poll and push goroutines and must not block.
type EntityListener interface {
	EntitiesAdded(zones []State)
	EntitiesRemoved(entityIDs []string)
	StateChanged(state State)
}

// PlatformOptions configures a Platform.
type PlatformOptions struct {
	Connector savant.Connector
	Entities  *registry.EntityRegistry
	Devices   *registry.DeviceRegistry
	Known     *Known

	// ScanInterval is the poll period. Zero means entry.DefaultScanInterval.
	ScanInterval time.Duration

	// ConnectTimeout bounds Connect. Zero means 10s.
	ConnectTimeout time.Duration

	Logger Logger
}

// loadedEntry is one connected switch. done is closed when its poll loop
// has returned.
type loadedEntry struct {
	serial string
	sw     savant.Switch
	zones  []*Zone
	cancel context.CancelFunc
	done   chan struct{}
}

// Platform sets up media player zones for config entries.
//
// Each loaded entry owns one switch connection and a poll goroutine that
// refreshes it every scan interval. Zones are registered in the entity and
// device registries on setup and survive an unload; only removing the
// entry deletes them.
//
// Listeners are called synchronously from setup, unload and zone push
// events, so they must not block.
//
// All public methods are thread-safe.
type Platform struct {
	connector      savant.Connector
	entities       *registry.EntityRegistry
	devices        *registry.DeviceRegistry
	known          *Known
	scanInterval   time.Duration
	connectTimeout time.Duration
	logger         Logger

	// mu guards loaded and listeners.
	mu        sync.Mutex
	loaded    map[string]*loadedEntry
	listeners []EntityListener
}

// NewPlatform creates a media player platform.
func NewPlatform(opts PlatformOptions) (*Platform, error) {
	if opts.Connector == nil {
		return nil, errors.New("mediaplayer: connector is required")
	}
	if opts.Entities == nil || opts.Devices == nil {
		return nil, errors.New("mediaplayer: entity and device registries are required")
	}
	known := opts.Known
	if known == nil {
		known = NewKnown()
	}
	scan := opts.ScanInterval
	if scan <= 0 {
		scan = entry.DefaultScanInterval
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Platform{
		connector:      opts.Connector,
		entities:       opts.Entities,
		devices:        opts.Devices,
		known:          known,
		scanInterval:   scan,
		connectTimeout: connect,
		logger:         logger,
		loaded:         make(map[string]*loadedEntry),
	}, nil
}

// Name implements entry.Platform.
func (p *Platform) Name() string { return EntityDomain }

// Known returns the zone and host registry the platform writes to.
func (p *Platform) Known() *Known { return p.known }

// AddListener registers l for entity notifications.
func (p *Platform) AddListener(l EntityListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Zone returns the live zone with entityID.
func (p *Platform) Zone(entityID string) (*Zone, error) {
	z, ok := p.known.Zone(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, entityID)
	}
	return z, nil
}

// Zones returns every live zone.
func (p *Platform) Zones() []*Zone {
	return p.known.Zones()
}

// LoadedSwitches returns the number of connected switches.
func (p *Platform) LoadedSwitches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loaded)
}

// SetupEntry implements entry.Platform.
func (p *Platform) SetupEntry(ctx context.Context, e *entry.ConfigEntry, cfg entry.Config) error {
	cctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	sw, err := p.connector.Connect(cctx, cfg.Host, cfg.Port)
	cancel()
	if err != nil {
		p.logger.Error(fmt.Sprintf("Unable to connect to Savant Audio Switch at %s:%d", cfg.Host, cfg.Port),
			"entry_id", e.ID, "error", err)
		return fmt.Errorf("%w: %s:%d: %w", ErrCannotConnect, cfg.Host, cfg.Port, err)
	}

	zones, err := p.build(ctx, e, cfg, sw)
	if err != nil {
		sw.Close() //nolint:errcheck // Best effort cleanup on error path
		return err
	}

	pollCtx, stop := context.WithCancel(context.Background())
	le := &loadedEntry{
		serial: sw.Attributes().SerialNumber(),
		sw:     sw,
		zones:  zones,
		cancel: stop,
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.loaded[e.ID] = le
	p.mu.Unlock()

	// Read every zone once so listeners see real state, then hand over to
	// the poll loop.
	for _, z := range zones {
		if err := z.Update(ctx); err != nil {
			p.logger.Warn("initial zone update failed", "entity_id", z.EntityID(), "error", err)
		}
	}

	go p.poll(pollCtx, le)

	states := make([]State, len(zones))
	for i, z := range zones {
		states[i] = z.Snapshot()
	}
	p.forEachListener(func(l EntityListener) { l.EntitiesAdded(states) })

	p.logger.Info("media player zones set up", "entry_id", e.ID, "serial", le.serial, "zones", len(zones))
	return nil
}

func (p *Platform) build(ctx context.Context, e *entry.ConfigEntry, cfg entry.Config, sw savant.Switch) ([]*Zone, error) {
	attrs := sw.Attributes()
	sn := attrs.SerialNumber()
	if sn == "" {
		return nil, fmt.Errorf("%w: switch at %s:%d reported no serial number", ErrCannotConnect, cfg.Host, cfg.Port)
	}

	// The switch itself is the parent device of its zones.
	switchIdent := registry.Identifier{Domain: entry.Domain, ID: sn}
	if _, err := p.devices.GetOrCreate(ctx, registry.DeviceInfo{
		ConfigEntryID: e.ID,
		Identifiers:   []registry.Identifier{switchIdent},
		Manufacturer:  Manufacturer,
		Model:         sw.Model(),
		Name:          cfg.Name,
		SWVersion:     attrs.Firmware(),
		HWVersion:     attrs.Hardware(),
	}); err != nil {
		return nil, fmt.Errorf("registering switch device: %w", err)
	}

	sources := cfg.EnabledSources()
	var zones []*Zone
	for _, kz := range cfg.EnabledZones() {
		out, err := sw.Output(kz.Number)
		if err != nil {
			p.logger.Warn("zone skipped", "entry_id", e.ID, "zone", kz.Number, "error", err)
			continue
		}
		z := NewZone(ZoneOptions{
			Switch:     sw,
			Output:     out,
			Key:        kz.Key,
			Sources:    sources,
			Name:       kz.Name,
			SwitchName: cfg.Name,
			Default:    kz.Default,
			Known:      p.known,
			Logger:     p.logger,
		})

		// Register device before entity so the entity can point at it.
		dev, err := p.devices.GetOrCreate(ctx, z.DeviceInfo(e.ID))
		if err != nil {
			p.closeZones(zones)
			return nil, fmt.Errorf("registering zone device %s: %w", z.UniqueID(), err)
		}
		ent, err := p.entities.GetOrCreate(ctx, EntityDomain, entry.Domain, z.UniqueID(), registry.EntityOptions{
			SuggestedKey:  kz.Key,
			ConfigEntryID: e.ID,
			DeviceID:      dev.ID,
			OriginalName:  z.Name(),
		})
		if err != nil {
			p.closeZones(zones)
			return nil, fmt.Errorf("registering zone entity %s: %w", z.UniqueID(), err)
		}
		// The registry may have suffixed the key; the zone uses what it got.
		z.setEntityID(ent.EntityID)
		z.OnChange(p.stateChanged)
		z.Start()
		zones = append(zones, z)
	}

	p.reconcile(ctx, e.ID, sn, zones)

	p.known.AddHost(sn)
	p.known.Add(zones...)
	return zones, nil
}

// reconcile removes registered entities of this switch that were not
// built, then their zone devices once orphaned. Stale known zones are
// dropped as well.
func (p *Platform) reconcile(ctx context.Context, entryID, sn string, built []*Zone) {
	entityIDs := make(map[string]bool, len(built))
	uniqueIDs := make(map[string]bool, len(built))
	for _, z := range built {
		entityIDs[z.EntityID()] = true
		uniqueIDs[z.UniqueID()] = true
	}

	registered, err := p.entities.ListForConfigEntry(ctx, entryID)
	if err != nil {
		p.logger.Warn("listing registered entities failed", "entry_id", entryID, "error", err)
	}
	var removed []string
	for _, ent := range registered {
		if ent.Platform != entry.Domain || !strings.HasPrefix(ent.UniqueID, sn+"_") || entityIDs[ent.EntityID] {
			continue
		}
		if err := p.entities.Remove(ctx, ent.EntityID); err != nil {
			p.logger.Warn("removing zone entity failed", "entity_id", ent.EntityID, "error", err)
			continue
		}
		removed = append(removed, ent.EntityID)
		p.logger.Debug("removed zone entity", "entity_id", ent.EntityID, "name", ent.OriginalName)
		p.removeZoneDevice(ctx, ent.UniqueID)
	}

	// Known still holds the zones of an earlier setup of this switch.
	for _, z := range p.known.ZonesForSerial(sn) {
		z.Close()
		p.known.Remove(z.EntityID())
		if !entityIDs[z.EntityID()] && !slices.Contains(removed, z.EntityID()) {
			removed = append(removed, z.EntityID())
		}
		if !uniqueIDs[z.UniqueID()] {
			p.removeZoneDevice(ctx, z.UniqueID())
		}
	}

	if len(removed) > 0 {
		p.forEachListener(func(l EntityListener) { l.EntitiesRemoved(removed) })
	}
}

func (p *Platform) removeZoneDevice(ctx context.Context, uniqueID string) {
	dev, err := p.devices.GetByIdentifier(ctx, registry.Identifier{Domain: entry.Domain, ID: uniqueID})
	if err != nil {
		return
	}
	removed, err := p.devices.RemoveIfOrphaned(ctx, dev.ID, p.entities)
	if err != nil {
		p.logger.Warn("removing zone device failed", "device_id", dev.ID, "error", err)
		return
	}
	if removed {
		p.logger.Debug("removed zone device", "device_id", dev.ID, "name", dev.Name)
	}
}

// UnloadEntry implements entry.Platform. Polling stops, zones are dropped
// from Known and the switch connection is closed.
//
// A context that ends before polling has stopped reports failure and leaves
// the entry loaded, so a later call performs the full teardown.
func (p *Platform) UnloadEntry(ctx context.Context, e *entry.ConfigEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	le, ok := p.loaded[e.ID]
	p.mu.Unlock()
	if !ok {
		return true, nil
	}

	le.cancel()
	select {
	case <-le.done:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	p.mu.Lock()
	if p.loaded[e.ID] != le {
		// A concurrent unload already tore this entry down.
		p.mu.Unlock()
		return true, nil
	}
	delete(p.loaded, e.ID)
	p.mu.Unlock()

	ids := make([]string, 0, len(le.zones))
	for _, z := range le.zones {
		z.Close()
		p.known.Remove(z.EntityID())
		ids = append(ids, z.EntityID())
	}
	// Zones of the same serial set up outside this entry are dropped too.
	for _, z := range p.known.ZonesForSerial(le.serial) {
		z.Close()
		p.known.Remove(z.EntityID())
	}
	p.known.RemoveHost(le.serial)

	if err := le.sw.Close(); err != nil {
		p.logger.Warn("closing switch failed", "entry_id", e.ID, "error", err)
	}

	p.forEachListener(func(l EntityListener) { l.EntitiesRemoved(ids) })
	p.logger.Info("media player zones unloaded", "entry_id", e.ID, "serial", le.serial)
	return true, nil
}

func (p *Platform) poll(ctx context.Context, le *loadedEntry) {
	defer close(le.done)

	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, z := range le.zones {
				uctx, cancel := context.WithTimeout(ctx, updateTimeout)
				err := z.Update(uctx)
				cancel()
				if err != nil && ctx.Err() == nil {
					p.logger.Warn("zone update failed", "entity_id", z.EntityID(), "error", err)
				}
			}
		}
	}
}

func (p *Platform) stateChanged(s State) {
	p.forEachListener(func(l EntityListener) { l.StateChanged(s) })
}

func (p *Platform) forEachListener(fn func(EntityListener)) {
	p.mu.Lock()
	listeners := make([]EntityListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (p *Platform) closeZones(zones []*Zone) {
	for _, z := range zones {
		z.Close()
	}
}
