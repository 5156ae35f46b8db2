package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DeviceRegistry provides device registration with caching and thread safety.
// It wraps a DeviceRepository and keeps every device in memory once
// RefreshCache has run.
//
// Writes go to the repository first and only then update the cache, so a
// failed write leaves the cache unchanged.
//
// All public methods are thread-safe.
type DeviceRegistry struct {
	repo    DeviceRepository
	cache   map[string]*Device // by device id
	loaded  bool
	cacheMu sync.RWMutex
	logger  Logger
}

// NewDeviceRegistry creates a device registry backed by repo.
func NewDeviceRegistry(repo DeviceRepository) *DeviceRegistry {
	return &DeviceRegistry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *DeviceRegistry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository.
func (r *DeviceRegistry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		r.cache[devices[i].ID] = devices[i].DeepCopy()
	}
	r.loaded = true

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetOrCreate returns the device that carries any of info.Identifiers,
// updated from info, or registers a new one.
func (r *DeviceRegistry) GetOrCreate(ctx context.Context, info DeviceInfo) (*Device, error) {
	var viaID string
	if info.ViaDevice != nil {
		via, err := r.GetByIdentifier(ctx, *info.ViaDevice)
		if err != nil {
			return nil, fmt.Errorf("resolving via device %s: %w", *info.ViaDevice, err)
		}
		viaID = via.ID
	}

	var existing *Device
	for _, ident := range info.Identifiers {
		d, err := r.repo.GetByIdentifier(ctx, ident)
		if err == nil {
			existing = d
			break
		}
		if !errors.Is(err, ErrDeviceNotFound) {
			return nil, err
		}
	}

	if existing == nil {
		d := &Device{
			ID:            GenerateID(),
			ConfigEntryID: info.ConfigEntryID,
			Identifiers:   info.Identifiers,
			Manufacturer:  info.Manufacturer,
			Model:         info.Model,
			Name:          info.Name,
			SWVersion:     info.SWVersion,
			HWVersion:     info.HWVersion,
			ViaDeviceID:   viaID,
		}
		if err := ValidateDevice(d); err != nil {
			return nil, err
		}
		if err := r.repo.Create(ctx, d); err != nil {
			return nil, err
		}
		r.store(d)
		r.logger.Info("device registered", "id", d.ID, "name", d.Name)
		return d.DeepCopy(), nil
	}

	for _, ident := range info.Identifiers {
		if !existing.HasIdentifier(ident) {
			existing.Identifiers = append(existing.Identifiers, ident)
		}
	}
	existing.ConfigEntryID = info.ConfigEntryID
	existing.Manufacturer = info.Manufacturer
	existing.Model = info.Model
	existing.Name = info.Name
	existing.SWVersion = info.SWVersion
	existing.HWVersion = info.HWVersion
	existing.ViaDeviceID = viaID
	if err := ValidateDevice(existing); err != nil {
		return nil, err
	}
	if err := r.repo.Update(ctx, existing); err != nil {
		return nil, err
	}
	r.store(existing)
	return existing.DeepCopy(), nil
}

// Get retrieves a device by id.
func (r *DeviceRegistry) Get(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// GetByIdentifier retrieves the device carrying ident.
// Returns ErrDeviceNotFound if none does.
func (r *DeviceRegistry) GetByIdentifier(ctx context.Context, ident Identifier) (*Device, error) {
	r.cacheMu.RLock()
	for _, d := range r.cache {
		if d.HasIdentifier(ident) {
			cpy := d.DeepCopy()
			r.cacheMu.RUnlock()
			return cpy, nil
		}
	}
	r.cacheMu.RUnlock()

	d, err := r.repo.GetByIdentifier(ctx, ident)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// List retrieves all devices ordered by name.
func (r *DeviceRegistry) List(ctx context.Context) ([]Device, error) {
	return r.filter(ctx, func(*Device) bool { return true })
}

// ListForConfigEntry retrieves the devices owned by a config entry.
func (r *DeviceRegistry) ListForConfigEntry(ctx context.Context, configEntryID string) ([]Device, error) {
	return r.filter(ctx, func(d *Device) bool { return d.ConfigEntryID == configEntryID })
}

// Remove deletes a device. Returns ErrDeviceNotFound if it is not registered.
func (r *DeviceRegistry) Remove(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device removed", "id", id)
	return nil
}

// RemoveIfOrphaned deletes the device when no entity is attached to it and
// no other device names it as ViaDeviceID. It reports whether the device
// was removed.
func (r *DeviceRegistry) RemoveIfOrphaned(ctx context.Context, id string, entities *EntityRegistry) (bool, error) {
	attached, err := entities.ListForDevice(ctx, id)
	if err != nil {
		return false, err
	}
	if len(attached) > 0 {
		return false, nil
	}
	children, err := r.filter(ctx, func(d *Device) bool { return d.ViaDeviceID == id })
	if err != nil {
		return false, err
	}
	if len(children) > 0 {
		return false, nil
	}
	if err := r.Remove(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

func (r *DeviceRegistry) filter(ctx context.Context, keep func(*Device) bool) ([]Device, error) {
	r.cacheMu.RLock()
	loaded := r.loaded
	var out []Device
	if loaded {
		for _, d := range r.cache {
			if keep(d) {
				out = append(out, *d.DeepCopy())
			}
		}
	}
	r.cacheMu.RUnlock()

	if !loaded {
		all, err := r.repo.List(ctx)
		if err != nil {
			return nil, err
		}
		for i := range all {
			if keep(&all[i]) {
				out = append(out, all[i])
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *DeviceRegistry) store(d *Device) {
	r.cacheMu.Lock()
	r.cache[d.ID] = d.DeepCopy()
	r.cacheMu.Unlock()
}
