package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// maxEntityIDSuffix bounds the search for a free "_N" suffix.
const maxEntityIDSuffix = 1000

// EntityRegistry provides entity registration with caching and thread safety.
// It wraps an EntityRepository and keeps every entity in memory once
// RefreshCache has run.
type EntityRegistry struct {
	repo    EntityRepository
	cache   map[string]*Entity // by entity id
	loaded  bool
	cacheMu sync.RWMutex
	logger  Logger
}

// NewEntityRegistry creates an entity registry backed by repo.
func NewEntityRegistry(repo EntityRepository) *EntityRegistry {
	return &EntityRegistry{
		repo:   repo,
		cache:  make(map[string]*Entity),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *EntityRegistry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all entities from the repository.
func (r *EntityRegistry) RefreshCache(ctx context.Context) error {
	entities, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Entity, len(entities))
	for i := range entities {
		r.cache[entities[i].EntityID] = entities[i].DeepCopy()
	}
	r.loaded = true

	r.logger.Info("entity cache refreshed", "count", len(entities))
	return nil
}

// GetOrCreate returns the entity registered for (platform, uniqueID), updating
// its config entry, device and name from opts when they changed. A new entity
// gets the id "{domain}.{slug(opts.SuggestedKey)}", suffixed "_2", "_3", ...
// when that id is already taken.
func (r *EntityRegistry) GetOrCreate(ctx context.Context, domain, platform, uniqueID string, opts EntityOptions) (*Entity, error) {
	existing, err := r.repo.GetByUniqueID(ctx, platform, uniqueID)
	switch {
	case err == nil:
		return r.refresh(ctx, existing, opts)
	case !errors.Is(err, ErrEntityNotFound):
		return nil, err
	}

	key := opts.SuggestedKey
	if key == "" {
		key = uniqueID
	}
	base := GenerateEntityID(domain, key)

	e := &Entity{
		UniqueID:      uniqueID,
		Platform:      platform,
		ConfigEntryID: opts.ConfigEntryID,
		DeviceID:      opts.DeviceID,
		OriginalName:  opts.OriginalName,
	}

	for n := 1; n <= maxEntityIDSuffix; n++ {
		e.EntityID = base
		if n > 1 {
			e.EntityID = fmt.Sprintf("%s_%d", base, n)
		}
		if err := ValidateEntity(e); err != nil {
			return nil, err
		}
		err := r.repo.Create(ctx, e)
		if err == nil {
			r.store(e)
			r.logger.Info("entity registered", "entity_id", e.EntityID, "unique_id", uniqueID)
			return e.DeepCopy(), nil
		}
		if !errors.Is(err, ErrEntityExists) {
			return nil, err
		}
		// A concurrent registration of the same unique id wins.
		if winner, getErr := r.repo.GetByUniqueID(ctx, platform, uniqueID); getErr == nil {
			return r.refresh(ctx, winner, opts)
		}
	}
	return nil, fmt.Errorf("%w: no free entity id for %s", ErrEntityExists, base)
}

func (r *EntityRegistry) refresh(ctx context.Context, e *Entity, opts EntityOptions) (*Entity, error) {
	changed := false
	if opts.ConfigEntryID != "" && opts.ConfigEntryID != e.ConfigEntryID {
		e.ConfigEntryID = opts.ConfigEntryID
		changed = true
	}
	if opts.DeviceID != "" && opts.DeviceID != e.DeviceID {
		e.DeviceID = opts.DeviceID
		changed = true
	}
	if opts.OriginalName != "" && opts.OriginalName != e.OriginalName {
		e.OriginalName = opts.OriginalName
		changed = true
	}
	if changed {
		if err := r.repo.Update(ctx, e); err != nil {
			return nil, err
		}
	}
	r.store(e)
	return e.DeepCopy(), nil
}

// Get retrieves an entity by entity id.
// Returns ErrEntityNotFound if it is not registered.
func (r *EntityRegistry) Get(ctx context.Context, entityID string) (*Entity, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[entityID]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	e, err := r.repo.GetByID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	r.store(e)
	return e, nil
}

// List retrieves all entities ordered by entity id.
func (r *EntityRegistry) List(ctx context.Context) ([]Entity, error) {
	return r.filter(ctx, func(*Entity) bool { return true })
}

// ListForConfigEntry retrieves the entities owned by a config entry.
func (r *EntityRegistry) ListForConfigEntry(ctx context.Context, configEntryID string) ([]Entity, error) {
	return r.filter(ctx, func(e *Entity) bool { return e.ConfigEntryID == configEntryID })
}

// ListForDevice retrieves the entities attached to a device.
func (r *EntityRegistry) ListForDevice(ctx context.Context, deviceID string) ([]Entity, error) {
	return r.filter(ctx, func(e *Entity) bool { return e.DeviceID == deviceID })
}

// Remove deletes an entity. Returns ErrEntityNotFound if it is not registered.
func (r *EntityRegistry) Remove(ctx context.Context, entityID string) error {
	if err := r.repo.Delete(ctx, entityID); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, entityID)
	r.cacheMu.Unlock()

	r.logger.Info("entity removed", "entity_id", entityID)
	return nil
}

func (r *EntityRegistry) filter(ctx context.Context, keep func(*Entity) bool) ([]Entity, error) {
	r.cacheMu.RLock()
	loaded := r.loaded
	var out []Entity
	if loaded {
		for _, e := range r.cache {
			if keep(e) {
				out = append(out, *e.DeepCopy())
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

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (r *EntityRegistry) store(e *Entity) {
	r.cacheMu.Lock()
	r.cache[e.EntityID] = e.DeepCopy()
	r.cacheMu.Unlock()
}
