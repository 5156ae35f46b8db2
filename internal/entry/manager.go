package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/savantaudio/internal/registry"
)

// Platform is an integration platform that entries are forwarded to.
type Platform interface {
	// Name identifies the platform in logs, for example "media_player".
	Name() string

	// SetupEntry creates the platform's entities for entry.
	SetupEntry(ctx context.Context, entry *ConfigEntry, cfg Config) error

	// UnloadEntry tears the entities down. It returns false when the
	// platform could not release the entry.
	UnloadEntry(ctx context.Context, entry *ConfigEntry) (bool, error)
}

// UpdateListener is called after an entry's data or options change.
type UpdateListener func(ctx context.Context, entry *ConfigEntry)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Store persists entries. Required.
	Store Store

	// Platforms receive setup and unload calls in order.
	Platforms []Platform

	// Entities and Devices are cleaned up when an entry is removed. Optional.
	Entities *registry.EntityRegistry
	Devices  *registry.DeviceRegistry

	Logger Logger
}

type runtimeEntry struct {
	state     State
	reason    string
	config    *Config
	listeners []UpdateListener
	reloadOn  bool
}

// Manager owns the lifecycle of config entries.
//
// Setup, Unload, Reload and Remove are serialised by one mutex. Runtime
// state (lifecycle state, merged config, update listeners) lives in memory;
// entries themselves are persisted through the Store on every change.
//
// A failed Unload leaves the entry in StateFailedUnload with its runtime
// config intact, so it can be retried.
//
// All public methods are thread-safe.
type Manager struct {
	store     Store
	platforms []Platform
	entities  *registry.EntityRegistry
	devices   *registry.DeviceRegistry
	logger    Logger

	opMu sync.Mutex // serialises Setup/Unload/Remove

	mu      sync.RWMutex
	runtime map[string]*runtimeEntry
}

// NewManager creates an entry manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("entry: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		store:     opts.Store,
		platforms: opts.Platforms,
		entities:  opts.Entities,
		devices:   opts.Devices,
		logger:    logger,
		runtime:   make(map[string]*runtimeEntry),
	}, nil
}

// Get retrieves an entry with its runtime state.
func (m *Manager) Get(ctx context.Context, id string) (*ConfigEntry, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.decorate(e)
	return e, nil
}

// List retrieves all entries with their runtime state.
func (m *Manager) List(ctx context.Context) ([]ConfigEntry, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		m.decorate(&entries[i])
	}
	return entries, nil
}

// FindByUniqueID retrieves the entry with uniqueID in this domain.
func (m *Manager) FindByUniqueID(ctx context.Context, uniqueID string) (*ConfigEntry, error) {
	e, err := m.store.FindByUniqueID(ctx, Domain, uniqueID)
	if err != nil {
		return nil, err
	}
	m.decorate(e)
	return e, nil
}

// FindByHost retrieves the first entry whose configured host is host.
func (m *Manager) FindByHost(ctx context.Context, host string) (*ConfigEntry, error) {
	entries, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Config().Host == host {
			return &entries[i], nil
		}
	}
	return nil, ErrEntryNotFound
}

// Config returns the merged runtime configuration of a loaded entry.
func (m *Manager) Config(id string) (Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtime[id]
	if !ok || rt.config == nil {
		return Config{}, false
	}
	return *rt.config, true
}

// State returns the runtime state of an entry.
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.runtime[id]; ok {
		return rt.state
	}
	return StateNotLoaded
}

// Add persists a new entry and sets it up. A setup failure leaves the
// entry stored in StateSetupError and is not returned as an error.
func (m *Manager) Add(ctx context.Context, e *ConfigEntry) (*ConfigEntry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Domain == "" {
		e.Domain = Domain
	}
	if e.Title == "" {
		e.Title = EntryTitle
	}
	if e.Source == "" {
		e.Source = OriginUser
	}
	if err := m.store.Create(ctx, e); err != nil {
		return nil, err
	}
	m.logger.Info("config entry added", "entry_id", e.ID, "title", e.Title, "source", e.Source)

	if err := m.Setup(ctx, e.ID); err != nil {
		m.logger.Warn("config entry added but not set up", "entry_id", e.ID, "error", err)
	}
	return m.Get(ctx, e.ID)
}

// Setup merges data and options, validates the result and forwards it to
// every platform. On failure the entry is left in StateSetupError.
func (m *Manager) Setup(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.setup(ctx, id)
}

func (m *Manager) setup(ctx context.Context, id string) error {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch m.State(id) {
	case StateNotLoaded, StateSetupError:
	default:
		return fmt.Errorf("%w: setup of %s in state %s", ErrInvalidState, id, m.State(id))
	}

	cfg := e.Config()
	if err := cfg.Validate(); err != nil {
		m.setState(id, StateSetupError, err.Error())
		m.logger.Error("config entry invalid", "entry_id", id, "error", err)
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	m.mu.Lock()
	rt := m.runtimeLocked(id)
	rt.state = StateSetupInProgress
	rt.reason = ""
	rt.config = &cfg
	if !rt.reloadOn {
		rt.listeners = append(rt.listeners, m.reloadListener)
		rt.reloadOn = true
	}
	m.mu.Unlock()

	for i, p := range m.platforms {
		if err := safeSetup(ctx, p, e, cfg); err != nil {
			m.rollbackSetup(ctx, e, m.platforms[:i])
			m.setState(id, StateSetupError, err.Error())
			m.logger.Error("platform setup failed",
				"entry_id", id, "platform", p.Name(), "host", cfg.Host, "port", cfg.Port, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrSetupFailed, p.Name(), err)
		}
	}

	m.setState(id, StateLoaded, "")
	m.logger.Info("config entry loaded", "entry_id", id, "host", cfg.Host, "port", cfg.Port)
	return nil
}

// Unload forwards unload to every platform. The runtime config is only
// dropped when all of them succeed; otherwise the entry is marked
// StateFailedUnload and nothing is cleaned up.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unload(ctx, id)
}

func (m *Manager) unload(ctx context.Context, id string) error {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch m.State(id) {
	case StateNotLoaded:
		return nil
	case StateSetupError:
		// Nothing was forwarded successfully; drop the runtime config only.
		m.dropConfig(id, StateNotLoaded)
		return nil
	case StateLoaded, StateFailedUnload:
	default:
		return fmt.Errorf("%w: unload of %s in state %s", ErrInvalidState, id, m.State(id))
	}

	m.setState(id, StateUnloadInProgress, "")

	ok := true
	var errs []error
	for _, p := range m.platforms {
		unloaded, err := safeUnload(ctx, p, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
		if err != nil || !unloaded {
			ok = false
		}
	}
	if !ok {
		err := errors.Join(errs...)
		reason := "platform refused unload"
		if err != nil {
			reason = err.Error()
		}
		m.setState(id, StateFailedUnload, reason)
		m.logger.Error("config entry unload failed", "entry_id", id, "reason", reason)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnloadFailed, err)
		}
		return ErrUnloadFailed
	}

	m.dropConfig(id, StateNotLoaded)
	m.logger.Info("config entry unloaded", "entry_id", id)
	return nil
}

// Reload unloads and sets up an entry.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.unload(ctx, id); err != nil {
		return err
	}
	return m.setup(ctx, id)
}

// Remove unloads an entry, deletes it and removes its entities and devices
// from the registries.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.unload(ctx, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.runtime, id)
	m.mu.Unlock()

	if err := m.purgeRegistries(ctx, id); err != nil {
		m.logger.Warn("registry cleanup failed", "entry_id", id, "error", err)
	}
	m.logger.Info("config entry removed", "entry_id", id)
	return nil
}

func (m *Manager) purgeRegistries(ctx context.Context, id string) error {
	if m.entities != nil {
		owned, err := m.entities.ListForConfigEntry(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range owned {
			if err := m.entities.Remove(ctx, e.EntityID); err != nil && !errors.Is(err, registry.ErrEntityNotFound) {
				return err
			}
		}
	}
	if m.devices != nil {
		owned, err := m.devices.ListForConfigEntry(ctx, id)
		if err != nil {
			return err
		}
		// Children first so via references never dangle.
		for i := len(owned) - 1; i >= 0; i-- {
			if owned[i].ViaDeviceID == "" {
				continue
			}
			if err := m.devices.Remove(ctx, owned[i].ID); err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
				return err
			}
		}
		for _, d := range owned {
			if d.ViaDeviceID != "" {
				continue
			}
			if err := m.devices.Remove(ctx, d.ID); err != nil && !errors.Is(err, registry.ErrDeviceNotFound) {
				return err
			}
		}
	}
	return nil
}

// UpdateOptions replaces an entry's options and notifies its update listeners.
func (m *Manager) UpdateOptions(ctx context.Context, id string, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	return m.update(ctx, id, func(e *ConfigEntry) {
		e.Options = opts.Clone()
	})
}

// DataPatch carries the connection fields to change. Nil fields are kept.
type DataPatch struct {
	Host *string
	Port *int
	Name *string
}

// UpdateData patches an entry's connection data and notifies its update listeners.
func (m *Manager) UpdateData(ctx context.Context, id string, patch DataPatch) error {
	return m.update(ctx, id, func(e *ConfigEntry) {
		if patch.Host != nil {
			e.Data.Host = *patch.Host
		}
		if patch.Port != nil {
			e.Data.Port = *patch.Port
		}
		if patch.Name != nil {
			e.Data.Name = *patch.Name
		}
	})
}

// AddUpdateListener registers fn for changes to entry id.
func (m *Manager) AddUpdateListener(id string, fn UpdateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimeLocked(id)
	rt.listeners = append(rt.listeners, fn)
}

func (m *Manager) update(ctx context.Context, id string, mutate func(*ConfigEntry)) error {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	before := e.DeepCopy()
	mutate(e)
	if unchanged(before, e) {
		return nil
	}
	if err := m.store.Update(ctx, e); err != nil {
		return err
	}
	m.logger.Info("config entry updated", "entry_id", id)

	m.mu.RLock()
	var listeners []UpdateListener
	if rt, ok := m.runtime[id]; ok {
		listeners = append(listeners, rt.listeners...)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, e.DeepCopy())
	}
	return nil
}

func (m *Manager) reloadListener(ctx context.Context, e *ConfigEntry) {
	if m.State(e.ID) == StateNotLoaded {
		return
	}
	if err := m.Reload(ctx, e.ID); err != nil {
		m.logger.Error("reload after update failed", "entry_id", e.ID, "error", err)
	}
}

// SetupAll sets up every stored entry that is not loaded yet. Failures are
// logged and skipped.
func (m *Manager) SetupAll(ctx context.Context) error {
	entries, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	for _, e := range entries {
		if st := m.State(e.ID); st != StateNotLoaded && st != StateSetupError {
			continue
		}
		if err := m.Setup(ctx, e.ID); err != nil {
			m.logger.Warn("entry setup skipped", "entry_id", e.ID, "error", err)
		}
	}
	return nil
}

// UnloadAll unloads every loaded entry and returns the joined failures.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.runtime))
	for id := range m.runtime {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) decorate(e *ConfigEntry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e.State = StateNotLoaded
	if rt, ok := m.runtime[e.ID]; ok {
		e.State = rt.state
		e.Reason = rt.reason
	}
}

func (m *Manager) runtimeLocked(id string) *runtimeEntry {
	rt, ok := m.runtime[id]
	if !ok {
		rt = &runtimeEntry{state: StateNotLoaded}
		m.runtime[id] = rt
	}
	return rt
}

func (m *Manager) setState(id string, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimeLocked(id)
	rt.state = state
	rt.reason = reason
}

func (m *Manager) dropConfig(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimeLocked(id)
	rt.config = nil
	rt.state = state
	rt.reason = ""
}

// rollbackSetup unloads the platforms that were set up before a later one
// failed, newest first.
func (m *Manager) rollbackSetup(ctx context.Context, e *ConfigEntry, done []Platform) {
	for i := len(done) - 1; i >= 0; i-- {
		p := done[i]
		ok, err := safeUnload(ctx, p, e)
		if err != nil || !ok {
			m.logger.Warn("platform rollback failed", "entry_id", e.ID, "platform", p.Name(), "error", err)
		}
	}
}

func safeSetup(ctx context.Context, p Platform, e *ConfigEntry, cfg Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in platform setup: %v", r)
		}
	}()
	return p.SetupEntry(ctx, e.DeepCopy(), cfg)
}

func safeUnload(ctx context.Context, p Platform, e *ConfigEntry) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic in platform unload: %v", r)
		}
	}()
	return p.UnloadEntry(ctx, e.DeepCopy())
}

func unchanged(a, b *ConfigEntry) bool {
	if a.Data != b.Data || a.Title != b.Title || a.UniqueID != b.UniqueID {
		return false
	}
	ao, bo := a.Options, b.Options
	if ao.Host != bo.Host || ao.Port != bo.Port || ao.Name != bo.Name {
		return false
	}
	if len(ao.Sources) != len(bo.Sources) || len(ao.Zones) != len(bo.Zones) {
		return false
	}
	for id, s := range ao.Sources {
		if bo.Sources[id] != s {
			return false
		}
	}
	for key, z := range ao.Zones {
		other, ok := bo.Zones[key]
		if !ok || other.Number != z.Number || other.Name != z.Name || other.Enabled != z.Enabled {
			return false
		}
		if (z.Default == nil) != (other.Default == nil) || (z.Default != nil && *z.Default != *other.Default) {
			return false
		}
	}
	return true
}
