package configflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/savant"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultFlowTTL        = 30 * time.Minute
)

// Entries is the part of the entry manager the flows use.
type Entries interface {
	Get(ctx context.Context, id string) (*entry.ConfigEntry, error)
	Add(ctx context.Context, e *entry.ConfigEntry) (*entry.ConfigEntry, error)
	FindByUniqueID(ctx context.Context, uniqueID string) (*entry.ConfigEntry, error)
	FindByHost(ctx context.Context, host string) (*entry.ConfigEntry, error)
	UpdateData(ctx context.Context, id string, patch entry.DataPatch) error
	UpdateOptions(ctx context.Context, id string, opts entry.Options) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Connector savant.Connector
	Entries   Entries
	Entities  EntityRegistry

	// ConnectTimeout bounds the connectivity check. Zero means 10s.
	ConnectTimeout time.Duration

	// TTL is how long an untouched flow is kept. Zero means 30 minutes.
	TTL time.Duration

	Logger Logger
}

// flow is one in-progress config or options flow. mu is held while a step
// runs. step and touchedAt are also read by InProgress, so they are only
// written with Manager.mu held.
type flow struct {
	mu sync.Mutex

	id        string
	source    entry.Origin
	step      string
	host      string
	entryID   string // options flows only
	wizard    *Wizard
	startedAt time.Time
	touchedAt time.Time
}

func (f *flow) options() bool { return f.wizard != nil }

func (f *flow) handler() string {
	if f.options() {
		return f.entryID
	}
	return entry.Domain
}

// Manager runs config and options flows.
//
// Flows live in memory only and expire after the configured TTL without a
// step. One step of a flow runs at a time; a second concurrent submit gets
// ErrFlowBusy rather than waiting behind a device probe.
//
// All public methods are thread-safe.
type Manager struct {
	connector      savant.Connector
	entries        Entries
	entities       EntityRegistry
	connectTimeout time.Duration
	ttl            time.Duration
	logger         Logger
	now            func() time.Time

	// mu guards flows and the step bookkeeping of each flow.
	mu    sync.Mutex
	flows map[string]*flow
}

// NewManager creates a flow manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Connector == nil {
		return nil, errors.New("configflow: connector is required")
	}
	if opts.Entries == nil || opts.Entities == nil {
		return nil, errors.New("configflow: entries and entity registry are required")
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultFlowTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		connector:      opts.Connector,
		entries:        opts.Entries,
		entities:       opts.Entities,
		connectTimeout: timeout,
		ttl:            ttl,
		logger:         logger,
		now:            time.Now,
		flows:          make(map[string]*flow),
	}, nil
}

// StartUser starts a config flow from the user and returns its form.
func (m *Manager) StartUser(_ context.Context) FlowResult {
	f := m.newFlow(entry.OriginUser, StepUser, "")
	m.insert(f, false)
	return m.userForm(f, nil)
}

// Configure submits input to the current step of a config flow.
func (m *Manager) Configure(ctx context.Context, flowID string, input Input) (FlowResult, error) {
	f, err := m.acquire(flowID, false)
	if err != nil {
		return FlowResult{}, err
	}
	defer f.mu.Unlock()

	if f.step != StepUser {
		return FlowResult{}, fmt.Errorf("%w: %s is at step %s", ErrFlowNotFound, flowID, f.step)
	}
	return m.stepUser(ctx, f, input)
}

// StartDiscovery runs a config flow for a switch found on the network.
func (m *Manager) StartDiscovery(ctx context.Context, info DiscoveryInfo) (FlowResult, error) {
	f := m.newFlow(entry.OriginDiscovery, StepDiscoveryConfirm, info.IP)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !m.insert(f, true) {
		return m.abort(f, ReasonAlreadyInProgress), nil
	}
	defer m.finish(f)

	if _, err := m.entries.FindByHost(ctx, info.IP); err == nil {
		return m.abort(f, ReasonAlreadyConfigured), nil
	} else if !errors.Is(err, entry.ErrEntryNotFound) {
		return FlowResult{}, err
	}

	port := info.Port
	if port == 0 {
		port = entry.DefaultPort
	}
	sn, ok := m.validate(ctx, info.IP, port)
	if !ok {
		return m.abort(f, ReasonCannotConnect), nil
	}

	host := info.IP
	if existing, err := m.entries.FindByUniqueID(ctx, sn); err == nil {
		if err := m.entries.UpdateData(ctx, existing.ID, entry.DataPatch{Host: &host}); err != nil {
			return FlowResult{}, err
		}
		return m.abort(f, ReasonAlreadyConfigured), nil
	} else if !errors.Is(err, entry.ErrEntryNotFound) {
		return FlowResult{}, err
	}

	m.logger.Info("switch discovered", "host", host, "hostname", info.Hostname, "serial", sn)
	return m.create(ctx, f, sn, entry.Data{Host: host, Port: port, Name: entry.DefaultName}, entry.Options{})
}

// StartImport creates an entry for a switch declared in the YAML
// configuration. opts may be nil.
func (m *Manager) StartImport(ctx context.Context, data entry.Data, opts *entry.Options) (FlowResult, error) {
	data = data.WithDefaults()
	f := m.newFlow(entry.OriginImport, StepImport, data.Host)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !m.insert(f, true) {
		return m.abort(f, ReasonAlreadyInProgress), nil
	}
	defer m.finish(f)

	if err := data.Validate(); err != nil {
		m.logger.Warn("import rejected", "host", data.Host, "error", err)
		return m.abort(f, ReasonInvalidConfig), nil
	}
	var options entry.Options
	if opts != nil {
		if err := opts.Validate(); err != nil {
			m.logger.Warn("import rejected", "host", data.Host, "error", err)
			return m.abort(f, ReasonInvalidConfig), nil
		}
		options = opts.Clone()
	}

	if _, err := m.entries.FindByHost(ctx, data.Host); err == nil {
		return m.abort(f, ReasonAlreadyConfigured), nil
	} else if !errors.Is(err, entry.ErrEntryNotFound) {
		return FlowResult{}, err
	}

	sn, ok := m.validate(ctx, data.Host, data.Port)
	if !ok {
		return m.abort(f, ReasonCannotConnect), nil
	}
	if _, err := m.entries.FindByUniqueID(ctx, sn); err == nil {
		return m.abort(f, ReasonAlreadyConfigured), nil
	} else if !errors.Is(err, entry.ErrEntryNotFound) {
		return FlowResult{}, err
	}

	return m.create(ctx, f, sn, data, options)
}

// StartOptions starts the options wizard for an entry.
func (m *Manager) StartOptions(ctx context.Context, entryID string) (FlowResult, error) {
	e, err := m.entries.Get(ctx, entryID)
	if err != nil {
		return FlowResult{}, err
	}
	f := m.newFlow(e.Source, StepSources, "")
	f.entryID = e.ID
	f.wizard = NewWizard(e)
	m.insert(f, false)
	return m.wizardForm(f, nil), nil
}

// ConfigureOptions submits input to the current step of an options flow.
// The last step commits the options, which reloads the entry.
func (m *Manager) ConfigureOptions(ctx context.Context, flowID string, input Input) (FlowResult, error) {
	f, err := m.acquire(flowID, true)
	if err != nil {
		return FlowResult{}, err
	}
	defer f.mu.Unlock()

	if errs := f.wizard.Submit(input); errs != nil {
		return m.wizardForm(f, errs), nil
	}
	m.setStep(f, f.wizard.Step())
	if !f.wizard.Done() {
		return m.wizardForm(f, nil), nil
	}

	defer m.finish(f)
	opts, removed, err := f.wizard.Finish(ctx, m.entities)
	if err != nil {
		return FlowResult{}, err
	}
	if len(removed) > 0 {
		m.logger.Info("zone entities removed", "entry_id", f.entryID, "entities", removed)
	}
	if err := m.entries.UpdateOptions(ctx, f.entryID, opts); err != nil {
		return FlowResult{}, err
	}
	return FlowResult{FlowID: f.id, Handler: f.entryID, Type: ResultCreateEntry, EntryID: f.entryID, Data: opts}, nil
}

// Abort drops an in-progress flow.
func (m *Manager) Abort(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[flowID]; !ok {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	delete(m.flows, flowID)
	return nil
}

// InProgress lists the flows that have not finished, oldest first.
func (m *Manager) InProgress() []FlowInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()

	out := make([]FlowInfo, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, FlowInfo{
			FlowID:    f.id,
			Handler:   f.handler(),
			StepID:    f.step,
			Source:    f.source,
			Host:      f.host,
			Options:   f.options(),
			StartedAt: f.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].FlowID < out[j].FlowID
	})
	return out
}

func (m *Manager) stepUser(ctx context.Context, f *flow, input Input) (FlowResult, error) {
	errs := make(map[string]string)
	host, ok, err := input.stringValue("host")
	if err != nil || !ok || host == "" {
		errs["host"] = ErrorRequired
	}
	port, ok, err := input.intValue("port")
	switch {
	case err != nil:
		errs["port"] = ErrorInvalidPort
	case !ok:
		port = entry.DefaultPort
	}
	name, _, err := input.stringValue("name")
	if err != nil {
		errs["name"] = ErrorInvalidValue
	}
	data := entry.Data{Host: host, Port: port, Name: name}.WithDefaults()
	if len(errs) == 0 {
		if err := data.Validate(); err != nil {
			errs["port"] = ErrorInvalidPort
		}
	}
	if len(errs) > 0 {
		return m.userForm(f, errs), nil
	}

	defer m.finish(f)
	sn, ok := m.validate(ctx, data.Host, data.Port)
	if !ok {
		return m.abort(f, ReasonCannotConnect), nil
	}

	if existing, err := m.entries.FindByUniqueID(ctx, sn); err == nil {
		if err := m.entries.UpdateData(ctx, existing.ID, entry.DataPatch{Host: &data.Host, Port: &data.Port}); err != nil {
			return FlowResult{}, err
		}
		return m.abort(f, ReasonAlreadyConfigured), nil
	} else if !errors.Is(err, entry.ErrEntryNotFound) {
		return FlowResult{}, err
	}
	return m.create(ctx, f, sn, data, entry.Options{})
}

// validate connects to the switch and returns its serial number.
func (m *Manager) validate(ctx context.Context, host string, port int) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	sw, err := m.connector.Connect(cctx, host, port)
	if err != nil {
		m.logger.Warn("switch validation failed", "host", host, "port", port, "error", err)
		return "", false
	}
	defer sw.Close() //nolint:errcheck // Validation connection only

	sn := sw.Attributes().SerialNumber()
	if sn == "" {
		m.logger.Warn("switch reported no serial number", "host", host, "port", port)
		return "", false
	}
	return sn, true
}

func (m *Manager) create(ctx context.Context, f *flow, sn string, data entry.Data, opts entry.Options) (FlowResult, error) {
	e, err := m.entries.Add(ctx, &entry.ConfigEntry{
		Title:    entry.EntryTitle,
		UniqueID: sn,
		Source:   f.source,
		Data:     data,
		Options:  opts,
	})
	if err != nil {
		if errors.Is(err, entry.ErrEntryExists) {
			return m.abort(f, ReasonAlreadyConfigured), nil
		}
		return FlowResult{}, err
	}
	m.logger.Info("config entry created", "entry_id", e.ID, "source", f.source, "serial", sn)
	return FlowResult{
		FlowID:  f.id,
		Handler: entry.Domain,
		Type:    ResultCreateEntry,
		StepID:  f.step,
		Title:   e.Title,
		EntryID: e.ID,
		Data:    e.Data,
	}, nil
}

func (m *Manager) userForm(f *flow, errs map[string]string) FlowResult {
	return FlowResult{
		FlowID:  f.id,
		Handler: entry.Domain,
		Type:    ResultForm,
		StepID:  StepUser,
		Schema: []Field{
			{Name: "host", Type: FieldString, Required: true},
			{Name: "port", Type: FieldInt, Default: entry.DefaultPort},
			{Name: "name", Type: FieldString, Default: entry.DefaultName},
		},
		Errors: errs,
	}
}

func (m *Manager) wizardForm(f *flow, errs map[string]string) FlowResult {
	return FlowResult{
		FlowID:  f.id,
		Handler: f.entryID,
		Type:    ResultForm,
		StepID:  f.wizard.Step(),
		Schema:  f.wizard.Form(),
		Errors:  errs,
	}
}

func (m *Manager) abort(f *flow, reason string) FlowResult {
	m.logger.Debug("flow aborted", "flow_id", f.id, "step", f.step, "reason", reason)
	return FlowResult{FlowID: f.id, Handler: f.handler(), Type: ResultAbort, StepID: f.step, Reason: reason}
}

func (m *Manager) newFlow(source entry.Origin, step, host string) *flow {
	now := m.now()
	return &flow{
		id:        uuid.New().String(),
		source:    source,
		step:      step,
		host:      host,
		startedAt: now,
		touchedAt: now,
	}
}

// insert publishes f. With hostGuard set it refuses when another flow
// already works on the same host.
func (m *Manager) insert(f *flow, hostGuard bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	if hostGuard && f.host != "" {
		for _, other := range m.flows {
			if other.host == f.host {
				return false
			}
		}
	}
	m.flows[f.id] = f
	return true
}

// acquire returns the flow locked for one step.
func (m *Manager) acquire(flowID string, options bool) (*flow, error) {
	m.mu.Lock()
	m.expireLocked()
	f, ok := m.flows[flowID]
	if ok {
		f.touchedAt = m.now()
	}
	m.mu.Unlock()

	if !ok || f.options() != options {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if !f.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrFlowBusy, flowID)
	}
	return f, nil
}

func (m *Manager) setStep(f *flow, step string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.step = step
}

func (m *Manager) finish(f *flow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flows, f.id)
}

func (m *Manager) expireLocked() {
	cutoff := m.now().Add(-m.ttl)
	for id, f := range m.flows {
		if f.touchedAt.Before(cutoff) {
			delete(m.flows, id)
		}
	}
}
