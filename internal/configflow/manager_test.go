package configflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/database"
	"github.com/nerrad567/savantaudio/internal/registry"
	"github.com/nerrad567/savantaudio/internal/savant"
	_ "github.com/nerrad567/savantaudio/migrations"
)

type flowFixture struct {
	flows    *Manager
	entries  *entry.Manager
	entities *registry.EntityRegistry
	sim      *savant.Simulator
}

func newFlowFixture(t *testing.T, connector savant.Connector) flowFixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMigrated(ctx, database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	entities := registry.NewEntityRegistry(registry.NewSQLiteEntityRepository(db.DB))
	devices := registry.NewDeviceRegistry(registry.NewSQLiteDeviceRepository(db.DB))
	entries, err := entry.NewManager(entry.ManagerOptions{
		Store:    entry.NewSQLiteStore(db.DB),
		Entities: entities,
		Devices:  devices,
	})
	require.NoError(t, err)

	sim := savant.NewSimulator()
	if connector == nil {
		connector = sim
	}
	flows, err := NewManager(ManagerOptions{
		Connector: connector,
		Entries:   entries,
		Entities:  entities,
	})
	require.NoError(t, err)

	return flowFixture{flows: flows, entries: entries, entities: entities, sim: sim}
}

func onlyEntry(t *testing.T, f flowFixture) entry.ConfigEntry {
	t.Helper()
	list, err := f.entries.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestNewManager_Requires(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)
	_, err = NewManager(ManagerOptions{Connector: savant.NewSimulator()})
	assert.Error(t, err)
}

func TestUserFlow_CreatesEntry(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})

	form := f.flows.StartUser(ctx)
	assert.Equal(t, ResultForm, form.Type)
	assert.Equal(t, StepUser, form.StepID)
	require.Len(t, form.Schema, 3)
	assert.Equal(t, "host", form.Schema[0].Name)
	assert.True(t, form.Schema[0].Required)
	assert.Equal(t, entry.DefaultPort, form.Schema[1].Default)
	assert.Equal(t, entry.DefaultName, form.Schema[2].Default)
	assert.Len(t, f.flows.InProgress(), 1)

	res, err := f.flows.Configure(ctx, form.FlowID, Input{"host": "10.0.0.5", "port": float64(8085)})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)
	assert.Equal(t, entry.EntryTitle, res.Title)
	assert.Equal(t, entry.Data{Host: "10.0.0.5", Port: 8085, Name: "Savant"}, res.Data)

	e := onlyEntry(t, f)
	assert.Equal(t, "SN1", e.UniqueID)
	assert.Equal(t, entry.OriginUser, e.Source)
	assert.Equal(t, res.EntryID, e.ID)
	assert.Empty(t, f.flows.InProgress(), "finished flows are dropped")

	_, err = f.flows.Configure(ctx, form.FlowID, Input{"host": "10.0.0.5"})
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestUserFlow_FormErrors(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)

	tests := []struct {
		name  string
		input Input
		field string
		code  string
	}{
		{"missing host", Input{"port": 8085}, "host", ErrorRequired},
		{"blank host", Input{"host": "  "}, "host", ErrorRequired},
		{"port not a number", Input{"host": "h", "port": "abc"}, "port", ErrorInvalidPort},
		{"port out of range", Input{"host": "h", "port": 70000}, "port", ErrorInvalidPort},
		{"name not a string", Input{"host": "h", "name": 5}, "name", ErrorInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := f.flows.StartUser(ctx)
			res, err := f.flows.Configure(ctx, form.FlowID, tt.input)
			require.NoError(t, err)
			assert.Equal(t, ResultForm, res.Type)
			assert.Equal(t, tt.code, res.Errors[tt.field])
			assert.NoError(t, f.flows.Abort(form.FlowID))
		})
	}
}

func TestUserFlow_CannotConnect(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)

	form := f.flows.StartUser(ctx)
	res, err := f.flows.Configure(ctx, form.FlowID, Input{"host": "10.0.0.99"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonCannotConnect, res.Reason)

	list, err := f.entries.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUserFlow_AlreadyConfiguredUpdatesAddress(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})
	f.sim.AddSwitch("10.0.0.9", 9000, savant.SwitchSpec{Serial: "SN1"})

	form := f.flows.StartUser(ctx)
	_, err := f.flows.Configure(ctx, form.FlowID, Input{"host": "10.0.0.5", "name": "Rack"})
	require.NoError(t, err)

	form = f.flows.StartUser(ctx)
	res, err := f.flows.Configure(ctx, form.FlowID, Input{"host": "10.0.0.9", "port": "9000"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)

	e := onlyEntry(t, f)
	assert.Equal(t, entry.Data{Host: "10.0.0.9", Port: 9000, Name: "Rack"}, e.Data)
}

func TestDiscoveryFlow(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})

	res, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5", Hostname: "ssa-3220"})
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)

	e := onlyEntry(t, f)
	assert.Equal(t, entry.OriginDiscovery, e.Source)
	assert.Equal(t, entry.Data{Host: "10.0.0.5", Port: 8085, Name: entry.DefaultName}, e.Data)

	res, err = f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason, "host already configured")
}

func TestDiscoveryFlow_NewAddressForKnownSerial(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})
	f.sim.AddSwitch("10.0.0.6", 8085, savant.SwitchSpec{Serial: "SN1"})

	_, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5"})
	require.NoError(t, err)

	res, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.6"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
	assert.Equal(t, "10.0.0.6", onlyEntry(t, f).Data.Host)
}

func TestDiscoveryFlow_CannotConnect(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})
	f.sim.FailConnect("10.0.0.5", 8085, errors.New("timeout"))

	res, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Type)
	assert.Equal(t, ReasonCannotConnect, res.Reason)
}

// gatedConnector blocks Connect until released.
type gatedConnector struct {
	inner   savant.Connector
	entered chan struct{}
	release chan struct{}
}

func (c *gatedConnector) Connect(ctx context.Context, host string, port int) (savant.Switch, error) {
	c.entered <- struct{}{}
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.inner.Connect(ctx, host, port)
}

func TestDiscoveryFlow_AlreadyInProgress(t *testing.T) {
	ctx := context.Background()
	sim := savant.NewSimulator()
	sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})
	gate := &gatedConnector{inner: sim, entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFlowFixture(t, gate)

	done := make(chan FlowResult, 1)
	go func() {
		res, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5"})
		assert.NoError(t, err)
		done <- res
	}()
	<-gate.entered

	inProgress := f.flows.InProgress()
	require.Len(t, inProgress, 1)
	assert.Equal(t, "10.0.0.5", inProgress[0].Host)
	assert.Equal(t, entry.OriginDiscovery, inProgress[0].Source)

	res, err := f.flows.StartDiscovery(ctx, DiscoveryInfo{IP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyInProgress, res.Reason)

	close(gate.release)
	first := <-done
	assert.Equal(t, ResultCreateEntry, first.Type)
}

func TestImportFlow(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)
	f.sim.AddSwitch("10.0.0.5", 8085, savant.SwitchSpec{Serial: "SN1"})

	opts := &entry.Options{
		Sources: map[int]entry.Source{1: {Name: "CD", Enabled: true}},
		Zones:   map[string]entry.Zone{"den": {Number: 1, Name: "Den", Enabled: true}},
	}
	res, err := f.flows.StartImport(ctx, entry.Data{Host: "10.0.0.5"}, opts)
	require.NoError(t, err)
	assert.Equal(t, ResultCreateEntry, res.Type)

	e := onlyEntry(t, f)
	assert.Equal(t, entry.OriginImport, e.Source)
	assert.Equal(t, "Savant", e.Data.Name)
	assert.Equal(t, "Den", e.Options.Zones["den"].Name)

	res, err = f.flows.StartImport(ctx, entry.Data{Host: "10.0.0.5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadyConfigured, res.Reason)
}

func TestImportFlow_Invalid(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)

	res, err := f.flows.StartImport(ctx, entry.Data{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidConfig, res.Reason)

	bad := &entry.Options{Zones: map[string]entry.Zone{"x": {Number: 42}}}
	res, err = f.flows.StartImport(ctx, entry.Data{Host: "10.0.0.5"}, bad)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidConfig, res.Reason)

	res, err = f.flows.StartImport(ctx, entry.Data{Host: "10.0.0.77"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonCannotConnect, res.Reason)
}

func TestFlows_AbortAndExpire(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)

	form := f.flows.StartUser(ctx)
	require.NoError(t, f.flows.Abort(form.FlowID))
	assert.ErrorIs(t, f.flows.Abort(form.FlowID), ErrFlowNotFound)

	now := time.Now()
	f.flows.now = func() time.Time { return now }
	form = f.flows.StartUser(ctx)
	now = now.Add(defaultFlowTTL + time.Second)

	_, err := f.flows.Configure(ctx, form.FlowID, Input{"host": "h"})
	assert.ErrorIs(t, err, ErrFlowNotFound)
	assert.Empty(t, f.flows.InProgress())
}

func TestFlows_KindsAreSeparate(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t, nil)

	form := f.flows.StartUser(ctx)
	_, err := f.flows.ConfigureOptions(ctx, form.FlowID, Input{})
	assert.ErrorIs(t, err, ErrFlowNotFound)

	_, err = f.flows.StartOptions(ctx, "missing")
	assert.ErrorIs(t, err, entry.ErrEntryNotFound)
}
