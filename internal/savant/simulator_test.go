package savant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_Connect(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.AddSwitch("10.0.0.5", 8085, SwitchSpec{Serial: "SN123"})

	sw, err := sim.Connect(ctx, "10.0.0.5", 8085)
	require.NoError(t, err)
	assert.Equal(t, "SN123", sw.Attributes().SerialNumber())
	assert.Equal(t, "SSA-3220", sw.Model())
	assert.Len(t, sw.Outputs(), MaxOutputs)

	_, err = sim.Connect(ctx, "10.0.0.6", 8085)
	assert.ErrorIs(t, err, ErrConnect)

	sim.FailConnect("10.0.0.5", 8085, errors.New("timeout"))
	_, err = sim.Connect(ctx, "10.0.0.5", 8085)
	assert.ErrorIs(t, err, ErrConnect)

	sim.FailConnect("10.0.0.5", 8085, nil)
	_, err = sim.Connect(ctx, "10.0.0.5", 8085)
	assert.NoError(t, err)
}

func TestSimulator_AutoCreate(t *testing.T) {
	sim := NewSimulator(WithAutoCreate())

	sw, err := sim.Connect(context.Background(), "192.168.1.20", 8085)
	require.NoError(t, err)
	assert.Equal(t, "SIM-192168120", sw.Attributes().SerialNumber())

	again, err := sim.Connect(context.Background(), "192.168.1.20", 8085)
	require.NoError(t, err)
	assert.Same(t, sw, again)
}

func TestSimSwitch_LinkEvents(t *testing.T) {
	ctx := context.Background()
	sw := NewSimulator().AddSwitch("h", 1, SwitchSpec{Serial: "SN"})

	var events []Event
	unsubscribe := sw.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, sw.Link(ctx, 3, 7))
	link, err := sw.GetLink(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, 7, *link)

	require.NoError(t, sw.Unlink(ctx, 3))
	link, err = sw.GetLink(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, link)

	require.Len(t, events, 2)
	assert.Equal(t, EventLinkUpdated, events[0].Kind)
	assert.Equal(t, 3, events[0].Output)
	assert.Equal(t, 7, *events[0].Source)
	assert.Nil(t, events[1].Source)

	unsubscribe()
	assert.Equal(t, 0, sw.Subscribers())
	require.NoError(t, sw.Link(ctx, 3, 1))
	assert.Len(t, events, 2)

	assert.ErrorIs(t, sw.Link(ctx, 21, 1), ErrNoSuchOutput)
	assert.ErrorIs(t, sw.Link(ctx, 1, 33), ErrNoSuchSource)
}

func TestSimOutput_Setters(t *testing.T) {
	ctx := context.Background()
	sw := NewSimulator().AddSwitch("h", 1, SwitchSpec{Serial: "SN"})
	out, err := sw.Output(2)
	require.NoError(t, err)

	var updates int
	sw.Subscribe(func(ev Event) {
		if ev.Kind == EventOutputUpdated && ev.Output == 2 {
			updates++
		}
	})

	require.NoError(t, out.SetVolume(ctx, 5))
	assert.Equal(t, VolumeMax, out.Volume(), "clamped to 0")
	require.NoError(t, out.SetVolume(ctx, -50))
	assert.Equal(t, VolumeMin, out.Volume(), "clamped to -38")

	require.NoError(t, out.SetMute(ctx, true))
	require.NoError(t, out.SetStereo(ctx, false))
	require.NoError(t, out.SetPassthru(ctx, true))
	assert.True(t, out.Mute())
	assert.False(t, out.Stereo())
	assert.True(t, out.Passthru())
	assert.Equal(t, 5, updates)

	calls := sw.CallsFor(OpSetVolume)
	require.Len(t, calls, 2)
	assert.Equal(t, Call{Op: OpSetVolume, Output: 2, Value: VolumeMin}, calls[1])
}

func TestSimSwitch_Closed(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	sim.AddSwitch("h", 1, SwitchSpec{Serial: "SN"})

	sw, err := sim.Connect(ctx, "h", 1)
	require.NoError(t, err)
	require.NoError(t, sw.Close())
	assert.ErrorIs(t, sw.Link(ctx, 1, 1), ErrClosed)

	_, err = sim.Connect(ctx, "h", 1)
	require.NoError(t, err)
	assert.NoError(t, sw.Link(ctx, 1, 1))
}

func TestSimSwitch_CloseIsPerConnection(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator()
	raw := sim.AddSwitch("h", 1, SwitchSpec{Serial: "SN"})

	first, err := sim.Connect(ctx, "h", 1)
	require.NoError(t, err)
	second, err := sim.Connect(ctx, "h", 1)
	require.NoError(t, err)

	require.NoError(t, second.Close())
	assert.False(t, raw.Closed())
	assert.NoError(t, first.Link(ctx, 1, 1))

	require.NoError(t, first.Close())
	assert.True(t, raw.Closed())
}
