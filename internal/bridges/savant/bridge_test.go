package savant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/savantaudio/internal/infrastructure/mqtt"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/savant"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeMQTT struct {
	mu         sync.Mutex
	connected  bool
	messages   []published
	subscribed map[string]mqtt.MessageHandler
	failTopic  string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{connected: true, subscribed: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failTopic {
		return mqtt.ErrPublishFailed
	}
	f.messages = append(f.messages, published{topic: topic, payload: payload, retained: retained})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = handler
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeMQTT) last(t *testing.T, topic string, v any) published {
	t.Helper()
	msgs := f.on(topic)
	require.NotEmpty(t, msgs, "nothing published on %s", topic)
	m := msgs[len(msgs)-1]
	if v != nil {
		require.NoError(t, json.Unmarshal(m.payload, v))
	}
	return m
}

// knownZones adapts mediaplayer.Known to ZoneProvider.
type knownZones struct {
	known    *mediaplayer.Known
	switches int
}

func (k knownZones) Zone(entityID string) (*mediaplayer.Zone, error) {
	z, ok := k.known.Zone(entityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mediaplayer.ErrZoneNotFound, entityID)
	}
	return z, nil
}

func (k knownZones) Zones() []*mediaplayer.Zone { return k.known.Zones() }
func (k knownZones) LoadedSwitches() int        { return k.switches }

type bridgeFixture struct {
	bridge *Bridge
	mqtt   *fakeMQTT
	sw     *savant.SimSwitch
	known  *mediaplayer.Known
}

func newBridgeFixture(t *testing.T) bridgeFixture {
	t.Helper()
	sw := savant.NewSimulator().AddSwitch("10.0.0.9", 8085, savant.SwitchSpec{Serial: "SN9", Outputs: 4})
	known := mediaplayer.NewKnown()
	for n, key := range map[int]string{1: "living_room", 2: "kitchen"} {
		out, err := sw.Output(n)
		require.NoError(t, err)
		def := 1
		z := mediaplayer.NewZone(mediaplayer.ZoneOptions{
			Switch:     sw,
			Output:     out,
			Key:        key,
			Sources:    map[int]string{1: "CD", 3: "Streamer"},
			SwitchName: "Rack",
			Default:    &def,
			Known:      known,
		})
		z.Start()
		t.Cleanup(z.Close)
		known.Add(z)
	}

	client := newFakeMQTT()
	b, err := NewBridge(BridgeOptions{
		MQTTClient:     client,
		Zones:          knownZones{known: known, switches: 1},
		Version:        "test",
		HealthInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(b.Stop)
	return bridgeFixture{bridge: b, mqtt: client, sw: sw, known: known}
}

func (f bridgeFixture) command(t *testing.T, key string, cmd CommandMessage) AckMessage {
	t.Helper()
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, f.bridge.HandleMessage(mqtt.Topics{}.Command(key), payload))

	var ack AckMessage
	f.mqtt.last(t, mqtt.Topics{}.Ack(key), &ack)
	return ack
}

func (f bridgeFixture) request(t *testing.T, req RequestMessage) map[string]any {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, f.bridge.HandleMessage(mqtt.Topics{}.Request(req.RequestID), payload))

	var resp map[string]any
	f.mqtt.last(t, mqtt.Topics{}.Response(req.RequestID), &resp)
	return resp
}

func TestNewBridge_Requires(t *testing.T) {
	_, err := NewBridge(BridgeOptions{})
	assert.Error(t, err)

	_, err = NewBridge(BridgeOptions{MQTTClient: newFakeMQTT()})
	assert.Error(t, err)
}

func TestBridge_StartPublishesZones(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.bridge.Start(context.Background()))

	topics := mqtt.Topics{}
	assert.Contains(t, f.mqtt.subscribed, topics.AllCommands())
	assert.Contains(t, f.mqtt.subscribed, topics.AllRequests())

	var disc DiscoveryMessage
	m := f.mqtt.last(t, topics.Discovery("living_room"), &disc)
	assert.True(t, m.retained)
	assert.Equal(t, "media_player.living_room", disc.EntityID)
	assert.Equal(t, "SN9_1", disc.UniqueID)
	assert.Equal(t, []string{"CD", "Streamer"}, disc.SourceList)
	assert.Equal(t, "savantaudio/command/living_room", disc.Topics.Command)
	assert.Contains(t, disc.Services, mediaplayer.ServiceSelectSource)

	var state StateMessage
	m = f.mqtt.last(t, topics.State("kitchen"), &state)
	assert.True(t, m.retained)
	assert.Equal(t, mediaplayer.StateOff, state.State.State)

	var health HealthMessage
	f.mqtt.last(t, topics.Health(), &health)
	assert.Equal(t, "savantaudio", health.Service)
	assert.Equal(t, "test", health.Version)
}

func TestBridge_CommandAccepted(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.command(t, "living_room", CommandMessage{ID: "c1", Command: mediaplayer.ServiceTurnOn})

	assert.Equal(t, AckAccepted, ack.Status)
	assert.Equal(t, "c1", ack.CommandID)
	assert.Equal(t, "media_player.living_room", ack.EntityID)
	assert.Nil(t, ack.Error)

	z, _ := f.known.Zone("media_player.living_room")
	assert.Equal(t, mediaplayer.StateOn, z.State())
	assert.Equal(t, "CD", z.Source())
	assert.Len(t, f.sw.CallsFor(savant.OpLink), 1)
}

func TestBridge_CommandParameters(t *testing.T) {
	f := newBridgeFixture(t)

	ack := f.command(t, "kitchen", CommandMessage{
		ID:         "c2",
		Command:    mediaplayer.ServiceSetVolume,
		Parameters: map[string]any{mediaplayer.ParamLevel: 0.5},
	})
	require.Equal(t, AckAccepted, ack.Status)

	out, err := f.sw.SimOutput(2)
	require.NoError(t, err)
	assert.Equal(t, -19, out.Volume())
}

func TestBridge_CommandFailures(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		cmd    CommandMessage
		status AckStatus
		code   string
	}{
		{
			name:   "unknown zone",
			key:    "garage",
			cmd:    CommandMessage{ID: "x", Command: mediaplayer.ServiceTurnOn},
			status: AckFailed,
			code:   ErrCodeNotConfigured,
		},
		{
			name:   "unknown command",
			key:    "kitchen",
			cmd:    CommandMessage{ID: "x", Command: "explode"},
			status: AckFailed,
			code:   ErrCodeInvalidCommand,
		},
		{
			name:   "missing parameter",
			key:    "kitchen",
			cmd:    CommandMessage{ID: "x", Command: mediaplayer.ServiceSetVolume},
			status: AckFailed,
			code:   ErrCodeInvalidParameters,
		},
		{
			name:   "unknown source",
			key:    "kitchen",
			cmd:    CommandMessage{ID: "x", Command: mediaplayer.ServiceSelectSource, Parameters: map[string]any{"source": "Vinyl"}},
			status: AckFailed,
			code:   ErrCodeInvalidParameters,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			ack := f.command(t, tt.key, tt.cmd)
			assert.Equal(t, tt.status, ack.Status)
			require.NotNil(t, ack.Error)
			assert.Equal(t, tt.code, ack.Error.Code)
			assert.Equal(t, uint64(1), f.bridge.Statistics().CommandsFailed)
		})
	}
}

func TestBridge_CommandAfterSwitchClosed(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.sw.Close())

	ack := f.command(t, "kitchen", CommandMessage{ID: "x", Command: mediaplayer.ServiceVolumeUp})
	assert.Equal(t, AckFailed, ack.Status)
	assert.Equal(t, ErrCodeDeviceUnreachable, ack.Error.Code)
}

func TestBridge_InvalidMessages(t *testing.T) {
	f := newBridgeFixture(t)

	assert.ErrorIs(t, f.bridge.HandleMessage("savantaudio/command/kitchen", []byte("{")), ErrInvalidMessage)
	assert.ErrorIs(t, f.bridge.HandleMessage("savantaudio/request/r1", []byte("nope")), ErrInvalidMessage)
	assert.ErrorIs(t, f.bridge.HandleMessage("savantaudio/health", nil), ErrUnknownTopic)
	assert.ErrorIs(t, f.bridge.HandleMessage("savantaudio/state/kitchen", []byte("{}")), ErrUnknownTopic)
}

func TestBridge_ReadState(t *testing.T) {
	f := newBridgeFixture(t)
	f.sw.SetLink(2, intPtr(3))

	resp := f.request(t, RequestMessage{RequestID: "r1", Action: ActionReadState, EntityID: "media_player.kitchen"})

	assert.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]any)
	assert.Equal(t, "on", data["state"])
	assert.Equal(t, "Streamer", data["source"])
}

func TestBridge_ReadStateErrors(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.request(t, RequestMessage{RequestID: "r2", Action: ActionReadState})
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, ErrCodeInvalidParameters, resp["error"].(map[string]any)["code"])

	resp = f.request(t, RequestMessage{RequestID: "r3", Action: ActionReadState, EntityID: "media_player.garage"})
	assert.Equal(t, ErrCodeNotConfigured, resp["error"].(map[string]any)["code"])

	resp = f.request(t, RequestMessage{RequestID: "r4", Action: "reboot"})
	assert.Equal(t, ErrCodeInvalidCommand, resp["error"].(map[string]any)["code"])
}

func TestBridge_ReadAll(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.request(t, RequestMessage{RequestID: "r5", Action: ActionReadAll})

	assert.Equal(t, true, resp["success"])
	data := resp["data"].(map[string]any)
	assert.Len(t, data["zones"], 2)
	assert.Equal(t, float64(0), data["failed"])
}

func TestBridge_RequestIDFromTopic(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.bridge.HandleMessage("savantaudio/request/from-topic", []byte(`{"action":"read_all"}`)))
	assert.NotEmpty(t, f.mqtt.on("savantaudio/response/from-topic"))
}

func TestBridge_StateChangeDetection(t *testing.T) {
	f := newBridgeFixture(t)
	z, _ := f.known.Zone("media_player.kitchen")
	topic := mqtt.Topics{}.State("kitchen")

	s := z.Snapshot()
	f.bridge.StateChanged(s)
	f.bridge.StateChanged(s)
	s.UpdatedAt = s.UpdatedAt.Add(time.Minute)
	f.bridge.StateChanged(s)
	assert.Len(t, f.mqtt.on(topic), 1, "identical state republished")

	s.Muted = true
	f.bridge.StateChanged(s)
	assert.Len(t, f.mqtt.on(topic), 2)

	f.bridge.ClearStateCache()
	f.bridge.StateChanged(s)
	assert.Len(t, f.mqtt.on(topic), 3)
	assert.Equal(t, uint64(3), f.bridge.Statistics().StatesPublished)
}

func TestBridge_FailedPublishIsRetried(t *testing.T) {
	f := newBridgeFixture(t)
	z, _ := f.known.Zone("media_player.kitchen")
	topic := mqtt.Topics{}.State("kitchen")

	f.mqtt.failTopic = topic
	f.bridge.StateChanged(z.Snapshot())
	f.mqtt.failTopic = ""
	f.bridge.StateChanged(z.Snapshot())

	assert.Len(t, f.mqtt.on(topic), 1)
}

func TestBridge_EntitiesRemovedClearsRetained(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.bridge.Start(context.Background()))

	f.bridge.EntitiesRemoved([]string{"media_player.kitchen"})

	state := f.mqtt.last(t, mqtt.Topics{}.State("kitchen"), nil)
	assert.True(t, state.retained)
	assert.Empty(t, state.payload)
	disc := f.mqtt.last(t, mqtt.Topics{}.Discovery("kitchen"), nil)
	assert.Empty(t, disc.payload)

	// A zone that comes back is published again.
	z, _ := f.known.Zone("media_player.kitchen")
	f.bridge.EntitiesAdded([]mediaplayer.State{z.Snapshot()})
	assert.NotEmpty(t, f.mqtt.last(t, mqtt.Topics{}.State("kitchen"), nil).payload)
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "living_room", EntityKey("media_player.living_room"))
	assert.Equal(t, "media_player.living_room", EntityIDForKey("living_room"))
	assert.Equal(t, "other.thing", EntityKey("other.thing"))
}

func intPtr(v int) *int { return &v }
