package savant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/savantaudio/internal/infrastructure/mqtt"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
)

const (
	// commandTimeout bounds one service call on a zone.
	commandTimeout = 5 * time.Second

	// readAllTimeout bounds a read_all refresh of every zone.
	readAllTimeout = 30 * time.Second
)

// MQTTClient is the broker surface the bridge uses. *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// ZoneProvider gives access to live zones. *mediaplayer.Platform satisfies it.
type ZoneProvider interface {
	Zone(entityID string) (*mediaplayer.Zone, error)
	Zones() []*mediaplayer.Zone
	LoadedSwitches() int
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	MQTTClient MQTTClient
	Zones      ZoneProvider

	Version        string
	HealthInterval time.Duration

	// ConfiguredSwitches feeds the health status. Optional.
	ConfiguredSwitches func() int

	Logger Logger
}

// Bridge mirrors zones onto MQTT and runs commands received from it.
//
// All methods are safe for concurrent use.
type Bridge struct {
	mqtt   MQTTClient
	zones  ZoneProvider
	health *HealthReporter
	logger Logger

	// stateCache holds the last published state per entity, without its
	// timestamp, for change detection.
	stateCache   map[string][]byte
	stateCacheMu sync.Mutex

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64

	ctx       context.Context
	ctxCancel context.CancelFunc
	stopOnce  sync.Once
}

// NewBridge creates a bridge. Call Start to subscribe and begin publishing.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, errors.New("bridge: MQTT client is required")
	}
	if opts.Zones == nil {
		return nil, errors.New("bridge: zone provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		mqtt:       opts.MQTTClient,
		zones:      opts.Zones,
		logger:     logger,
		stateCache: make(map[string][]byte),
		ctx:        ctx,
		ctxCancel:  cancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		Version:            opts.Version,
		Interval:           opts.HealthInterval,
		Publisher:          opts.MQTTClient,
		Zones:              opts.Zones,
		Stats:              b.Statistics,
		ConfiguredSwitches: opts.ConfiguredSwitches,
	})
	b.health.SetLogger(logger)
	return b, nil
}

// Start subscribes to command and request topics, publishes every zone that
// is already live and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting health", "error", err)
	}

	topics := mqtt.Topics{}
	if err := b.mqtt.Subscribe(topics.AllCommands(), 1, b.HandleMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(topics.AllRequests(), 1, b.HandleMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}

	zones := b.zones.Zones()
	states := make([]mediaplayer.State, 0, len(zones))
	for _, z := range zones {
		states = append(states, z.Snapshot())
	}
	b.EntitiesAdded(states)

	b.health.Start(ctx)
	b.logger.Info("zone bridge started", "zones", len(zones))
	return nil
}

// Stop cancels in-flight commands and publishes a stopping health status.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.health.Stop()
		b.logger.Info("zone bridge stopped")
	})
}

// Health returns the current health message.
func (b *Bridge) Health() HealthMessage {
	return b.health.Current()
}

// Statistics returns traffic counters.
func (b *Bridge) Statistics() Statistics {
	return Statistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
	}
}

// EntitiesAdded implements mediaplayer.EntityListener.
func (b *Bridge) EntitiesAdded(states []mediaplayer.State) {
	for _, s := range states {
		b.publishDiscovery(s)
		b.publishState(s)
	}
}

// EntitiesRemoved implements mediaplayer.EntityListener. The retained state
// and discovery topics are cleared.
func (b *Bridge) EntitiesRemoved(entityIDs []string) {
	topics := mqtt.Topics{}
	for _, id := range entityIDs {
		b.stateCacheMu.Lock()
		delete(b.stateCache, id)
		b.stateCacheMu.Unlock()

		key := EntityKey(id)
		for _, topic := range []string{topics.State(key), topics.Discovery(key)} {
			if err := b.mqtt.Publish(topic, nil, 1, true); err != nil {
				b.logger.Warn("failed to clear retained topic", "topic", topic, "error", err)
			}
		}
	}
}

// StateChanged implements mediaplayer.EntityListener.
func (b *Bridge) StateChanged(s mediaplayer.State) {
	b.publishState(s)
}

// HandleMessage routes a command or request. It is the MQTT handler for both
// subscriptions.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	kind, key, ok := mqtt.Topics{}.Parse(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	switch kind {
	case "command":
		return b.handleCommand(key, payload)
	case "request":
		return b.handleRequest(key, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

func (b *Bridge) handleCommand(key string, payload []byte) error {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	b.commandsReceived.Add(1)

	entityID := EntityIDForKey(key)
	b.logger.Debug("received command", "command_id", cmd.ID, "entity_id", entityID, "command", cmd.Command)

	// Unknown zones still get an ack.
	zone, err := b.zones.Zone(entityID)
	if err != nil {
		b.publishAck(key, NewAckError(cmd, entityID, AckFailed, ErrCodeNotConfigured,
			fmt.Sprintf("zone %s not configured", entityID)))
		return nil
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := mediaplayer.CallService(ctx, zone, cmd.Command, cmd.Parameters); err != nil {
		status, code := classify(err)
		b.publishAck(key, NewAckError(cmd, entityID, status, code, err.Error()))
		b.logger.Warn("command failed", "command_id", cmd.ID, "entity_id", entityID, "command", cmd.Command, "error", err)
		return nil
	}
	b.publishAck(key, NewAck(cmd, entityID))
	return nil
}

// classify maps a service error onto an ack status and error code.
func classify(err error) (AckStatus, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return AckTimeout, ErrCodeTimeout
	case errors.Is(err, mediaplayer.ErrUnknownService):
		return AckFailed, ErrCodeInvalidCommand
	case errors.Is(err, mediaplayer.ErrInvalidParameter),
		errors.Is(err, mediaplayer.ErrUnknownSource),
		errors.Is(err, mediaplayer.ErrInvalidVolume):
		return AckFailed, ErrCodeInvalidParameters
	default:
		return AckFailed, ErrCodeDeviceUnreachable
	}
}

func (b *Bridge) publishAck(key string, ack AckMessage) {
	if ack.Status != AckAccepted {
		b.commandsFailed.Add(1)
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Ack(key), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

func (b *Bridge) handleRequest(requestID string, payload []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	var resp ResponseMessage
	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(req)
	case ActionReadAll:
		resp = b.handleReadAll(req)
	default:
		resp = newErrorResponse(req.RequestID, ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Response(req.RequestID), out, 1, false); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}

// handleReadState refreshes one zone from the switch and returns its state.
func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.EntityID == "" {
		return newErrorResponse(req.RequestID, ErrCodeInvalidParameters, "entity_id is required")
	}
	zone, err := b.zones.Zone(req.EntityID)
	if err != nil {
		return newErrorResponse(req.RequestID, ErrCodeNotConfigured, fmt.Sprintf("zone %s not configured", req.EntityID))
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := zone.Update(ctx); err != nil {
		_, code := classify(err)
		return newErrorResponse(req.RequestID, code, err.Error())
	}

	resp := newResponse(req.RequestID)
	resp.Data = zone.Snapshot()
	return resp
}

// handleReadAll refreshes every zone. Zones that fail to refresh are
// reported with their cached state.
func (b *Bridge) handleReadAll(req RequestMessage) ResponseMessage {
	ctx, cancel := context.WithTimeout(b.ctx, readAllTimeout)
	defer cancel()

	zones := b.zones.Zones()
	states := make([]mediaplayer.State, 0, len(zones))
	failed := 0
	for _, z := range zones {
		if err := z.Update(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return newErrorResponse(req.RequestID, ErrCodeTimeout, "read_all timed out")
			}
			failed++
		}
		states = append(states, z.Snapshot())
	}

	resp := newResponse(req.RequestID)
	resp.Data = map[string]any{
		"zones":  states,
		"failed": failed,
	}
	return resp
}

func (b *Bridge) publishDiscovery(s mediaplayer.State) {
	payload, err := json.Marshal(NewDiscoveryMessage(s))
	if err != nil {
		b.logger.Error("failed to marshal discovery", "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.Discovery(EntityKey(s.EntityID)), payload, 1, true); err != nil {
		b.logger.Warn("failed to publish discovery", "entity_id", s.EntityID, "error", err)
	}
}

// publishState publishes s retained unless it matches the last published
// state for the entity.
func (b *Bridge) publishState(s mediaplayer.State) {
	if b.stateUnchanged(s) {
		return
	}
	payload, err := json.Marshal(StateMessage{EntityID: s.EntityID, Timestamp: time.Now().UTC(), State: s})
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.Publish(mqtt.Topics{}.State(EntityKey(s.EntityID)), payload, 1, true); err != nil {
		// Forget the fingerprint so the next change is retried.
		b.forgetState(s.EntityID)
		b.logger.Warn("failed to publish state", "entity_id", s.EntityID, "error", err)
		return
	}
	b.statesPublished.Add(1)
}

// stateUnchanged records s as the last published state and reports whether
// it matched the previous one. UpdatedAt is ignored.
func (b *Bridge) stateUnchanged(s mediaplayer.State) bool {
	s.UpdatedAt = time.Time{}
	fingerprint, err := json.Marshal(s)
	if err != nil {
		return false
	}

	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	if bytes.Equal(b.stateCache[s.EntityID], fingerprint) {
		return true
	}
	b.stateCache[s.EntityID] = fingerprint
	return false
}

func (b *Bridge) forgetState(entityID string) {
	b.stateCacheMu.Lock()
	delete(b.stateCache, entityID)
	b.stateCacheMu.Unlock()
}

// ClearStateCache forces the next state of every zone to be published. Call
// it after the broker connection is re-established.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	b.stateCache = make(map[string][]byte)
	b.stateCacheMu.Unlock()
}
