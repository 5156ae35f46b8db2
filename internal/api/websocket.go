package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
	"github.com/nerrad567/savantaudio/internal/infrastructure/logging"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeCallService = "call_service"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Broadcast channels.
const (
	// ChannelEntityState carries a mediaplayer.State for every zone that
	// appears or changes. Subscribing replays the current state of every zone.
	ChannelEntityState = "entity_state"

	// ChannelEntitiesRemoved carries {"entity_ids": [...]} when zones unload.
	ChannelEntitiesRemoved = "entities_removed"
)

const (
	wsQueueLen         = 256
	wsServiceTimeout   = 10 * time.Second
	wsUpgradeBufferLen = 1024
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels. EntityIDs narrows entity_state
// events to the listed zones; empty means every zone.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// WSServicePayload is the payload of a call_service message.
type WSServicePayload struct {
	EntityID string         `json:"entity_id"`
	Service  string         `json:"service"`
	Params   map[string]any `json:"params,omitempty"`
}

// Hub fans zone events out to WebSocket clients. It implements
// mediaplayer.EntityListener; register it on the platform.
//
// Broadcasts never block on a slow client: a full queue drops the frame
// for that client only. Run closes every client when its context ends.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	zones   ZoneProvider
}

// WSClient is one connection. The hub owns its queue: only Unregister or
// closeAll close it.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	queue   chan []byte
	subject string // token subject, empty when auth is disabled

	mu       sync.RWMutex
	channels map[string]struct{}
	entities map[string]struct{}
}

var _ mediaplayer.EntityListener = (*Hub)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsUpgradeBufferLen,
	WriteBufferSize: wsUpgradeBufferLen,
	// CORS middleware already vets the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

func (h *Hub) attach(zones ZoneProvider) {
	h.mu.Lock()
	h.zones = zones
	h.mu.Unlock()
}

func (h *Hub) zoneProvider() ZoneProvider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.zones
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

// Unregister removes a client and closes its queue once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.queue)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload on channel to every subscribed client.
func (h *Hub) Broadcast(channel string, payload any) {
	h.broadcast(channel, "", payload)
}

// broadcast filters entity_state frames by entityID when it is set.
func (h *Hub) broadcast(channel, entityID string, payload any) {
	frame, err := eventFrame(channel, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	sent := 0
	for _, c := range h.snapshotClients() {
		if c.wants(channel, entityID) {
			c.enqueue(frame)
			sent++
		}
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sent)
	}
}

func (h *Hub) snapshotClients() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// EntitiesAdded implements mediaplayer.EntityListener.
func (h *Hub) EntitiesAdded(states []mediaplayer.State) {
	for _, st := range states {
		h.broadcast(ChannelEntityState, st.EntityID, st)
	}
}

// EntitiesRemoved implements mediaplayer.EntityListener.
func (h *Hub) EntitiesRemoved(entityIDs []string) {
	if len(entityIDs) == 0 {
		return
	}
	h.Broadcast(ChannelEntitiesRemoved, map[string]any{"entity_ids": entityIDs})
}

// StateChanged implements mediaplayer.EntityListener.
func (h *Hub) StateChanged(st mediaplayer.State) {
	h.broadcast(ChannelEntityState, st.EntityID, st)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.queue)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the connection. Callers authenticate with a
// bearer header or a ticket from POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.authenticateWebSocket(r)
	if !ok {
		writeUnauthorized(w, "bearer token or ticket is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		queue:    make(chan []byte, wsQueueLen),
		subject:  subject,
		channels: make(map[string]struct{}),
		entities: make(map[string]struct{}),
	}
	s.hub.Register(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (s *Server) authenticateWebSocket(r *http.Request) (string, bool) {
	if len(s.secret) == 0 {
		return "", true
	}
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return s.tickets.redeem(ticket)
	}
	subject, err := s.authenticate(r)
	if err != nil {
		return "", false
	}
	return subject, true
}

func wsDeadlines(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	return time.Duration(cfg.PingInterval) * time.Second, time.Duration(cfg.PongTimeout) * time.Second
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	ping, pong := wsDeadlines(cfg)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(ping + pong)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame counts as liveness.
		_ = extend()
		c.dispatch(data)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ping, pong := wsDeadlines(cfg)
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(pong)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, ok := <-c.queue:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, frame) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg)
	case WSTypeUnsubscribe:
		c.unsubscribe(msg)
	case WSTypeCallService:
		c.callService(msg)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) subscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := decodePayload(msg.Payload, &sub); err != nil {
		c.fail(msg.ID, "invalid subscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	for _, id := range sub.EntityIDs {
		c.entities[id] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels, "subject", c.subject)
	c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	for _, ch := range sub.Channels {
		if ch == ChannelEntityState {
			c.replayStates()
			break
		}
	}
}

// replayStates queues the current state of every zone the client follows,
// ordered by entity id.
func (c *WSClient) replayStates() {
	zones := c.hub.zoneProvider()
	if zones == nil {
		return
	}
	list := zones.Zones()
	states := make([]mediaplayer.State, 0, len(list))
	for _, z := range list {
		states = append(states, z.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })

	for _, st := range states {
		if !c.wants(ChannelEntityState, st.EntityID) {
			continue
		}
		frame, err := eventFrame(ChannelEntityState, st)
		if err != nil {
			continue
		}
		c.enqueue(frame)
	}
}

func (c *WSClient) unsubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if err := decodePayload(msg.Payload, &sub); err != nil {
		c.fail(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	for _, id := range sub.EntityIDs {
		delete(c.entities, id)
	}
	c.mu.Unlock()

	c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

// callService runs a media player service and replies with the zone state.
func (c *WSClient) callService(msg WSMessage) {
	var call WSServicePayload
	if err := decodePayload(msg.Payload, &call); err != nil || call.EntityID == "" || call.Service == "" {
		c.fail(msg.ID, "entity_id and service are required")
		return
	}
	zones := c.hub.zoneProvider()
	if zones == nil {
		c.fail(msg.ID, "no zones available")
		return
	}
	z, err := zones.Zone(call.EntityID)
	if err != nil {
		c.fail(msg.ID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsServiceTimeout)
	defer cancel()
	if err := mediaplayer.CallService(ctx, z, call.Service, call.Params); err != nil {
		c.hub.logger.Warn("websocket service call failed",
			"entity_id", call.EntityID,
			"service", call.Service,
			"error", err,
		)
		c.fail(msg.ID, err.Error())
		return
	}
	c.reply(msg.ID, WSTypeResponse, z.Snapshot())
}

// wants reports whether the client follows channel, and for entity_state
// whether entityID passes its entity filter.
func (c *WSClient) wants(channel, entityID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if channel != ChannelEntityState || entityID == "" || len(c.entities) == 0 {
		return true
	}
	_, ok := c.entities[entityID]
	return ok
}

// enqueue drops the frame when the client is slow or already gone.
func (c *WSClient) enqueue(frame []byte) {
	defer func() {
		recover() //nolint:errcheck // Send on a queue closed by Unregister
	}()
	select {
	case c.queue <- frame:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	frame, err := json.Marshal(struct {
		Type      string `json:"type"`
		ID        string `json:"id,omitempty"`
		Timestamp string `json:"timestamp"`
		Payload   any    `json:"payload,omitempty"`
	}{msgType, id, timestamp(), payload})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *WSClient) fail(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}

func eventFrame(channel string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		EventType string `json:"event_type"`
		Timestamp string `json:"timestamp"`
		Payload   any    `json:"payload"`
	}{WSTypeEvent, channel, timestamp(), payload})
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
