package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/savantaudio/internal/mediaplayer"
)

// Measurement names.
const (
	MeasurementZoneState = "zone_state"
	MeasurementZoneEvent = "zone_event"
)

// WriteZoneState records a zone snapshot as a zone_state point tagged by
// entity, serial and output. The point time is the snapshot's update time,
// or now if the zone was never synced.
func (c *Client) WriteZoneState(s mediaplayer.State) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(zoneStatePoint(s, time.Now()))
}

// WriteZoneEvent records a zone appearing ("added") or disappearing ("removed").
func (c *Client) WriteZoneEvent(entityID, event string) {
	if !c.IsConnected() {
		return
	}
	c.points.WritePoint(write.NewPoint(MeasurementZoneEvent,
		map[string]string{"entity_id": entityID},
		map[string]any{"event": event},
		time.Now()))
}

func zoneStatePoint(s mediaplayer.State, now time.Time) *write.Point {
	power := 0
	if s.State == mediaplayer.StateOn {
		power = 1
	}
	fields := map[string]any{
		"power":        power,
		"volume_level": s.VolumeLevel,
		"muted":        s.Muted,
		"sound_mode":   s.SoundMode,
	}
	if s.Source != "" {
		fields["source"] = s.Source
	}

	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = now
	}
	return write.NewPoint(MeasurementZoneState,
		map[string]string{
			"entity_id": s.EntityID,
			"serial":    s.Serial,
			"output":    strconv.Itoa(s.Number),
		},
		fields, ts)
}

// Recorder writes zone history as a mediaplayer.EntityListener.
type Recorder struct {
	client *Client
}

// NewRecorder returns a listener that records through client.
func NewRecorder(client *Client) *Recorder {
	return &Recorder{client: client}
}

// EntitiesAdded records an "added" event and the initial state of each zone.
func (r *Recorder) EntitiesAdded(states []mediaplayer.State) {
	for _, s := range states {
		r.client.WriteZoneEvent(s.EntityID, "added")
		r.client.WriteZoneState(s)
	}
}

// EntitiesRemoved records a "removed" event per zone.
func (r *Recorder) EntitiesRemoved(entityIDs []string) {
	for _, id := range entityIDs {
		r.client.WriteZoneEvent(id, "removed")
	}
}

// StateChanged records the new state.
func (r *Recorder) StateChanged(s mediaplayer.State) {
	r.client.WriteZoneState(s)
}
