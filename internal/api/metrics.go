package api

import (
	"net/http"
	"runtime"
	"time"

	savantbridge "github.com/nerrad567/savantaudio/internal/bridges/savant"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                   `json:"timestamp"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runtime       RuntimeMetrics           `json:"runtime"`
	WebSocket     WSMetrics                `json:"websocket"`
	MQTT          MQTTMetrics              `json:"mqtt"`
	Bridge        *savantbridge.Statistics `json:"bridge,omitempty"`
	Entries       EntryMetrics             `json:"entries"`
	Zones         ZoneMetrics              `json:"zones"`
	Database      DatabaseMetrics          `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// EntryMetrics counts config entries by lifecycle state.
type EntryMetrics struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// ZoneMetrics counts loaded zones.
type ZoneMetrics struct {
	Total    int `json:"total"`
	On       int `json:"on"`
	Switches int `json:"switches"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Entries: EntryMetrics{ByState: make(map[string]int)},
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.bridge != nil {
		stats := s.bridge.Statistics()
		metrics.Bridge = &stats
	}

	if entries, err := s.entries.List(r.Context()); err == nil {
		metrics.Entries.Total = len(entries)
		for _, e := range entries {
			metrics.Entries.ByState[string(e.State)]++
		}
	} else {
		s.logger.Warn("metrics: listing entries failed", "error", err)
	}

	zones := s.zones.Zones()
	metrics.Zones.Total = len(zones)
	metrics.Zones.Switches = s.zones.LoadedSwitches()
	for _, z := range zones {
		if z.State() == mediaplayer.StateOn {
			metrics.Zones.On++
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
