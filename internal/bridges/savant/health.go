package savant

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/savantaudio/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthStatus is the service status on savantaudio/health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained service health.
type HealthMessage struct {
	Service       string       `json:"service"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Zones         int          `json:"zones"`
	Switches      int          `json:"switches"`
	Statistics    Statistics   `json:"statistics"`
	Reason        string       `json:"reason,omitempty"`
}

// Statistics counts bridge traffic since start.
type Statistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
}

// Publisher is the part of the MQTT client the reporter uses.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Version   string
	Interval  time.Duration
	Publisher Publisher

	// Zones supplies the zone and switch counts.
	Zones ZoneProvider

	// Stats supplies traffic counters. Optional.
	Stats func() Statistics

	// ConfiguredSwitches returns how many switches should be connected.
	// Optional; without it switch connectivity does not affect status.
	ConfiguredSwitches func() int
}

// HealthReporter publishes health on an interval and on demand.
type HealthReporter struct {
	version   string
	startTime time.Time
	interval  time.Duration
	publisher Publisher
	zones     ZoneProvider
	stats     func() Statistics
	expected  func() int

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewHealthReporter creates a reporter. Call Start to begin periodic reports.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	stats := cfg.Stats
	if stats == nil {
		stats = func() Statistics { return Statistics{} }
	}
	return &HealthReporter{
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		zones:     cfg.Zones,
		stats:     stats,
		expected:  cfg.ConfiguredSwitches,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the reporter's logger. Call before Start.
func (h *HealthReporter) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// Start publishes immediately and then every interval until ctx ends or
// Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if err := h.publish(HealthStopping, "shutting down"); err != nil {
			h.logger.Warn("failed to publish stopping health", "error", err)
		}
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow publishes the current status.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// Current returns the health message PublishNow would send.
func (h *HealthReporter) Current() HealthMessage {
	status, reason := h.determineStatus()
	return h.message(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Error("failed to publish initial health", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Error("failed to publish health", "error", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.zones != nil && h.expected != nil && h.expected() > h.zones.LoadedSwitches() {
		return HealthDegraded, "switch unreachable"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	msg := HealthMessage{
		Service:       "savantaudio",
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Statistics:    h.stats(),
		Reason:        reason,
	}
	if h.zones != nil {
		msg.Zones = len(h.zones.Zones())
		msg.Switches = h.zones.LoadedSwitches()
	}
	return msg
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.message(status, reason))
	if err != nil {
		return err
	}
	return h.publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}
