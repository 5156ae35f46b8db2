// savantaudio integrates Savant multi-zone audio switches.
//
// The daemon keeps one config entry per switch, exposes every enabled zone
// as a media player entity and mirrors zone state onto MQTT, InfluxDB and a
// WebSocket feed. Switches are added through the REST API's config flows,
// found on the network by mDNS, or declared in the YAML configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/savantaudio/migrations"

	"github.com/nerrad567/savantaudio/internal/api"
	savantbridge "github.com/nerrad567/savantaudio/internal/bridges/savant"
	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/discovery"
	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
	"github.com/nerrad567/savantaudio/internal/infrastructure/database"
	"github.com/nerrad567/savantaudio/internal/infrastructure/influxdb"
	"github.com/nerrad567/savantaudio/internal/infrastructure/logging"
	"github.com/nerrad567/savantaudio/internal/infrastructure/mqtt"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/registry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// bridgeHealthInterval is how often the bridge republishes its health.
const bridgeHealthInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, blocks until ctx is cancelled and tears down
// in reverse order through defers.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear start-up sequence
	log := logging.Default()
	log.Info("starting savantaudio",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	entities := registry.NewEntityRegistry(registry.NewSQLiteEntityRepository(db.DB))
	entities.SetLogger(log)
	devices := registry.NewDeviceRegistry(registry.NewSQLiteDeviceRepository(db.DB))
	devices.SetLogger(log)
	if refreshErr := entities.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading entity registry: %w", refreshErr)
	}
	if refreshErr := devices.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}

	connector, err := newConnector(cfg, log)
	if err != nil {
		return err
	}

	platform, err := mediaplayer.NewPlatform(mediaplayer.PlatformOptions{
		Connector:      connector,
		Entities:       entities,
		Devices:        devices,
		ScanInterval:   cfg.GetScanInterval(),
		ConnectTimeout: cfg.GetConnectTimeout(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating media player platform: %w", err)
	}

	entries, err := entry.NewManager(entry.ManagerOptions{
		Store:     entry.NewSQLiteStore(db.DB),
		Platforms: []entry.Platform{platform},
		Entities:  entities,
		Devices:   devices,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating entry manager: %w", err)
	}
	defer func() {
		log.Info("unloading config entries")
		if unloadErr := entries.UnloadAll(context.Background()); unloadErr != nil {
			log.Error("error unloading config entries", "error", unloadErr)
		}
	}()

	flows, err := configflow.NewManager(configflow.ManagerOptions{
		Connector:      connector,
		Entries:        entries,
		Entities:       entities,
		ConnectTimeout: cfg.GetConnectTimeout(),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating flow manager: %w", err)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	platform.AddListener(hub)
	go hub.Run(ctx)

	var mqttClient *mqtt.Client
	var bridge *savantbridge.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = startBridge(ctx, mqttClient, platform, entryCounter(entries), log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()

		// A broker restart loses retained state; republish everything.
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			bridge.ClearStateCache()
			bridge.EntitiesAdded(snapshots(platform))
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		platform.AddListener(influxdb.NewRecorder(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	importSwitches(ctx, cfg.Savant.Switches, flows, log)

	if setupErr := entries.SetupAll(ctx); setupErr != nil {
		return fmt.Errorf("setting up config entries: %w", setupErr)
	}
	log.Info("config entries set up",
		"switches", platform.LoadedSwitches(),
		"zones", len(platform.Zones()),
	)

	if cfg.Savant.Discovery.Enabled {
		browser, browserErr := discovery.NewBrowser(discovery.BrowserOptions{
			Flows:    flows,
			Service:  cfg.Savant.Discovery.Service,
			Interval: cfg.GetDiscoveryInterval(),
			Logger:   log,
		})
		if browserErr != nil {
			return fmt.Errorf("creating discovery browser: %w", browserErr)
		}
		go browser.Run(ctx)
		log.Info("mDNS discovery started", "service", cfg.Savant.Discovery.Service)
	}

	if cfg.Savant.Advertise.Enabled {
		advertiser, advErr := discovery.NewAdvertiser(discovery.AdvertiserOptions{
			Instance: cfg.Savant.Advertise.Instance,
			Port:     cfg.API.Port,
			TXT:      []string{"version=" + version, "path=/api/v1"},
			Logger:   log,
		})
		if advErr != nil {
			return fmt.Errorf("creating advertiser: %w", advErr)
		}
		if startErr := advertiser.Start(); startErr != nil {
			log.Warn("service advertisement failed", "error", startErr)
		} else {
			defer advertiser.Stop()
		}
	}

	apiDeps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Entries:  entries,
		Flows:    flows,
		Zones:    platform,
		Entities: entities,
		DB:       db.DB,
		Hub:      hub,
		Version:  version,
	}
	if bridge != nil {
		apiDeps.Bridge = bridge
		apiDeps.MQTT = mqttClient
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred calls run in reverse: API, advertiser, InfluxDB, bridge,
	// MQTT, config entries, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SAVANTAUDIO_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SAVANTAUDIO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// startBridge creates the MQTT bridge, registers it for zone events and
// starts it.
func startBridge(ctx context.Context, client *mqtt.Client, platform *mediaplayer.Platform, configured func() int, log *logging.Logger) (*savantbridge.Bridge, error) {
	bridge, err := savantbridge.NewBridge(savantbridge.BridgeOptions{
		MQTTClient:         client,
		Zones:              platform,
		Version:            version,
		HealthInterval:     bridgeHealthInterval,
		ConfiguredSwitches: configured,
		Logger:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	platform.AddListener(bridge)

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started")
	return bridge, nil
}

// entryCounter reports the number of stored config entries for health messages.
func entryCounter(entries *entry.Manager) func() int {
	return func() int {
		list, err := entries.List(context.Background())
		if err != nil {
			return 0
		}
		return len(list)
	}
}

func snapshots(platform *mediaplayer.Platform) []mediaplayer.State {
	zones := platform.Zones()
	out := make([]mediaplayer.State, 0, len(zones))
	for _, z := range zones {
		out = append(out, z.Snapshot())
	}
	return out
}
