package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	savantbridge "github.com/nerrad567/savantaudio/internal/bridges/savant"
	"github.com/nerrad567/savantaudio/internal/configflow"
	"github.com/nerrad567/savantaudio/internal/entry"
	"github.com/nerrad567/savantaudio/internal/infrastructure/config"
	"github.com/nerrad567/savantaudio/internal/infrastructure/logging"
	"github.com/nerrad567/savantaudio/internal/mediaplayer"
	"github.com/nerrad567/savantaudio/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ZoneProvider exposes the zones that are currently loaded.
type ZoneProvider interface {
	Zone(entityID string) (*mediaplayer.Zone, error)
	Zones() []*mediaplayer.Zone
	LoadedSwitches() int
}

// BridgeStatus reports the MQTT bridge's health.
type BridgeStatus interface {
	Health() savantbridge.HealthMessage
	Statistics() savantbridge.Statistics
}

// ConnectionStatus reports whether a client is connected, such as the MQTT client.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Entries  *entry.Manager
	Flows    *configflow.Manager
	Zones    ZoneProvider
	Entities *registry.EntityRegistry // optional
	Bridge   BridgeStatus             // optional
	MQTT     ConnectionStatus         // optional
	DB       *sql.DB                  // optional, for pool metrics
	Hub      *Hub                     // If set, the server uses this hub instead of creating its own
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secret    []byte
	logger    *logging.Logger
	entries   *entry.Manager
	flows     *configflow.Manager
	zones     ZoneProvider
	entities  *registry.EntityRegistry
	bridge    BridgeStatus
	mqtt      ConnectionStatus
	db        *sql.DB
	version   string
	startTime time.Time
	tickets   *ticketStore

	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Entries == nil {
		return nil, fmt.Errorf("entry manager is required")
	}
	if deps.Flows == nil {
		return nil, fmt.Errorf("flow manager is required")
	}
	if deps.Zones == nil {
		return nil, fmt.Errorf("zone provider is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secret:    []byte(deps.Security.JWT.Secret),
		logger:    deps.Logger,
		entries:   deps.Entries,
		flows:     deps.Flows,
		zones:     deps.Zones,
		entities:  deps.Entities,
		bridge:    deps.Bridge,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
		s.hub.attach(s.zones)
	}
	return s, nil
}

// Hub returns the server's WebSocket hub. It is nil until Start unless one
// was injected through Deps.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the router. Start uses it; tests can serve it directly.
func (s *Server) Handler() http.Handler {
	s.ensureHub()
	return s.buildRouter()
}

func (s *Server) ensureHub() {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		s.hub.attach(s.zones)
	}
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port already in use is
// reported here. Requests are served on a background goroutine until Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.ensureHub()
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	if len(s.secret) == 0 {
		s.logger.Warn("API authentication disabled: security.jwt.secret is empty")
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, which differs from the configured one
// when that was 0.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.cfg.Port
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
