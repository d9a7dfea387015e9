package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/robot-bridge/internal/infrastructure/config"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/database"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/robot-bridge/internal/journal"
	"github.com/nerrad567/robot-bridge/internal/robot"
	"github.com/nerrad567/robot-bridge/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
// Link and Logger are required; the rest are optional.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger

	// Link is the shared device link every session sends through.
	Link *robot.Link

	// PollInterval is each session's link probe interval.
	PollInterval time.Duration

	Journal   journal.Repository
	Telemetry *telemetry.Recorder
	MQTT      *mqtt.Client
	Influx    *influxdb.Client
	DB        *database.DB

	Version string
}

// Server is the Channel Gateway.
//
// It is created with New, started with Start and stopped with Close.
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	link         *robot.Link
	pollInterval time.Duration
	journal      journal.Repository
	telemetry    *telemetry.Recorder
	mqtt         *mqtt.Client
	influx       *influxdb.Client
	db           *database.DB
	version      string
	startTime    time.Time

	upgrader websocket.Upgrader
	hub      *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ctx      context.Context    // parent of every session
	cancel   context.CancelFunc // cancels sessions and the hub on Close
}

// New creates a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Link == nil {
		return nil, fmt.Errorf("device link is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        withWSDefaults(deps.WS),
		logger:       deps.Logger,
		link:         deps.Link,
		pollInterval: deps.PollInterval,
		journal:      deps.Journal,
		telemetry:    deps.Telemetry,
		mqtt:         deps.MQTT,
		influx:       deps.Influx,
		db:           deps.DB,
		version:      deps.Version,
		startTime:    time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Start binds the listener and serves in the background. The hub and every
// session stop when ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	go s.hub.Run(s.ctx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String(), "ws_path", s.wsCfg.Path)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close closes every channel (ending its session), then shuts the HTTP
// server down, waiting up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.cancel()
	s.hub.closeAll()
	s.hub.Wait()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and, when allowed_origins is set, only listed browser origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.wsCfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.wsCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = wsSendBufferSize
	}
	return cfg
}
