package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/approval"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/config"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/ingest"
	"github.com/voltgrid/voltgrid-core/internal/meter"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Approver promotes pending meters. Satisfied by *approval.Gateway.
type Approver interface {
	Approve(ctx context.Context, req approval.Request) (*approval.Result, error)
}

// StaleReaper exposes the reaper's introspection and forced-sweep surface.
// Satisfied by *meter.Reaper.
type StaleReaper interface {
	Preview(ctx context.Context) ([]meter.PendingMeter, error)
	SweepNow(ctx context.Context) ([]string, error)
	Timeout() time.Duration
}

// IngestStats reports pipeline counters. Satisfied by *ingest.Pipeline.
type IngestStats interface {
	Stats() ingest.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	SSE      config.SSEConfig
	Logger   *logging.Logger
	Hub      *Hub
	Meters   meter.Repository
	Pending  meter.PendingRepository
	Reaper   StaleReaper
	Gateway  Approver
	Pipeline IngestStats
	Version  string
}

// Server is the HTTP surface of the service: meter listings, the approval
// command, reaper introspection, and the two broadcast subscription
// transports.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	sseCfg   config.SSEConfig
	logger   *logging.Logger
	hub      *Hub
	meters   meter.Repository
	pending  meter.PendingRepository
	reaper   StaleReaper
	gateway  Approver
	pipeline IngestStats
	version  string
	server   *http.Server
}

// New creates the API server. The hub is injected rather than owned: the
// ingest pipeline broadcasts through the same instance.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if deps.Meters == nil || deps.Pending == nil {
		return nil, fmt.Errorf("meter repositories are required")
	}
	if deps.Reaper == nil {
		return nil, fmt.Errorf("reaper is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("approval gateway is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("ingest pipeline is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		sseCfg:   deps.SSE,
		logger:   deps.Logger,
		hub:      deps.Hub,
		meters:   deps.Meters,
		pending:  deps.Pending,
		reaper:   deps.Reaper,
		gateway:  deps.Gateway,
		pipeline: deps.Pipeline,
		version:  deps.Version,
	}, nil
}

// Start launches the HTTP listener in a background goroutine. The server is
// stopped with Close.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		// No WriteTimeout: the event stream endpoint holds its response
		// open indefinitely.
		IdleTimeout: time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting for in-flight
// requests up to a fixed timeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
