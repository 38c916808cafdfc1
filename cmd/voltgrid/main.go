// VoltGrid Core - Power Meter Telemetry Service
//
// This is the main entry point for VoltGrid Core: it ingests power-meter
// telemetry from the site MQTT broker, tracks device discovery and approval,
// keeps a latest-reading snapshot per approved meter, and fans classified
// traffic out to dashboard clients over an event stream and WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/voltgrid/voltgrid-core/migrations"

	"github.com/voltgrid/voltgrid-core/internal/api"
	"github.com/voltgrid/voltgrid-core/internal/approval"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/config"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/database"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/mqtt"
	"github.com/voltgrid/voltgrid-core/internal/ingest"
	"github.com/voltgrid/voltgrid-core/internal/meter"
	"github.com/voltgrid/voltgrid-core/internal/retry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting VoltGrid Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Connect to MQTT broker. A failed initial connection is not fatal:
	// the client keeps retrying on the fixed reconnect period.
	mqttClient, err := mqtt.Connect(cfg.MQTT, log)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT client started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Repositories over the shared database handle
	pendingRepo := meter.NewSQLitePendingRepository(db.DB)
	meterRepo := meter.NewSQLiteRepository(db.DB)
	readingRepo := meter.NewSQLiteReadingRepository(db.DB, retry.Policy{
		Base:           cfg.Retry.Base.Std(),
		Cap:            cfg.Retry.Cap.Std(),
		MinInterval:    cfg.Retry.MinInterval.Std(),
		MaxAttempts:    cfg.Retry.MaxAttempts,
		JitterFraction: cfg.Retry.JitterFraction,
	})

	// Approval gateway doubles as the resolver's config-push sender
	gateway := approval.NewGateway(db, meterRepo, pendingRepo, readingRepo, mqttClient, log)

	// Broadcast hub: the pipeline and the API server share one instance
	hub := api.NewHub(cfg.Discovery.HeartbeatInterval.Std(), log)
	go hub.Run(ctx)

	// Device state resolver and ingest pipeline
	resolver := meter.NewResolver(pendingRepo, meterRepo, readingRepo, gateway, log)
	pipeline := ingest.NewPipeline(mqttClient, resolver, hub, byte(cfg.MQTT.QoS), log)
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting ingest pipeline: %w", err)
	}
	log.Info("ingest pipeline started")

	// Stale pending reaper
	reaper := meter.NewReaper(pendingRepo, cfg.Discovery.ReaperInterval.Std(), cfg.Discovery.PendingTimeout.Std(), log)
	go reaper.Run(ctx)
	log.Info("stale pending reaper started",
		"interval", cfg.Discovery.ReaperInterval.String(),
		"timeout", cfg.Discovery.PendingTimeout.String(),
	)

	// HTTP API server
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		SSE:      cfg.SSE,
		Logger:   log,
		Hub:      hub,
		Meters:   meterRepo,
		Pending:  pendingRepo,
		Reaper:   reaper,
		Gateway:  gateway,
		Pipeline: pipeline,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (drains in-flight requests)
	// 2. MQTT (publishes graceful offline status)
	// 3. Database

	log.Info("VoltGrid Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VOLTGRID_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VOLTGRID_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
