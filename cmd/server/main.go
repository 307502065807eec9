/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reconciliation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env files, RECON_* environment, flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Wire audit recorder, matching engine and orphan sweeper
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -env     .env file to load (default: .env)
  -port    HTTP server port
  -db      SQLite database path; ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (RECON_SERVER_SHUTDOWN_TIMEOUT)
  4. Close database connection

EXAMPLES:
  ./server -db="./data/recon.db"
  RECON_LOG_FORMAT=console ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/recon-engine/api"
	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/config"
	"github.com/warp/recon-engine/logging"
	"github.com/warp/recon-engine/matching"
	"github.com/warp/recon-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recon-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	envFile := flag.String("env", ".env", "Environment file to load")
	port := flag.Int("port", 0, "HTTP server port (overrides RECON_SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides RECON_DATABASE_PATH)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.Strings("env_files", cfg.EnvFiles),
		zap.String("db", cfg.Database.Path),
		zap.Bool("sweep_enabled", cfg.Sweep.Enabled),
		zap.Duration("sweep_interval", cfg.Sweep.Interval),
		zap.Duration("sweep_ttl", cfg.Sweep.TTL),
	)

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Wire the engine
	recorder := audit.NewRecorder(store, logger.Named("audit"))
	engine := matching.NewEngine(store,
		matching.WithLogger(logger.Named("engine")),
		matching.WithAudit(recorder),
	)

	sweeper := matching.NewSweeper(store, engine, logger.Named("sweeper"))
	sweeper.Audit = recorder
	sweeper.Enabled = cfg.Sweep.Enabled
	sweeper.Interval = cfg.Sweep.Interval
	sweeper.TTL = cfg.Sweep.TTL
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(store, engine, sweeper, logger.Named("api"))
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
