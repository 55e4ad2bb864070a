/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults < config.toml < .env < BILLING_* env)
  2. Apply command-line overrides
  3. Build the logger
  4. Initialize SQLite store
  5. Create API handler, router and billing scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides app.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the billing scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection, flush logs
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with the hourly scheduler
  BILLING_SCHEDULER_ENABLED=true ./server

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/scheduler.go: Background billing runs
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer log.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return errors.Wrap(err, "initialize database")
	}
	defer store.Close()

	handler := api.NewHandler(store, api.Options{
		Billing:      cfg.BillingConfig(),
		DedupEpsilon: cfg.Reporting.DedupEpsilon,
		Logger:       log,
	})
	handler.Scheduler.Enabled = cfg.Scheduler.Enabled
	handler.Scheduler.Interval = cfg.Scheduler.Interval
	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      api.NewRouter(handler, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", "http://localhost:"+cfg.App.Port),
			zap.String("env", cfg.App.Env),
			zap.String("db", cfg.Database.Path),
			zap.Bool("scheduler", cfg.Scheduler.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return errors.Wrap(err, "server failed")
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	handler.Scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "forced shutdown")
	}

	log.Info("server stopped")
	return nil
}
