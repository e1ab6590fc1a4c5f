/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the visit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the store (SQLite or PostgreSQL)
  3. Pick the event broker (in-process, or Redis when configured)
  4. Register and start the scheduled batch jobs
  5. Create API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional, defaults apply)
  -port    HTTP server port, overrides server.address
  -db      SQLite database path, overrides database.dsn
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the job scheduler and wait for running jobs
  4. Close the broker and the database connection

ENVIRONMENT:
  VISIT_HTTP_ADDRESS, VISIT_DB_DRIVER, VISIT_DB_DSN, VISIT_REDIS_URL,
  VISIT_LOG_LEVEL, VISIT_JOBS_ENABLED, VISIT_BILL_MISSED_DEFAULT

SEE ALSO:
  - config/config.go: Configuration layout
  - api/server.go: Router configuration
  - jobs/runner.go: Scheduled jobs
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
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/api"
	"github.com/warp/visit-engine/config"
	"github.com/warp/visit-engine/events"
	"github.com/warp/visit-engine/jobs"
	"github.com/warp/visit-engine/logging"
	"github.com/warp/visit-engine/metrics"
	"github.com/warp/visit-engine/store/postgres"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Address = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = *dbPath
	}

	logger := logging.New(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	var broker events.EventBroker = events.NewBroker()
	if cfg.Redis.URL != "" {
		rb, err := events.NewRedisBroker(cfg.Redis.URL, logging.Component(logger, "events"))
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		broker = rb
		logger.Info().Msg("Publishing route events through Redis")
	}
	defer broker.Close()

	if cfg.Metrics.Enabled {
		metrics.RegisterDefault()
	}

	runner, err := newRunner(cfg, store, logger)
	if err != nil {
		return err
	}
	if cfg.Jobs.Enabled {
		runner.Start()
	}
	defer runner.Stop()

	handler := api.NewHandler(store, broker, runner, cfg.Billing.BillMissedDefault, logger)

	routerCfg := api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logging.Component(logger, "http"),
	}
	if cfg.Metrics.Enabled {
		routerCfg.MetricsPath = cfg.Metrics.Path
	}
	if cfg.RateLimit.Enabled {
		limiter := api.NewRateLimiter(api.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
		defer limiter.Stop()
		routerCfg.RateLimiter = limiter
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", cfg.Server.Address).Str("driver", cfg.Database.Driver).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server stopped")
	return nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (*sqlstore.Store, error) {
	if strings.ToLower(db.Driver) == "postgres" {
		return postgres.New(ctx, db.DSN, postgres.Options{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime.Std(),
		})
	}
	return sqlite.New(db.DSN)
}

func newRunner(cfg *config.Config, store *sqlstore.Store, logger zerolog.Logger) (*jobs.Runner, error) {
	loc, err := time.LoadLocation(cfg.Jobs.Timezone)
	if err != nil {
		return nil, fmt.Errorf("jobs.timezone: %w", err)
	}
	jobLogger := logging.Component(logger, "jobs")
	runner := jobs.NewRunner(jobs.NewBatch(store, cfg.Jobs.PageSize, jobLogger), loc, jobLogger)

	registrations := []struct {
		spec string
		job  jobs.Job
	}{
		{cfg.Jobs.MaterializeSchedule, jobs.NewMaterializer(store, cfg.Jobs.HorizonDays, jobLogger)},
		{cfg.Jobs.BillingSchedule, jobs.NewBillingSnapshot(store, cfg.Jobs.BillingLookbackDays, jobLogger)},
		{"", jobs.NewHistoryBackfill(store)},
	}
	for _, reg := range registrations {
		if err := runner.Register(reg.spec, reg.job); err != nil {
			return nil, fmt.Errorf("register job %s: %w", reg.job.Name(), err)
		}
	}
	return runner, nil
}
