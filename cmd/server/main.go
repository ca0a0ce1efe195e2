/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the kos booking engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, then KOS_* environment overrides)
  2. Open the SQL store (SQLite or PostgreSQL) and migrate it
  3. Connect the Redis event queue, when enabled
  4. Build the services and the API handler
  5. Start the due-soon scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML/JSON/TOML config file (optional)

ENVIRONMENT:
  Every key can be overridden, e.g. KOS_DATABASE_DRIVER=postgres,
  KOS_DATABASE_DSN=postgres://..., KOS_AUTH_JWT_SECRET=...,
  KOS_REDIS_ENABLED=true.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/api"
	"github.com/warp/kos-engine/booking"
	"github.com/warp/kos-engine/config"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/logging"
	"github.com/warp/kos-engine/notify"
	"github.com/warp/kos-engine/payment"
	"github.com/warp/kos-engine/store/sqlstore"
	"github.com/warp/kos-engine/withdrawal"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithConfig(logging.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Version: version,
	})

	// Initialize store
	store, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to initialize database")
	}
	defer store.Close()

	// Events
	events, redisClient := buildDispatcher(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	policy := cfg.Policy()
	bookings := booking.NewService(booking.Options{
		Store:  store,
		Events: events,
		Policy: policy,
		Clock:  core.SystemClock,
		Logger: logger,
	})
	payments := payment.NewTracker(payment.Options{
		Store: store,
		Gateway: payment.StubGateway{
			BaseURL: cfg.Gateway.BaseURL,
			TTL:     cfg.Gateway.TokenTTL,
			Clock:   core.SystemClock,
		},
		Events: events,
		Policy: policy,
		Clock:  core.SystemClock,
		Logger: logger,
	})
	withdrawals := withdrawal.NewWorkflow(withdrawal.Options{
		Store:  store,
		Events: events,
		Clock:  core.SystemClock,
		Logger: logger,
	})
	ledger := core.NewLedger(store, logger, core.SystemClock)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret is empty; every authenticated request will be rejected")
	}
	if cfg.Gateway.CallbackSecret == "" {
		logger.Warn().Msg("gateway.callback_secret is empty; payment callbacks will be rejected")
	}

	handler := api.NewHandler(api.HandlerOptions{
		Bookings:       bookings,
		Payments:       payments,
		Ledger:         ledger,
		Withdrawals:    withdrawals,
		CallbackSecret: cfg.Gateway.CallbackSecret,
		DueSoonWindow:  cfg.Scheduler.DueSoonWindow,
		Logger:         logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:   api.NewAuthenticator(cfg.Auth.JWTSecret),
		Logger: logger,
	})

	scheduler := api.NewDueSoonScheduler(bookings, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Window = cfg.Scheduler.DueSoonWindow
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func openStore(cfg config.DatabaseConfig) (*sqlstore.Store, error) {
	var (
		store *sqlstore.Store
		err   error
	)
	switch cfg.Driver {
	case "postgres":
		store, err = sqlstore.OpenPostgres(cfg.DSN)
	default:
		if cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		store, err = sqlstore.OpenSQLite(cfg.DSN)
	}
	if err != nil {
		return nil, err
	}

	// SQLite keeps its single connection.
	if cfg.Driver == "postgres" {
		db := store.DB()
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	return store, nil
}

// buildDispatcher always logs events and also queues them on Redis when
// enabled and reachable.
func buildDispatcher(cfg config.RedisConfig, logger zerolog.Logger) (core.Dispatcher, *redis.Client) {
	logDispatcher := notify.LogDispatcher{Logger: logger.With().Str("component", "events").Logger()}
	if !cfg.Enabled {
		return logDispatcher, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable, events will only be logged")
		client.Close()
		return logDispatcher, nil
	}

	logger.Info().Str("addr", cfg.Addr).Str("queue", cfg.Queue).Msg("queueing events on redis")
	return notify.Multi{logDispatcher, notify.NewRedisDispatcher(client, cfg.Queue)}, client
}
