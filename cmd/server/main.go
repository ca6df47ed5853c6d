/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, environment)
  2. Open the record store (SQLite, PostgreSQL or memory)
  3. Build the payment processor and notification sender
  4. Wire billing, statements and the automation orchestrator
  5. Configure HTTP router and the optional cron trigger
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: $DUES_CONFIG, else built-in defaults)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the cron trigger and wait for a running daily pass
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close database connection

EXAMPLES:
  # Local run on SQLite with the sandbox processor
  ./server

  # PostgreSQL with the daily trigger at 05:30
  DUES_DB_DRIVER=postgres DUES_DB_DSN=postgres://... DUES_CRON="30 5 * * *" ./server

SEE ALSO:
  - config/config.go: All settings and environment overrides
  - api/server.go: Router configuration
  - automation/orchestrator.go: Daily automation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/automation"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/logger"
	"github.com/warp/dues-engine/metrics"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/memory"
	"github.com/warp/dues-engine/store/sqldb"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level)

	// Initialize store
	store, err := openStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to initialize database")
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	metrics.Init(nil)

	// Collaborators
	processor, err := newProcessor(cfg.Processor, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize payment processor")
	}
	sender, err := newSender(cfg.Notifications, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize notification sender")
	}
	dispatcher := notify.NewDispatcher(sender, cfg.Notifications.Timeout, log)

	// Domain
	balances, err := ledger.NewCachedBalances(ledger.NewBalanceCalculator(store, store), cfg.Cache.BalanceSize, cfg.Cache.BalanceTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize balance cache")
	}
	svc := billing.NewService(store, processor, dispatcher,
		billing.WithConcurrency(cfg.Automation.Concurrency),
		billing.WithItemTimeout(cfg.Automation.ItemTimeout),
		billing.WithLogger(log),
		billing.WithBalanceInvalidator(balances.Invalidate),
	)
	statements := ledger.NewStatementGenerator(store, balances)
	orchestrator := automation.NewOrchestrator(store, svc, dispatcher, statements, automation.WithLogger(log))

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Billing:    svc,
		Automation: orchestrator,
		Balances:   balances,
		Statements: statements,
		Log:        log,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		JWTSecret:   cfg.Auth.JWTSecret,
	})

	// Daily trigger
	scheduler, err := api.NewAutomationScheduler(orchestrator, api.SchedulerConfig{
		Schedule: cfg.Automation.Cron,
		Enabled:  cfg.Automation.CronEnabled,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize scheduler")
	}
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}
	log.Info().Msg("server stopped")
}

func openStore(cfg config.DatabaseConfig) (ledger.TxStore, error) {
	if cfg.Driver == config.DriverMemory {
		return memory.New(), nil
	}
	return sqldb.Open(cfg.Driver, cfg.DSN)
}

// newProcessor uses the sandbox when no processor URL is configured.
func newProcessor(cfg config.ProcessorConfig, log zerolog.Logger) (billing.PaymentProcessor, error) {
	if cfg.BaseURL == "" {
		log.Warn().Msg("no processor configured, charges go to the sandbox")
		return gateway.NewSandbox(0)
	}
	return gateway.NewHTTPProcessor(gateway.ProcessorConfig{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Currency: cfg.Currency,
		Timeout:  cfg.Timeout,
	})
}

// newSender logs messages when no relay is configured.
func newSender(cfg config.NotificationsConfig, log zerolog.Logger) (notify.Sender, error) {
	if cfg.WebhookURL == "" {
		return gateway.NewLogSender(log), nil
	}
	return gateway.NewWebhookSender(gateway.WebhookConfig{
		URL:     cfg.WebhookURL,
		Token:   cfg.WebhookToken,
		Timeout: cfg.Timeout,
	})
}
