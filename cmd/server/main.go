/*
main.go - Application entry point

PURPOSE:
  Starts the co-op hours engine: loads configuration, wires the store,
  the notification outbox, the CRM client, the domain services, the cron
  scheduler and the HTTP API, then serves until interrupted.

STARTUP SEQUENCE:
  1. Load configuration (.env file, COOP_* environment, defaults)
  2. Build the structured logger
  3. Open and migrate the database
  4. Start the outbox with the configured dispatcher and CRM client
  5. Create the coop services
  6. Start the scheduler (unless disabled)
  7. Serve HTTP with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path to a .env file (default: $COOP_ENV_FILE or .env)
  -port    Overrides COOP_SERVER_PORT when non-zero

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and drain requests (30s timeout)
  2. Stop the scheduler and wait for running jobs
  3. Drain the outbox
  4. Close the database

EXAMPLES:
  # Local development against sqlite
  COOP_DATABASE_DSN=./data/coop.db ./server

  # Postgres, sending mail through SendGrid
  COOP_DATABASE_DRIVER=postgres \
  COOP_DATABASE_DSN=postgres://coop@localhost/coop?sslmode=disable \
  COOP_NOTIFY_MODE=sendgrid COOP_NOTIFY_SENDGRID_API_KEY=... ./server

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
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
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/parentcoop/hours-engine/api"
	"github.com/parentcoop/hours-engine/config"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/parentcoop/hours-engine/crm"
	"github.com/parentcoop/hours-engine/generic"
	"github.com/parentcoop/hours-engine/logging"
	"github.com/parentcoop/hours-engine/notify"
	"github.com/parentcoop/hours-engine/outbox"
	"github.com/parentcoop/hours-engine/scheduler"
	"github.com/parentcoop/hours-engine/store/sqlstore"
)

func main() {
	// Flags
	envFile := flag.String("env", config.EnvFile(), "Path to a .env file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal("Failed to load configuration", "err", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal("Failed to build logger", "err", err)
	}

	// Initialize store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("Failed to initialize database", "driver", cfg.Database.Driver, "err", err)
	}
	defer store.Close()

	// Side effects run behind the outbox
	bus := outbox.New(outbox.Config{
		Workers:   cfg.Outbox.Workers,
		QueueSize: cfg.Outbox.QueueSize,
	}, dispatcher(cfg, logger), crmClient(cfg, logger), logger)

	deps := coop.Deps{
		Store:  store,
		Clock:  generic.SystemClock{},
		Events: bus,
		Logger: logger,
	}
	directory := coop.NewDirectory(deps)
	engine := coop.NewEngine(deps)
	signups := coop.NewStateMachine(deps)
	bus.LinkContacts(directory)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			ReminderSpec: cfg.Scheduler.ReminderSpec,
			BillingSpec:  cfg.Scheduler.BillingSpec,
		}, scheduler.Deps{
			Directory: directory,
			Engine:    engine,
			Signups:   signups,
			Events:    bus,
			Clock:     deps.Clock,
			Logger:    logger,
		})
		if err != nil {
			logger.Fatal("Failed to configure scheduler", "err", err)
		}
		sched.Start()
	}

	handler := api.NewHandler(directory, engine, signups, logger)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", "addr", server.Addr, "driver", cfg.Database.Driver, "notify", cfg.Notify.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", "err", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-ctx.Done():
			logger.Warn("Scheduler jobs still running at shutdown")
		}
	}
	if err := bus.Close(ctx); err != nil {
		logger.Warn("Outbox not drained", "err", err, "dropped", bus.Dropped())
	}

	logger.Info("Server stopped")
}

func dispatcher(cfg *config.Config, logger *log.Logger) notify.Dispatcher {
	logged := notify.Logger{Log: logger.WithPrefix("notify")}
	switch cfg.Notify.Mode {
	case "webhook":
		return notify.Multi{logged, notify.NewWebhook(cfg.Notify.Webhooks.URLs(), cfg.Notify.PortalURL, logger)}
	case "sendgrid":
		sg := cfg.Notify.SendGrid
		return notify.Multi{logged, notify.NewSendGrid(sg.APIKey, sg.FromName, sg.FromAddress, cfg.Notify.PortalURL, logger)}
	default:
		return logged
	}
}

func crmClient(cfg *config.Config, logger *log.Logger) crm.Client {
	if cfg.CRM.APIKey == "" {
		logger.Info("CRM sync disabled")
		return crm.Noop{}
	}
	c := crm.NewHighLevel(cfg.CRM.APIKey, logger)
	c.LocationID = cfg.CRM.LocationID
	if cfg.CRM.BaseURL != "" {
		c.BaseURL = cfg.CRM.BaseURL
	}
	if cfg.CRM.Attempts > 0 {
		c.Attempts = cfg.CRM.Attempts
	}
	if cfg.CRM.Backoff > 0 {
		c.Backoff = cfg.CRM.Backoff
	}
	return c
}
