package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm/logger"

	"github.com/akmatori/alertflow/internal/alerts"
	"github.com/akmatori/alertflow/internal/alerts/adapters"
	"github.com/akmatori/alertflow/internal/config"
	"github.com/akmatori/alertflow/internal/correlation"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/escalation"
	"github.com/akmatori/alertflow/internal/events"
	"github.com/akmatori/alertflow/internal/handlers"
	"github.com/akmatori/alertflow/internal/incidents"
	"github.com/akmatori/alertflow/internal/jobs"
	"github.com/akmatori/alertflow/internal/lifecycle"
	"github.com/akmatori/alertflow/internal/metrics"
	"github.com/akmatori/alertflow/internal/middleware"
	"github.com/akmatori/alertflow/internal/notify"
	"github.com/akmatori/alertflow/internal/pipeline"
	"github.com/akmatori/alertflow/internal/rules"
	slackutil "github.com/akmatori/alertflow/internal/slack"
	"github.com/akmatori/alertflow/internal/suppression"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting alertflow %s...", handlers.Version)

	if err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL, sqlLogLevel(cfg.SQLLogLevel)); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := database.DB

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// The stored row wins over the environment seeds once it exists
	settings, err := database.GetOrCreateCorrelationSettings(db, cfg.Correlation)
	if err != nil {
		log.Fatalf("Failed to load correlation settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bus := events.NewBus()
	store := lifecycle.NewStore(db, bus)

	sup, err := suppression.NewManager(db, store)
	if err != nil {
		log.Fatalf("Failed to initialize suppression manager: %v", err)
	}

	policy := escalation.Policy{Periods: cfg.EscalationPeriods, Cap: cfg.EscalationCap}
	incidentManager := incidents.NewManager(db, store, bus, policy)
	incidentManager.SetMinConfidence(settings.IncidentConfidence)

	correlator := correlation.New(db, store, bus, correlation.Options{
		Settings: settings,
		Patterns: cfg.CorrelationPatterns,
	})

	evaluator := rules.NewEvaluator(cfg.EvaluatorWorkers)

	// Chat delivery reads its settings on every (re)start so SIGHUP picks up
	// a rotated token from the environment or .env file
	slackManager := slackutil.NewManager(func() slackutil.Settings {
		return slackutil.Settings{
			BotToken: getEnvOrDefault("SLACK_BOT_TOKEN", cfg.SlackBotToken),
			Channel:  getEnvOrDefault("SLACK_CHANNEL", cfg.SlackChannel),
		}
	})
	if err := slackManager.Start(); err != nil {
		log.Printf("Warning: Failed to start Slack: %v", err)
	}
	go slackManager.WatchForReloads(ctx)

	hub := notify.NewHub()
	channels := buildChannels(cfg, hub, slackManager)

	dispatcher := notify.New(db, bus, channels, notify.Options{
		Backoff: notify.Backoff{Base: cfg.RetryBase, Factor: cfg.RetryFactor, Max: cfg.RetryMax},
		Cap:     cfg.AttemptCap,
		Observe: m.ObserveDelivery,
	})
	log.Printf("Notification channels: %v", dispatcher.Channels())

	pipe := pipeline.New(db, bus, pipeline.Stages{
		Evaluator:   evaluator,
		Store:       store,
		Suppression: sup,
		Correlator:  correlator,
		Incidents:   incidentManager,
		Dispatcher:  dispatcher,
		Metrics:     m,
	}, pipeline.Options{
		QueueSize:       cfg.QueueSize,
		OverflowSize:    cfg.OverflowSize,
		Workers:         cfg.EvaluatorWorkers,
		IncidentWorkers: cfg.IncidentWorkers,
		StoreRetryBase:  cfg.StoreRetryBase,
		StoreRetryMax:   cfg.StoreRetryMax,
		StaleAfter:      cfg.StaleSeriesAfter,
	})

	// Rule, suppression and topology definitions, hot reloaded
	loader := rules.NewLoader(cfg.DefinitionsPath, func(defs *rules.Definitions, rs *rules.RuleSet) {
		evaluator.Swap(rs)
		correlator.SetTopology(correlation.NewTopology(defs.Topology))

		now := time.Now()
		rulesFromFile := make([]database.SuppressionRule, 0, len(defs.Suppressions))
		for _, d := range defs.Suppressions {
			rulesFromFile = append(rulesFromFile, d.Rule(now))
		}
		suppressed, err := sup.Upsert(rulesFromFile)
		if err != nil {
			log.Printf("Warning: Failed to apply suppression definitions: %v", err)
			return
		}
		if len(suppressed) > 0 {
			log.Printf("Suppression definitions suppressed %d active alerts", len(suppressed))
		}
	}, nil)
	if err := loader.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load definitions: %v", err)
		}
		log.Printf("Warning: no definitions file at %s, starting with an empty rule set", cfg.DefinitionsPath)
	}
	if err := loader.Watch(ctx); err != nil {
		log.Printf("Warning: definitions hot reload disabled: %v", err)
	}

	// Alerts still visible from before a restart rejoin the correlation window
	if _, err := correlator.Recover(); err != nil {
		log.Printf("Warning: Failed to recover correlation window: %v", err)
	}

	hub.Feed(ctx, bus)

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- pipe.Start(ctx)
	}()

	refresher := jobs.NewSettingsRefresher(db, correlator, incidentManager)
	scheduler := jobs.NewScheduler(m,
		jobs.EscalationTask(escalation.NewEngine(store, policy), incidentManager),
		jobs.SuppressionExpiryTask(sup, pipe.Reactivated),
		jobs.Task{Name: "stale_sweep", Run: pipe.SweepStale},
		jobs.DeliveryRetryTask(dispatcher),
		jobs.RetentionTask(store, cfg.CloseGrace),
		refresher.Task(),
	)
	go scheduler.Start(ctx, cfg.ScanInterval)

	// Webhook ingestion from external monitoring systems
	alertHandler := handlers.NewAlertHandler(
		alerts.NewRegistry(adapters.NewAlertmanagerAdapter(), adapters.NewGrafanaAdapter()),
		pipe,
		cfg.IngestSecrets,
	)

	httpHandler := handlers.NewHTTPHandler(alertHandler)
	httpHandler.SetEventStream(hub)
	httpHandler.SetMetrics(m.Handler())
	httpHandler.SetChannels(dispatcher.Channels)

	apiHandler := handlers.NewAPIHandler(store, sup, incidentManager, pipe)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)

	corsMiddleware := middleware.NewCORSMiddleware(cfg.CORSOrigins...)
	handler := middleware.RequestIDMiddleware(middleware.AccessLogMiddleware(corsMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Alert webhook endpoint: http://localhost:%d/webhook/alert/{source_type}", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				log.Println("Received SIGHUP, reloading definitions and chat settings")
				_ = godotenv.Overload()
				if err := loader.Load(); err != nil {
					log.Printf("Warning: definitions reload failed, keeping previous snapshot: %v", err)
				}
				slackManager.TriggerReload()
				continue
			}
			log.Println("Received shutdown signal, cleaning up...")
		case err := <-pipelineDone:
			log.Printf("Pipeline stopped unexpectedly: %v", err)
			pipelineDone = nil
		}
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	cancel()
	if pipelineDone != nil {
		select {
		case err := <-pipelineDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Pipeline error: %v", err)
			}
		case <-shutdownCtx.Done():
			log.Println("Warning: pipeline did not stop in time")
		}
	}
	hub.Close()
	slackManager.Stop()

	log.Println("Shutdown complete")
}

// buildChannels returns the configured delivery channels, each behind a
// circuit breaker. The realtime stream is always available.
func buildChannels(cfg *config.Config, hub *notify.Hub, slackManager *slackutil.Manager) []notify.Channel {
	breaker := notify.DefaultBreakerSettings()
	channels := []notify.Channel{notify.WithBreaker(hub, breaker)}

	if cfg.SlackBotToken != "" {
		channels = append(channels, notify.WithBreaker(notify.NewChat(slackManager, cfg.SlackRatePerMinute), breaker))
	}
	if cfg.SMTPAddr != "" && len(cfg.EmailRecipients) > 0 {
		channels = append(channels, notify.WithBreaker(notify.NewEmail(notify.EmailConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       cfg.EmailRecipients,
		}), breaker))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.WithBreaker(notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret), breaker))
	}
	return channels
}

func sqlLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
