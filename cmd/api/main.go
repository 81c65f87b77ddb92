package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dealerflow_backend/internal/campaign"
	"dealerflow_backend/internal/classifier"
	"dealerflow_backend/internal/conversation"
	"dealerflow_backend/internal/email"
	"dealerflow_backend/internal/events"
	"dealerflow_backend/internal/handover"
	apphttp "dealerflow_backend/internal/http"
	"dealerflow_backend/internal/http/router"
	"dealerflow_backend/internal/notification"
	"dealerflow_backend/internal/notification/outbox"
	"dealerflow_backend/internal/scheduler"
	"dealerflow_backend/internal/template"
	"dealerflow_backend/internal/webhook"
	"dealerflow_backend/platform/config"
	"dealerflow_backend/platform/db"
	"dealerflow_backend/platform/logger"
	"dealerflow_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, "migrations")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	replyScheduler, closeScheduler := initReplyScheduler(cfg, log)
	if closeScheduler != nil {
		defer closeScheduler()
	}

	// Redis-backed anti-replay cache when Redis is configured; the webhook
	// module falls back to its in-process cache otherwise.
	redisClient, err := scheduler.NewRedisClient(cfg)
	if err != nil {
		log.Error("failed to initialize redis client", "error", err)
		panic("failed to initialize redis client: " + err.Error())
	}

	sender := email.NewSender(cfg, log)

	// Shared validator instance for dependency injection
	val := validator.New()

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	criteriaDefaults, err := handover.LoadDefaults(cfg.GetHandoverCriteriaPath())
	if err != nil {
		log.Error("failed to load handover criteria defaults", "error", err)
		panic("failed to load handover criteria defaults: " + err.Error())
	}
	campaignRepo := campaign.New(pool, criteriaDefaults)

	templateModule := template.NewModule(pool, eventBus, log)

	intentClassifier := initClassifier(cfg, log)

	conversationModule := conversation.NewModule(
		pool,
		campaignRepo,
		templateModule.Service(),
		intentClassifier,
		sender,
		replyScheduler,
		eventBus,
		log,
		cfg.GetReplyDelay(),
	)

	webhookModule, err := webhook.NewModule(ctx, cfg, cfg, redisClient, conversationModule.Service(), eventBus, val, log)
	if err != nil {
		log.Error("failed to initialize webhook module", "error", err)
		panic("failed to initialize webhook module: " + err.Error())
	}

	// Notification service subscribes to handover events (not HTTP-facing)
	notificationService := notification.NewService(outbox.New(pool), sender, log)
	notificationService.Subscribe(eventBus)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			webhookModule,
			conversationModule,
			templateModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// initReplyScheduler builds the asynq client used to defer AI replies. Without
// Redis the returned client is nil and scheduling becomes a no-op, which keeps
// local development workable.
func initReplyScheduler(cfg config.SchedulerConfig, log *logger.Logger) (*scheduler.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; scheduled replies disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize reply scheduler client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

// initClassifier wires the intent classifier. The fallback chain degrades to
// no detected intents when the external model is unreachable, so keyword and
// volume triggers keep working.
func initClassifier(cfg config.ClassifierConfig, log *logger.Logger) classifier.Classifier {
	if !cfg.IsClassifierEnabled() {
		log.Warn("CLASSIFIER_API_KEY not configured; intent detection disabled")
		return classifier.Noop{}
	}
	return classifier.NewFallbackChain(log, classifier.NewOpenAIClassifier(cfg))
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
