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
	"dealerflow_backend/internal/notification"
	"dealerflow_backend/internal/notification/outbox"
	"dealerflow_backend/internal/scheduler"
	"dealerflow_backend/internal/template"
	"dealerflow_backend/platform/config"
	"dealerflow_backend/platform/db"
	"dealerflow_backend/platform/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	eventBus := events.NewInMemoryBus(log)

	sender := email.NewSender(cfg, log)

	replyClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize scheduler client", "error", err)
		panic("failed to initialize scheduler client: " + err.Error())
	}
	defer func() { _ = replyClient.Close() }()

	criteriaDefaults, err := handover.LoadDefaults(cfg.GetHandoverCriteriaPath())
	if err != nil {
		log.Error("failed to load handover criteria defaults", "error", err)
		panic("failed to load handover criteria defaults: " + err.Error())
	}
	campaignRepo := campaign.New(pool, criteriaDefaults)

	templateModule := template.NewModule(pool, eventBus, log)

	conversationModule := conversation.NewModule(
		pool,
		campaignRepo,
		templateModule.Service(),
		initClassifier(cfg, log),
		sender,
		replyClient,
		eventBus,
		log,
		cfg.GetReplyDelay(),
	)

	notificationService := notification.NewService(outbox.New(pool), sender, log)
	notificationService.Subscribe(eventBus)

	dispatcher, err := scheduler.NewHandoverOutboxDispatcher(cfg, pool, log)
	if err != nil {
		log.Error("failed to initialize handover outbox dispatcher", "error", err)
		panic("failed to initialize handover outbox dispatcher: " + err.Error())
	}
	defer func() { _ = dispatcher.Close() }()

	worker, err := scheduler.NewWorker(cfg, conversationModule.Service(), notificationService, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	log.Info("worker running", "queue", cfg.GetAsynqQueueName(), "concurrency", cfg.GetAsynqConcurrency())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	_ = g.Wait()
	log.Info("worker stopped")
}

func initClassifier(cfg config.ClassifierConfig, log *logger.Logger) classifier.Classifier {
	if !cfg.IsClassifierEnabled() {
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
