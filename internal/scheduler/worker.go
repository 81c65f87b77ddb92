package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"dealerflow_backend/platform/apperr"
	"dealerflow_backend/platform/config"
	"dealerflow_backend/platform/logger"
)

// ReplySender sends the next scheduled outbound reply for a conversation.
// Implemented by the conversation service.
type ReplySender interface {
	SendScheduledReply(ctx context.Context, conversationID uuid.UUID) error
}

// OutboxDispatcher delivers one due handover-notification outbox row.
// Implemented by the notification service.
type OutboxDispatcher interface {
	DispatchOutbox(ctx context.Context, outboxID uuid.UUID) error
}

type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	replies    ReplySender
	dispatcher OutboxDispatcher
	log        *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, replies ReplySender, dispatcher OutboxDispatcher, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:     server,
		mux:        mux,
		replies:    replies,
		dispatcher: dispatcher,
		log:        log,
	}

	mux.HandleFunc(TaskConversationReply, w.handleConversationReply)
	mux.HandleFunc(TaskHandoverOutboxDue, w.handleHandoverOutboxDue)

	return w, nil
}

func (w *Worker) handleConversationReply(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseConversationReplyPayload(task)
	if err != nil {
		return err
	}

	conversationID, err := uuid.Parse(payload.ConversationID)
	if err != nil {
		return err
	}

	err = w.replies.SendScheduledReply(ctx, conversationID)
	if err == nil {
		return nil
	}

	// A conflict means the conversation was handed over or closed while the
	// reply waited in the queue. That is a normal race, not a retryable
	// failure: drop the task.
	var domainErr *apperr.Error
	if errors.As(err, &domainErr) && domainErr.Kind == apperr.KindConflict {
		w.log.Info("scheduled reply dropped, conversation no longer active",
			"conversationId", conversationID, "reason", domainErr.Message)
		return nil
	}
	return err
}

func (w *Worker) handleHandoverOutboxDue(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseHandoverOutboxDuePayload(task)
	if err != nil {
		return err
	}

	outboxID, err := uuid.Parse(payload.OutboxID)
	if err != nil {
		return err
	}

	return w.dispatcher.DispatchOutbox(ctx, outboxID)
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
