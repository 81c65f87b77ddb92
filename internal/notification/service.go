// Package notification turns handover events into durable operator emails via
// the handover outbox.
package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dealerflow_backend/internal/email"
	"dealerflow_backend/internal/events"
	"dealerflow_backend/internal/notification/outbox"
	"dealerflow_backend/platform/logger"
)

const maxDispatchAttempts = 5

// Service writes one outbox row per handover recipient and, on dispatch,
// delivers the notification email.
type Service struct {
	repo   *outbox.Repository
	sender email.Sender
	log    *logger.Logger
}

func NewService(repo *outbox.Repository, sender email.Sender, log *logger.Logger) *Service {
	return &Service{repo: repo, sender: sender, log: log}
}

// Subscribe registers the handover listener on the event bus.
func (s *Service) Subscribe(bus events.Bus) {
	bus.Subscribe(events.ConversationHandedOver{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.ConversationHandedOver)
		if !ok {
			return nil
		}
		return s.RecordHandover(ctx, e)
	}))
}

// RecordHandover persists one pending outbox row per configured recipient.
// Recipients keep their configured order via run_at insertion order.
func (s *Service) RecordHandover(ctx context.Context, e events.ConversationHandedOver) error {
	for _, recipient := range e.Recipients {
		_, err := s.repo.Insert(ctx, outbox.InsertParams{
			ConversationID: e.ConversationID,
			Recipient:      recipient,
			Reason:         e.Reason,
		})
		if err != nil {
			s.log.Error("failed to record handover notification",
				"conversationId", e.ConversationID, "recipient", recipient, "error", err)
			return err
		}
	}
	return nil
}

// DispatchOutbox delivers one claimed outbox row. Transient send failures are
// returned to pending for the dispatcher to retry; rows that exhaust their
// attempts are marked failed for operator triage.
func (s *Service) DispatchOutbox(ctx context.Context, outboxID uuid.UUID) error {
	rec, err := s.repo.GetByID(ctx, outboxID)
	if err != nil {
		return err
	}
	if rec.Status == outbox.StatusSucceeded {
		return nil
	}

	if err := s.repo.MarkProcessing(ctx, rec.ID); err != nil {
		return err
	}

	msg := email.Message{
		To:       rec.Recipient,
		Subject:  "Conversation handed over to your team",
		TextBody: fmt.Sprintf("Conversation %s requires human follow-up.\n\nReason: %s\n", rec.ConversationID, rec.Reason),
	}

	if _, err := s.sender.Send(ctx, msg); err != nil {
		if rec.Attempts+1 >= maxDispatchAttempts {
			s.log.Error("handover notification exhausted retries",
				"outboxId", rec.ID, "recipient", rec.Recipient, "error", err)
			return s.repo.MarkFailed(ctx, rec.ID, err.Error())
		}
		errMsg := err.Error()
		if markErr := s.repo.MarkPending(ctx, rec.ID, &errMsg); markErr != nil {
			return markErr
		}
		return nil
	}

	return s.repo.MarkSucceeded(ctx, rec.ID)
}
