// Package service orchestrates conversation state: applying normalized
// webhook events, evaluating handover, and sending scheduled replies.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dealerflow_backend/internal/classifier"
	"dealerflow_backend/internal/conversation/domain"
	"dealerflow_backend/internal/conversation/repository"
	"dealerflow_backend/internal/email"
	"dealerflow_backend/internal/events"
	"dealerflow_backend/internal/handover"
	"dealerflow_backend/internal/scheduler"
	"dealerflow_backend/internal/template"
	"dealerflow_backend/internal/webhook"
	"dealerflow_backend/platform/apperr"
	"dealerflow_backend/platform/logger"
)

// conflictRetries is how often a versioned write is retried after losing a
// concurrent race before the conflict is surfaced to the caller.
const conflictRetries = 3

// ConversationStore is the persistence surface the service needs. Implemented
// by the conversation repository.
type ConversationStore interface {
	Resolve(ctx context.Context, recipient, campaignHint string) (domain.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Conversation, error)
	RecordEventToken(ctx context.Context, token, signatureTS string, conversationID uuid.UUID) (bool, error)
	ReleaseEventToken(ctx context.Context, token string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, status domain.Status) error
	AppendMessage(ctx context.Context, conv domain.Conversation, msg domain.Message) (domain.Message, error)
	TouchInformational(ctx context.Context, id uuid.UUID, providerMessageID string) error
	FindOutboundTemplate(ctx context.Context, conversationID uuid.UUID, providerMessageID string) (uuid.UUID, bool, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]domain.Message, error)
	GetLeadEmail(ctx context.Context, leadID uuid.UUID) (string, error)
}

// CriteriaProvider loads a campaign's handover criteria.
type CriteriaProvider interface {
	GetCriteria(ctx context.Context, campaignID uuid.UUID) (handover.Criteria, error)
}

// TemplateRotator is the template module surface the reply path uses.
type TemplateRotator interface {
	SelectForSend(ctx context.Context, campaignID uuid.UUID) (template.Template, error)
	RecordSend(ctx context.Context, campaignID, templateID uuid.UUID) error
	RecordEngagement(ctx context.Context, campaignID, templateID uuid.UUID, kind string) error
}

type Service struct {
	repo       ConversationStore
	campaigns  CriteriaProvider
	templates  TemplateRotator
	classifier classifier.Classifier
	sender     email.Sender
	scheduler  scheduler.ReplyScheduler
	bus        events.Bus
	log        *logger.Logger
	replyDelay time.Duration
	now        func() time.Time
}

func New(
	repo ConversationStore,
	campaigns CriteriaProvider,
	templates TemplateRotator,
	intentClassifier classifier.Classifier,
	sender email.Sender,
	replyScheduler scheduler.ReplyScheduler,
	bus events.Bus,
	log *logger.Logger,
	replyDelay time.Duration,
) *Service {
	return &Service{
		repo:       repo,
		campaigns:  campaigns,
		templates:  templates,
		classifier: intentClassifier,
		sender:     sender,
		scheduler:  replyScheduler,
		bus:        bus,
		log:        log,
		replyDelay: replyDelay,
		now:        time.Now,
	}
}

// ProcessEvent applies one normalized, authenticated webhook event. It is the
// single entry point for all webhook-driven state changes.
func (s *Service) ProcessEvent(ctx context.Context, ev webhook.InboundEvent) (webhook.ProcessResult, error) {
	conv, err := s.repo.Resolve(ctx, ev.Recipient, ev.CampaignHint)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return webhook.ProcessResult{}, apperr.NotFound("no conversation could be resolved for recipient")
		}
		return webhook.ProcessResult{}, err
	}

	// Durable per-token idempotence. Replays that slipped past the gateway's
	// cache (restart, other instance) become no-ops here.
	fresh, err := s.repo.RecordEventToken(ctx, ev.SourceToken, strconv.FormatInt(ev.OccurredAt.Unix(), 10), conv.ID)
	if err != nil {
		return webhook.ProcessResult{}, err
	}
	if !fresh {
		return webhook.ProcessResult{
			ConversationID: conv.ID,
			Status:         string(conv.Status),
			Idempotent:     true,
		}, nil
	}

	var result webhook.ProcessResult
	if ev.Kind.IsInformational() {
		result, err = s.applyInformational(ctx, conv, ev)
	} else {
		result, err = s.applyInboundMessage(ctx, conv, ev)
	}
	if err != nil {
		// The token stands for a delivery we applied. Releasing it on failure
		// lets the provider's retry of the same event go through instead of
		// bouncing off a token for work that never happened.
		if relErr := s.repo.ReleaseEventToken(ctx, ev.SourceToken); relErr != nil {
			s.log.Error("failed to release event token after failed delivery",
				"conversationId", conv.ID, "error", relErr)
		}
		return webhook.ProcessResult{}, err
	}
	return result, nil
}

// applyInformational updates activity bookkeeping and engagement counters.
// Informational events never touch status, whatever order they arrive in.
func (s *Service) applyInformational(ctx context.Context, conv domain.Conversation, ev webhook.InboundEvent) (webhook.ProcessResult, error) {
	if err := s.repo.TouchInformational(ctx, conv.ID, ev.ProviderMessageID); err != nil {
		return webhook.ProcessResult{}, err
	}

	// Engagement counters only attribute to sends we recorded ourselves,
	// which keeps open counts below send counts.
	templateID, ok, err := s.repo.FindOutboundTemplate(ctx, conv.ID, ev.ProviderMessageID)
	if err != nil {
		return webhook.ProcessResult{}, err
	}
	if ok {
		if err := s.templates.RecordEngagement(ctx, conv.CampaignID, templateID, string(ev.Kind)); err != nil {
			s.log.Error("failed to record template engagement",
				"conversationId", conv.ID, "templateId", templateID, "kind", ev.Kind, "error", err)
		}
	}

	return webhook.ProcessResult{
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	}, nil
}

// applyInboundMessage records a lead reply and, on active conversations,
// evaluates handover and schedules the next AI reply.
func (s *Service) applyInboundMessage(ctx context.Context, conv domain.Conversation, ev webhook.InboundEvent) (webhook.ProcessResult, error) {
	intents := s.classifyIntents(ctx, ev.Message.Body)

	msg := domain.Message{
		Direction:         domain.DirectionInbound,
		Body:              ev.Message.Body,
		DetectedIntents:   intents,
		ProviderMessageID: ev.ProviderMessageID,
	}

	conv, _, err := s.appendWithRetry(ctx, conv, msg)
	if err != nil {
		return webhook.ProcessResult{}, err
	}

	result := webhook.ProcessResult{
		ConversationID: conv.ID,
		Status:         string(conv.Status),
	}

	// Messages on handed_over or closed conversations are recorded for the
	// humans now running the thread; the AI never re-engages.
	if !conv.Status.CanSendReply() {
		return result, nil
	}

	decision, criteria, err := s.evaluateHandover(ctx, conv, intents)
	if err != nil {
		return webhook.ProcessResult{}, err
	}

	if decision.Triggered {
		conv, err = s.handOver(ctx, conv, decision, criteria)
		if err != nil {
			return webhook.ProcessResult{}, err
		}
		result.Status = string(conv.Status)
		result.HandedOver = true
		return result, nil
	}

	if err := s.scheduler.ScheduleConversationReply(ctx, scheduler.ConversationReplyPayload{
		ConversationID: conv.ID.String(),
	}, s.replyDelay); err != nil {
		s.log.Error("failed to schedule reply", "conversationId", conv.ID, "error", err)
	}

	s.bus.Publish(ctx, events.InboundMessageReceived{
		BaseEvent:      events.NewBaseEvent(),
		ConversationID: conv.ID,
		CampaignID:     conv.CampaignID,
		LeadID:         conv.LeadID,
		Body:           ev.Message.Body,
	})
	return result, nil
}

// classifyIntents calls the external classifier. Failures degrade to no
// intents detected so keyword, volume, and score triggers still run.
func (s *Service) classifyIntents(ctx context.Context, body string) []string {
	intents, err := s.classifier.Classify(ctx, body)
	if err != nil {
		s.log.Warn("intent classifier unavailable, degrading to no intents", "error", err)
		return nil
	}
	return intents
}

// appendWithRetry applies the message under optimistic versioning, re-reading
// and retrying when a concurrent delivery advanced the conversation first.
func (s *Service) appendWithRetry(ctx context.Context, conv domain.Conversation, msg domain.Message) (domain.Conversation, domain.Message, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		stored, err := s.repo.AppendMessage(ctx, conv, msg)
		if err == nil {
			conv.Version++
			conv.MessageCount++
			if msg.ProviderMessageID != "" {
				conv.LastMessageID = &msg.ProviderMessageID
			}
			return conv, stored, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.Conversation{}, domain.Message{}, err
		}
		lastErr = err

		conv, err = s.repo.Get(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, domain.Message{}, err
		}
	}
	return domain.Conversation{}, domain.Message{}, apperr.Wrap(apperr.KindConflict, "conversation is being updated concurrently", lastErr)
}

// reserveReply claims the conversation version, so a worker that loses the
// race to a concurrent handover bails out before the email leaves the
// process. The status write is a no-op transition; only the version moves.
func (s *Service) reserveReply(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if !conv.Status.CanSendReply() {
			return domain.Conversation{}, apperr.Conflict("conversation is no longer active")
		}

		err := s.repo.UpdateStatus(ctx, conv.ID, conv.Version, domain.StatusActive)
		if err == nil {
			conv.Version++
			return conv, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.Conversation{}, err
		}

		conv, err = s.repo.Get(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
	}
	return domain.Conversation{}, apperr.Conflict("conversation is being updated concurrently")
}

// appendReply records the outbound message under optimistic versioning.
// Unlike appendWithRetry it re-checks status after every conflict re-read:
// the AI never writes into a thread humans have taken over, so a handover
// that lands between send and append surfaces a conflict instead of being
// retried past.
func (s *Service) appendReply(ctx context.Context, conv domain.Conversation, msg domain.Message) (domain.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		_, err := s.repo.AppendMessage(ctx, conv, msg)
		if err == nil {
			conv.Version++
			conv.MessageCount++
			if msg.ProviderMessageID != "" {
				conv.LastMessageID = &msg.ProviderMessageID
			}
			return conv, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.Conversation{}, err
		}
		lastErr = err

		conv, err = s.repo.Get(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
		if !conv.Status.CanSendReply() {
			return domain.Conversation{}, apperr.Conflict("conversation is no longer active")
		}
	}
	return domain.Conversation{}, apperr.Wrap(apperr.KindConflict, "conversation is being updated concurrently", lastErr)
}

func (s *Service) evaluateHandover(ctx context.Context, conv domain.Conversation, latestIntents []string) (handover.Decision, handover.Criteria, error) {
	criteria, err := s.campaigns.GetCriteria(ctx, conv.CampaignID)
	if err != nil {
		return handover.Decision{}, handover.Criteria{}, err
	}

	messages, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return handover.Decision{}, handover.Criteria{}, err
	}

	bodies := make([]string, 0, len(messages))
	intents := make([]string, 0, len(latestIntents))
	intents = append(intents, latestIntents...)
	for _, m := range messages {
		if m.Direction != domain.DirectionInbound {
			continue
		}
		bodies = append(bodies, m.Body)
		intents = append(intents, m.DetectedIntents...)
	}

	decision := handover.Evaluate(handover.Input{
		MessageBodies:   bodies,
		DetectedIntents: intents,
		MessageCount:    conv.MessageCount,
		StartedAt:       conv.CreatedAt,
		Scores:          handover.ScoreConversation(bodies, intents, criteria),
	}, criteria, s.now())

	return decision, criteria, nil
}

// handOver transitions the conversation to handed_over and announces it. A
// version conflict means another worker already advanced the conversation;
// re-reading settles who won.
func (s *Service) handOver(ctx context.Context, conv domain.Conversation, decision handover.Decision, criteria handover.Criteria) (domain.Conversation, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err := s.repo.UpdateStatus(ctx, conv.ID, conv.Version, domain.StatusHandedOver)
		if err == nil {
			conv.Status = domain.StatusHandedOver
			conv.Version++

			s.log.Info("conversation handed over",
				"conversationId", conv.ID, "reason", decision.Reason)
			s.bus.Publish(ctx, events.ConversationHandedOver{
				BaseEvent:      events.NewBaseEvent(),
				ConversationID: conv.ID,
				CampaignID:     conv.CampaignID,
				LeadID:         conv.LeadID,
				Reason:         decision.Reason,
				MatchedIntents: decision.MatchedIntents,
				Recipients:     criteria.Recipients,
			})
			return conv, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.Conversation{}, err
		}

		conv, err = s.repo.Get(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
		if conv.Status != domain.StatusActive {
			// Someone else already took it out of AI hands.
			return conv, nil
		}
	}
	return domain.Conversation{}, apperr.Conflict("conversation is being updated concurrently")
}

// SendScheduledReply sends the next AI-authored reply for a conversation, if
// it is still active. Called from the background worker.
func (s *Service) SendScheduledReply(ctx context.Context, conversationID uuid.UUID) error {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("conversation not found")
		}
		return err
	}
	conv, err = s.reserveReply(ctx, conv)
	if err != nil {
		return err
	}

	tmpl, err := s.templates.SelectForSend(ctx, conv.CampaignID)
	if err != nil {
		return err
	}

	recipient, err := s.repo.GetLeadEmail(ctx, conv.LeadID)
	if err != nil {
		return err
	}

	var inReplyTo string
	if conv.LastMessageID != nil {
		inReplyTo = *conv.LastMessageID
	}
	providerMessageID, err := s.sender.Send(ctx, email.Message{
		To:        recipient,
		Subject:   tmpl.Subject,
		HTMLBody:  tmpl.Body,
		InReplyTo: inReplyTo,
	})
	if err != nil {
		return err
	}

	templateID := tmpl.ID
	if _, err = s.appendReply(ctx, conv, domain.Message{
		Direction:         domain.DirectionOutbound,
		Body:              tmpl.Body,
		ProviderMessageID: providerMessageID,
		TemplateID:        &templateID,
	}); err != nil {
		return err
	}

	if err := s.templates.RecordSend(ctx, conv.CampaignID, tmpl.ID); err != nil {
		s.log.Error("failed to record template send",
			"conversationId", conv.ID, "templateId", tmpl.ID, "error", err)
	}
	return nil
}

// Close moves a conversation to closed by operator action. Closing an already
// closed conversation is an idempotent no-op.
func (s *Service) Close(ctx context.Context, conversationID uuid.UUID) (domain.Conversation, error) {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Conversation{}, apperr.NotFound("conversation not found")
		}
		return domain.Conversation{}, err
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		if conv.Status == domain.StatusClosed {
			return conv, nil
		}

		err := s.repo.UpdateStatus(ctx, conv.ID, conv.Version, domain.StatusClosed)
		if err == nil {
			conv.Status = domain.StatusClosed
			conv.Version++
			s.bus.Publish(ctx, events.ConversationClosed{
				BaseEvent:      events.NewBaseEvent(),
				ConversationID: conv.ID,
				CampaignID:     conv.CampaignID,
				ClosedAt:       s.now().UTC(),
			})
			return conv, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return domain.Conversation{}, err
		}

		conv, err = s.repo.Get(ctx, conv.ID)
		if err != nil {
			return domain.Conversation{}, err
		}
	}
	return domain.Conversation{}, apperr.Conflict("conversation is being updated concurrently")
}

// Get loads one conversation with its messages for triage views.
func (s *Service) Get(ctx context.Context, conversationID uuid.UUID) (domain.Conversation, []domain.Message, error) {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Conversation{}, nil, apperr.NotFound("conversation not found")
		}
		return domain.Conversation{}, nil, err
	}
	messages, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	return conv, messages, nil
}

// Compile-time checks for the collaborator interfaces this service fulfils.
var (
	_ webhook.EventProcessor = (*Service)(nil)
	_ scheduler.ReplySender  = (*Service)(nil)
)
