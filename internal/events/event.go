// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"dealerflow_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus is re-exported so modules can construct the bus without
// importing platform/events directly.
var NewInMemoryBus = events.NewInMemoryBus

// =============================================================================
// Conversation Domain Events
// =============================================================================

// InboundMessageReceived is published when a lead's reply is accepted and
// recorded on an active conversation.
type InboundMessageReceived struct {
	BaseEvent
	ConversationID uuid.UUID `json:"conversationId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	LeadID         uuid.UUID `json:"leadId"`
	MessageID      uuid.UUID `json:"messageId"`
	Body           string    `json:"body"`
}

func (e InboundMessageReceived) EventName() string { return "conversation.message.received" }

// ConversationHandedOver is published when a conversation transitions from
// active to handed_over.
type ConversationHandedOver struct {
	BaseEvent
	ConversationID uuid.UUID `json:"conversationId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	LeadID         uuid.UUID `json:"leadId"`
	Reason         string    `json:"reason"`
	MatchedIntents []string  `json:"matchedIntents,omitempty"`
	Recipients     []string  `json:"recipients"`
}

func (e ConversationHandedOver) EventName() string { return "conversation.handed_over" }

// ConversationClosed is published when an operator closes a conversation.
type ConversationClosed struct {
	BaseEvent
	ConversationID uuid.UUID `json:"conversationId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	ClosedAt       time.Time `json:"closedAt"`
}

func (e ConversationClosed) EventName() string { return "conversation.closed" }

// =============================================================================
// Template Domain Events
// =============================================================================

// TemplateWinnerPromoted is published when a campaign's A/B rotation promotes
// a statistically winning variant.
type TemplateWinnerPromoted struct {
	BaseEvent
	CampaignID uuid.UUID `json:"campaignId"`
	TemplateID uuid.UUID `json:"templateId"`
	OpenRate   float64   `json:"openRate"`
	RunnerUpID uuid.UUID `json:"runnerUpId"`
	Margin     float64   `json:"margin"`
}

func (e TemplateWinnerPromoted) EventName() string { return "template.winner.promoted" }

// =============================================================================
// Webhook Domain Events
// =============================================================================

// WebhookEventArchived is published after a raw webhook payload has been
// stored in the payload archive bucket.
type WebhookEventArchived struct {
	BaseEvent
	Digest      string `json:"digest"`
	ObjectKey   string `json:"objectKey"`
	EventKind   string `json:"eventKind"`
	Resolved    bool   `json:"resolved"`
	PayloadSize int64  `json:"payloadSize"`
}

func (e WebhookEventArchived) EventName() string { return "webhook.event.archived" }
