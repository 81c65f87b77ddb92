// Package domain holds the conversation aggregate and its status rules.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the conversation lifecycle state.
type Status string

const (
	// StatusActive means the AI agent owns the conversation and may send replies.
	StatusActive Status = "active"
	// StatusHandedOver means a human owns the conversation; terminal for AI
	// authorship, not for human activity.
	StatusHandedOver Status = "handed_over"
	// StatusClosed is terminal.
	StatusClosed Status = "closed"
)

// CanSendReply reports whether the AI agent may still author messages.
func (s Status) CanSendReply() bool {
	return s == StatusActive
}

// CanTransitionTo reports whether the transition is legal. Informational
// events never change status; this covers content-driven and operator
// transitions only.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusActive:
		return target == StatusHandedOver || target == StatusClosed
	case StatusHandedOver:
		return target == StatusClosed
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusHandedOver, StatusClosed:
		return true
	}
	return false
}

// Conversation is one ongoing email thread between a lead and a campaign.
// Mutated exclusively through the repository's versioned writes; never
// physically deleted.
type Conversation struct {
	ID            uuid.UUID
	LeadID        uuid.UUID
	CampaignID    uuid.UUID
	AgentID       *uuid.UUID
	Status        Status
	LastMessageID *string
	MessageCount  int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Direction distinguishes lead-authored from agent-authored messages.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one email in a conversation thread.
type Message struct {
	ID                uuid.UUID
	ConversationID    uuid.UUID
	Direction         Direction
	Body              string
	DetectedIntents   []string
	ProviderMessageID string
	TemplateID        *uuid.UUID
	CreatedAt         time.Time
}
