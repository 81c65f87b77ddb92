// Package transport holds the conversation module's HTTP DTOs.
package transport

import (
	"time"

	"github.com/google/uuid"

	"dealerflow_backend/internal/conversation/domain"
)

type MessageResponse struct {
	ID                uuid.UUID  `json:"id"`
	Direction         string     `json:"direction"`
	Body              string     `json:"body"`
	DetectedIntents   []string   `json:"detectedIntents,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	TemplateID        *uuid.UUID `json:"templateId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type ConversationResponse struct {
	ID            uuid.UUID         `json:"id"`
	LeadID        uuid.UUID         `json:"leadId"`
	CampaignID    uuid.UUID         `json:"campaignId"`
	AgentID       *uuid.UUID        `json:"agentId,omitempty"`
	Status        string            `json:"status"`
	LastMessageID *string           `json:"lastMessageId,omitempty"`
	MessageCount  int               `json:"messageCount"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	Messages      []MessageResponse `json:"messages,omitempty"`
}

func FromConversation(conv domain.Conversation, messages []domain.Message) ConversationResponse {
	resp := ConversationResponse{
		ID:            conv.ID,
		LeadID:        conv.LeadID,
		CampaignID:    conv.CampaignID,
		AgentID:       conv.AgentID,
		Status:        string(conv.Status),
		LastMessageID: conv.LastMessageID,
		MessageCount:  conv.MessageCount,
		Version:       conv.Version,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:                m.ID,
			Direction:         string(m.Direction),
			Body:              m.Body,
			DetectedIntents:   m.DetectedIntents,
			ProviderMessageID: m.ProviderMessageID,
			TemplateID:        m.TemplateID,
			CreatedAt:         m.CreatedAt,
		})
	}
	return resp
}
