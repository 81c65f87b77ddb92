// Package repository provides postgres persistence for conversations with
// optimistic versioned writes.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealerflow_backend/internal/conversation/domain"
)

var (
	// ErrNotFound means no lead/conversation could be resolved for the key.
	ErrNotFound = errors.New("conversation not found")
	// ErrVersionConflict means a versioned write lost a concurrent race.
	ErrVersionConflict = errors.New("conversation version conflict")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const conversationColumns = `id, lead_id, campaign_id, agent_id, status, last_message_id,
	message_count, version, created_at, updated_at`

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var conv domain.Conversation
	err := row.Scan(
		&conv.ID, &conv.LeadID, &conv.CampaignID, &conv.AgentID, &conv.Status,
		&conv.LastMessageID, &conv.MessageCount, &conv.Version, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, err
	}
	return conv, nil
}

// Get loads one conversation by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (domain.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id)
	return scanConversation(row)
}

// Resolve maps a (recipient, campaignHint) pair to its conversation, creating
// the conversation on first contact. The lead must already exist; an unknown
// recipient cannot be mapped and returns ErrNotFound.
func (r *Repository) Resolve(ctx context.Context, recipient, campaignHint string) (domain.Conversation, error) {
	leadID, campaignID, err := r.resolveLead(ctx, recipient, campaignHint)
	if err != nil {
		return domain.Conversation{}, err
	}

	// Get-or-create keyed on (lead, campaign). The DO UPDATE arm makes
	// RETURNING yield the existing row on conflict.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, lead_id, campaign_id, status, message_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 1, now(), now())
		ON CONFLICT (lead_id, campaign_id) DO UPDATE SET lead_id = EXCLUDED.lead_id
		RETURNING `+conversationColumns+`
	`, uuid.New(), leadID, campaignID, domain.StatusActive)
	return scanConversation(row)
}

func (r *Repository) resolveLead(ctx context.Context, recipient, campaignHint string) (uuid.UUID, uuid.UUID, error) {
	var leadID, campaignID uuid.UUID

	if hintID, err := uuid.Parse(campaignHint); err == nil {
		err := r.pool.QueryRow(ctx, `
			SELECT id, campaign_id FROM leads
			WHERE email = $1 AND campaign_id = $2
		`, recipient, hintID).Scan(&leadID, &campaignID)
		if err == nil {
			return leadID, campaignID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, err
		}
	}

	if campaignHint != "" {
		err := r.pool.QueryRow(ctx, `
			SELECT l.id, l.campaign_id
			FROM leads l
			JOIN campaigns c ON c.id = l.campaign_id
			WHERE l.email = $1 AND c.name = $2
		`, recipient, campaignHint).Scan(&leadID, &campaignID)
		if err == nil {
			return leadID, campaignID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, err
		}
	}

	// Fall back to the recipient's most recent lead.
	err := r.pool.QueryRow(ctx, `
		SELECT id, campaign_id FROM leads
		WHERE email = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, recipient).Scan(&leadID, &campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, uuid.Nil, ErrNotFound
		}
		return uuid.Nil, uuid.Nil, err
	}
	return leadID, campaignID, nil
}

// RecordEventToken durably records a webhook source token. Returns false when
// the token was already processed, making retried deliveries no-ops.
func (r *Repository) RecordEventToken(ctx context.Context, token, signatureTS string, conversationID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_event_tokens (token, signature_ts, conversation_id, accepted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token) DO NOTHING
	`, token, signatureTS, conversationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseEventToken deletes a recorded token after a failed delivery, so the
// provider's retry of the same event is not treated as already processed.
func (r *Repository) ReleaseEventToken(ctx context.Context, token string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM webhook_event_tokens WHERE token = $1
	`, token)
	return err
}

// UpdateStatus transitions a conversation with an expected-version check.
// Returns ErrVersionConflict when a concurrent writer advanced the row first.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, status domain.Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// AppendMessage records a message and advances the conversation's message
// counter and threading pointer under the expected-version guard, in one
// transaction. Returns ErrVersionConflict when a concurrent writer advanced
// the conversation first.
func (r *Repository) AppendMessage(ctx context.Context, conv domain.Conversation, msg domain.Message) (domain.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
		    last_message_id = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2
	`, conv.ID, conv.Version, msg.ProviderMessageID)
	if err != nil {
		return domain.Message{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Message{}, ErrVersionConflict
	}

	msg.ID = uuid.New()
	msg.ConversationID = conv.ID
	msg.CreatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, direction, body, detected_intents, provider_message_id, template_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.ConversationID, msg.Direction, msg.Body, msg.DetectedIntents, msg.ProviderMessageID, msg.TemplateID, msg.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// GetLeadEmail returns the email address behind a conversation's lead.
func (r *Repository) GetLeadEmail(ctx context.Context, leadID uuid.UUID) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, `SELECT email FROM leads WHERE id = $1`, leadID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return email, nil
}

// TouchInformational applies a delivery/open/click notification: threading and
// activity bookkeeping only, status untouched. Missing provider message ids
// are tolerated.
func (r *Repository) TouchInformational(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = COALESCE(NULLIF($2, ''), last_message_id),
		    updated_at = now()
		WHERE id = $1
	`, id, providerMessageID)
	return err
}

// FindOutboundTemplate returns the template variant behind a previously sent
// message, for engagement counter attribution. ok is false when the provider
// message id does not match a recorded outbound send.
func (r *Repository) FindOutboundTemplate(ctx context.Context, conversationID uuid.UUID, providerMessageID string) (uuid.UUID, bool, error) {
	if providerMessageID == "" {
		return uuid.Nil, false, nil
	}
	var templateID *uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT template_id FROM conversation_messages
		WHERE conversation_id = $1 AND provider_message_id = $2 AND direction = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, conversationID, providerMessageID, domain.DirectionOutbound).Scan(&templateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	if templateID == nil {
		return uuid.Nil, false, nil
	}
	return *templateID, true, nil
}

// ListMessages returns a conversation's messages oldest-first.
func (r *Repository) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, direction, body, detected_intents, provider_message_id, template_id, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Body, &msg.DetectedIntents, &msg.ProviderMessageID, &msg.TemplateID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
