package template

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCampaignNotFound means the campaign has no template rows at all.
var ErrCampaignNotFound = errors.New("campaign not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByCampaign returns a campaign's variants in creation order.
func (r *Repository) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]Variant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, sent_count, open_count, is_winner
		FROM templates
		WHERE campaign_id = $1
		ORDER BY created_at ASC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := make([]Variant, 0)
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.Name, &v.SentCount, &v.OpenCount, &v.IsWinner); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// RecordSend increments a variant's send counter.
func (r *Repository) RecordSend(ctx context.Context, templateID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE templates
		SET sent_count = sent_count + 1, updated_at = now()
		WHERE id = $1
	`, templateID)
	return err
}

// RecordDelivered increments a variant's delivery counter.
func (r *Repository) RecordDelivered(ctx context.Context, templateID uuid.UUID) error {
	return r.bump(ctx, templateID, "delivered_count")
}

// RecordOpen increments a variant's open counter. The guard keeps
// open_count <= sent_count even if a provider re-reports opens.
func (r *Repository) RecordOpen(ctx context.Context, templateID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE templates
		SET open_count = open_count + 1, updated_at = now()
		WHERE id = $1 AND open_count < sent_count
	`, templateID)
	return err
}

// RecordClick increments a variant's click counter.
func (r *Repository) RecordClick(ctx context.Context, templateID uuid.UUID) error {
	return r.bump(ctx, templateID, "click_count")
}

// RecordBounce increments a variant's bounce counter.
func (r *Repository) RecordBounce(ctx context.Context, templateID uuid.UUID) error {
	return r.bump(ctx, templateID, "bounce_count")
}

func (r *Repository) bump(ctx context.Context, templateID uuid.UUID, column string) error {
	// column comes from a fixed internal set, never caller input.
	query := fmt.Sprintf(`UPDATE templates SET %s = %s + 1, updated_at = now() WHERE id = $1`, column, column)
	_, err := r.pool.Exec(ctx, query, templateID)
	return err
}

// SetWinner promotes one variant, demoting any previous winner in the same
// transaction so the one-winner-per-campaign invariant holds.
func (r *Repository) SetWinner(ctx context.Context, campaignID, templateID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE templates SET is_winner = false, updated_at = now()
		WHERE campaign_id = $1 AND is_winner = true
	`, campaignID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE templates SET is_winner = true, updated_at = now()
		WHERE id = $1 AND campaign_id = $2
	`, templateID, campaignID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}

	return tx.Commit(ctx)
}

// ResetWinner clears the winner flag for a campaign, resuming rotation.
func (r *Repository) ResetWinner(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE templates SET is_winner = false, updated_at = now()
		WHERE campaign_id = $1 AND is_winner = true
	`, campaignID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns one template's full content for sending.
func (r *Repository) Get(ctx context.Context, templateID uuid.UUID) (Template, error) {
	var t Template
	err := r.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, subject, body, sent_count, open_count, is_winner
		FROM templates
		WHERE id = $1
	`, templateID).Scan(&t.ID, &t.CampaignID, &t.Name, &t.Subject, &t.Body, &t.SentCount, &t.OpenCount, &t.IsWinner)
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

// Template is a variant with its sendable content.
type Template struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	Name       string
	Subject    string
	Body       string
	SentCount  int
	OpenCount  int
	IsWinner   bool
}
