// Package campaign provides read access to campaign configuration. The
// conversation pipeline only reads campaigns; their CRUD lives elsewhere.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealerflow_backend/internal/handover"
)

var ErrNotFound = errors.New("campaign not found")

type Campaign struct {
	ID        uuid.UUID
	Name      string
	Criteria  handover.Criteria
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Repository struct {
	pool     *pgxpool.Pool
	defaults handover.Criteria
}

// New creates the repository. defaults fill criteria fields campaigns leave
// unset.
func New(pool *pgxpool.Pool, defaults handover.Criteria) *Repository {
	return &Repository{pool: pool, defaults: defaults}
}

// Get loads a campaign with its handover criteria merged over the defaults.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Campaign, error) {
	var (
		c           Campaign
		criteriaRaw []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, handover_criteria, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &criteriaRaw, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}

	if len(criteriaRaw) > 0 {
		if err := json.Unmarshal(criteriaRaw, &c.Criteria); err != nil {
			return Campaign{}, fmt.Errorf("campaign %s has malformed handover criteria: %w", id, err)
		}
	}
	c.Criteria = c.Criteria.Merge(r.defaults)
	return c, nil
}

// GetCriteria returns just the merged handover criteria for a campaign.
func (r *Repository) GetCriteria(ctx context.Context, campaignID uuid.UUID) (handover.Criteria, error) {
	c, err := r.Get(ctx, campaignID)
	if err != nil {
		return handover.Criteria{}, err
	}
	return c.Criteria, nil
}
