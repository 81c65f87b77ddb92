package template

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dealerflow_backend/internal/events"
	"dealerflow_backend/platform/logger"
)

// Service composes the rotation engine with persistence and publishes winner
// promotions.
type Service struct {
	repo   *Repository
	engine *Engine
	bus    events.Bus
	log    *logger.Logger
}

func NewService(repo *Repository, engine *Engine, bus events.Bus, log *logger.Logger) *Service {
	return &Service{repo: repo, engine: engine, bus: bus, log: log}
}

// SelectForSend picks the next variant for a campaign and returns its full
// content.
func (s *Service) SelectForSend(ctx context.Context, campaignID uuid.UUID) (Template, error) {
	variants, err := s.repo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return Template{}, fmt.Errorf("failed to list templates: %w", err)
	}

	chosen, err := s.engine.Select(variants)
	if err != nil {
		return Template{}, err
	}
	return s.repo.Get(ctx, chosen.ID)
}

// RecordSend bumps the send counter and re-runs winner detection, promoting
// a variant once its open-rate lead is statistically meaningful.
func (s *Service) RecordSend(ctx context.Context, campaignID, templateID uuid.UUID) error {
	if err := s.repo.RecordSend(ctx, templateID); err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return s.evaluateWinner(ctx, campaignID)
}

// RecordEngagement applies one informational event to a variant's counters.
// Winner detection re-runs after opens since open rates shifted.
func (s *Service) RecordEngagement(ctx context.Context, campaignID, templateID uuid.UUID, kind string) error {
	var err error
	switch kind {
	case "delivered":
		err = s.repo.RecordDelivered(ctx, templateID)
	case "opened":
		err = s.repo.RecordOpen(ctx, templateID)
	case "clicked":
		err = s.repo.RecordClick(ctx, templateID)
	case "bounced", "complained":
		err = s.repo.RecordBounce(ctx, templateID)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}

	if kind == "opened" {
		return s.evaluateWinner(ctx, campaignID)
	}
	return nil
}

func (s *Service) evaluateWinner(ctx context.Context, campaignID uuid.UUID) error {
	variants, err := s.repo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	// An existing winner stays until explicitly reset.
	for _, v := range variants {
		if v.IsWinner {
			return nil
		}
	}

	promotion := s.engine.EvaluateWinner(variants)
	if !promotion.Promoted {
		return nil
	}

	if err := s.repo.SetWinner(ctx, campaignID, promotion.WinnerID); err != nil {
		return fmt.Errorf("failed to promote winner: %w", err)
	}

	s.log.Info("template winner promoted",
		"campaignId", campaignID,
		"templateId", promotion.WinnerID,
		"openRate", promotion.OpenRate,
		"margin", promotion.Margin,
	)
	s.bus.Publish(ctx, events.TemplateWinnerPromoted{
		BaseEvent:  events.NewBaseEvent(),
		CampaignID: campaignID,
		TemplateID: promotion.WinnerID,
		OpenRate:   promotion.OpenRate,
		RunnerUpID: promotion.RunnerUpID,
		Margin:     promotion.Margin,
	})
	return nil
}

// ResetWinner clears a campaign's winner so rotation resumes.
func (s *Service) ResetWinner(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	return s.repo.ResetWinner(ctx, campaignID)
}
