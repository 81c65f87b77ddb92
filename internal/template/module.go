package template

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealerflow_backend/internal/events"
	apphttp "dealerflow_backend/internal/http"
	"dealerflow_backend/platform/httpkit"
	"dealerflow_backend/platform/logger"
)

// Module is the template bounded context module implementing http.Module.
type Module struct {
	service *Service
}

// NewModule creates and initializes the template module.
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, log *logger.Logger) *Module {
	repo := NewRepository(pool)
	service := NewService(repo, NewEngine(), eventBus, log)
	return &Module{service: service}
}

// Service exposes the rotation service to other modules (the conversation
// reply path selects variants and records sends through it).
func (m *Module) Service() *Service {
	return m.service
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "template"
}

// RegisterRoutes mounts template routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.V1.POST("/campaigns/:id/winner/reset", m.handleResetWinner)
}

func (m *Module) handleResetWinner(c *gin.Context) {
	campaignID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid campaign id", nil)
		return
	}

	cleared, err := m.service.ResetWinner(c.Request.Context(), campaignID)
	if err != nil {
		httpkit.HandleError(c, err)
		return
	}

	httpkit.OK(c, gin.H{"campaignId": campaignID, "winnerCleared": cleared})
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
