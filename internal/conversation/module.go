// Package conversation provides the conversation bounded context module: the
// state machine behind every webhook event and scheduled reply.
package conversation

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealerflow_backend/internal/campaign"
	"dealerflow_backend/internal/classifier"
	"dealerflow_backend/internal/conversation/handler"
	"dealerflow_backend/internal/conversation/repository"
	"dealerflow_backend/internal/conversation/service"
	"dealerflow_backend/internal/email"
	"dealerflow_backend/internal/events"
	apphttp "dealerflow_backend/internal/http"
	"dealerflow_backend/internal/scheduler"
	"dealerflow_backend/internal/template"
	"dealerflow_backend/platform/logger"
)

// Module is the conversation bounded context module implementing http.Module.
type Module struct {
	handler *handler.Handler
	service *service.Service
}

// NewModule creates and initializes the conversation module with all its
// dependencies.
func NewModule(
	pool *pgxpool.Pool,
	campaigns *campaign.Repository,
	templates *template.Service,
	intentClassifier classifier.Classifier,
	sender email.Sender,
	replyScheduler scheduler.ReplyScheduler,
	eventBus events.Bus,
	log *logger.Logger,
	replyDelay time.Duration,
) *Module {
	repo := repository.New(pool)
	svc := service.New(repo, campaigns, templates, intentClassifier, sender, replyScheduler, eventBus, log, replyDelay)

	return &Module{
		handler: handler.New(svc),
		service: svc,
	}
}

// Service exposes the conversation service: the webhook module feeds it
// events and the worker sends its scheduled replies.
func (m *Module) Service() *service.Service {
	return m.service
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "conversation"
}

// RegisterRoutes mounts conversation routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.V1.Group("/conversations"))
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
