// Package webhook provides the inbound email-event bounded context: signed
// webhook verification, anti-replay, payload normalization, and archiving.
package webhook

import (
	"context"

	"github.com/redis/go-redis/v9"

	"dealerflow_backend/internal/events"
	apphttp "dealerflow_backend/internal/http"
	"dealerflow_backend/platform/config"
	"dealerflow_backend/platform/logger"
	"dealerflow_backend/platform/validator"
)

// Module is the webhook bounded context module implementing http.Module.
type Module struct {
	handler *Handler
}

// NewModule creates and initializes the webhook module. When a redis client is
// provided the anti-replay cache is shared across instances; otherwise a
// bounded in-process cache is used.
func NewModule(ctx context.Context, cfg config.WebhookConfig, archiveCfg config.ArchiveConfig, redisClient redis.UniversalClient, processor EventProcessor, eventBus events.Bus, val *validator.Validator, log *logger.Logger) (*Module, error) {
	var cache TokenCache
	if redisClient != nil {
		cache = NewRedisTokenCache(redisClient)
	} else {
		cache = NewMemoryTokenCache(cfg.GetReplayCacheSize())
	}
	verifier := NewVerifier(cfg.GetWebhookSigningKey(), cfg.GetWebhookSkewWindow(), cache)

	var archiver PayloadArchiver = NoopArchiver{}
	if archiveCfg.IsArchiveEnabled() {
		minioArchiver, err := NewMinIOArchiver(ctx, archiveCfg)
		if err != nil {
			return nil, err
		}
		archiver = minioArchiver
	}

	handler := NewHandler(verifier, processor, archiver, eventBus, val, log)

	return &Module{handler: handler}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "webhook"
}

// RegisterRoutes mounts the public webhook route on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	group := ctx.V1.Group("/webhook")
	group.Use(ctx.WebhookRateLimiter.RateLimit())
	group.POST("/email-events", m.handler.Receive)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
