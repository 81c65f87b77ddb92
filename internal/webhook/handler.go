package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"dealerflow_backend/internal/events"
	"dealerflow_backend/platform/httpkit"
	"dealerflow_backend/platform/logger"
	"dealerflow_backend/platform/validator"
)

const maxPayloadBytes = 256 * 1024

// Handler receives provider webhook deliveries, authenticates them, and hands
// normalized events to the conversation layer.
type Handler struct {
	verifier  *Verifier
	processor EventProcessor
	archiver  PayloadArchiver
	bus       events.Bus
	validate  *validator.Validator
	log       *logger.Logger
}

func NewHandler(verifier *Verifier, processor EventProcessor, archiver PayloadArchiver, bus events.Bus, validate *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{
		verifier:  verifier,
		processor: processor,
		archiver:  archiver,
		bus:       bus,
		validate:  validate,
		log:       log,
	}
}

// acceptedResponse is the 200 body returned to the provider.
type acceptedResponse struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversationId,omitempty"`
	Idempotent     bool   `json:"idempotent,omitempty"`
}

// Receive handles POST /webhook/email-events. Providers send either JSON or
// form-encoded bodies; the raw bytes are kept for digesting and archiving.
func (h *Handler) Receive(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "unreadable payload", nil)
		return
	}

	payload, err := parsePayload(c.ContentType(), body)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "malformed payload", nil)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		h.log.WebhookRejected("missing auth fields", c.ClientIP())
		httpkit.Error(c, http.StatusUnauthorized, "missing authentication fields", nil)
		return
	}

	if err := h.verifier.Verify(c.Request.Context(), payload.Timestamp, payload.Token, payload.Signature); err != nil {
		h.log.WebhookRejected(rejectionReason(err), c.ClientIP())
		httpkit.Error(c, http.StatusUnauthorized, "signature verification failed", nil)
		return
	}

	ev, err := Normalize(payload, body)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	result, procErr := h.processor.ProcessEvent(c.Request.Context(), ev)

	h.archivePayload(c.Request.Context(), ev, body, c.ContentType(), procErr == nil)

	if procErr != nil {
		httpkit.HandleError(c, procErr)
		return
	}

	h.log.WebhookEvent(string(ev.Kind), result.ConversationID.String(), result.Idempotent)
	httpkit.OK(c, acceptedResponse{
		Status:         "accepted",
		ConversationID: result.ConversationID.String(),
		Idempotent:     result.Idempotent,
	})
}

func readBody(c *gin.Context) ([]byte, error) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes)
	defer reader.Close()
	return io.ReadAll(reader)
}

func parsePayload(contentType string, body []byte) (Payload, error) {
	var p Payload
	if strings.HasPrefix(contentType, "application/json") {
		if err := json.Unmarshal(body, &p); err != nil {
			return Payload{}, err
		}
		return p, nil
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Payload{}, err
	}
	p = Payload{
		Timestamp: values.Get("timestamp"),
		Token:     values.Get("token"),
		Signature: values.Get("signature"),
		Event:     values.Get("event"),
		Recipient: values.Get("recipient"),
		Campaign:  values.Get("campaign"),
		MessageID: values.Get("message-id"),
		Sender:    values.Get("sender"),
		Subject:   values.Get("subject"),
		BodyPlain: values.Get("body-plain"),
		Stripped:  values.Get("stripped-text"),
	}
	return p, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid signature"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale timestamp"
	case errors.Is(err, ErrReplayedToken):
		return "replayed token"
	default:
		return "malformed auth"
	}
}

// archivePayload stores the raw body best-effort; processor failures (an
// unresolved conversation in particular) are archived too so operators can
// triage them.
func (h *Handler) archivePayload(ctx context.Context, ev InboundEvent, body []byte, contentType string, resolved bool) {
	key, err := h.archiver.Archive(ctx, ev.RawPayloadDigest, contentType, body)
	if err != nil {
		h.log.Error("failed to archive webhook payload", "digest", ev.RawPayloadDigest, "error", err)
		return
	}
	if key == "" {
		return
	}
	h.bus.Publish(ctx, events.WebhookEventArchived{
		BaseEvent:   events.NewBaseEvent(),
		Digest:      ev.RawPayloadDigest,
		ObjectKey:   key,
		EventKind:   string(ev.Kind),
		Resolved:    resolved,
		PayloadSize: int64(len(body)),
	})
}
