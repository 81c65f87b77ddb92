package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind is the internal vocabulary for normalized webhook events.
type EventKind string

const (
	KindDelivered      EventKind = "delivered"
	KindOpened         EventKind = "opened"
	KindClicked        EventKind = "clicked"
	KindBounced        EventKind = "bounced"
	KindComplained     EventKind = "complained"
	KindInboundMessage EventKind = "inbound_message"
)

// IsInformational reports whether the event carries engagement signal only.
// Informational events never advance conversation status.
func (k EventKind) IsInformational() bool {
	return k != KindInboundMessage
}

// InboundMessage holds the content-bearing fields present only on
// inbound_message events.
type InboundMessage struct {
	From    string
	Subject string
	Body    string
}

// InboundEvent is a normalized, authenticated fact derived from one webhook
// delivery. Downstream components never see raw provider payloads.
type InboundEvent struct {
	Kind              EventKind
	Recipient         string
	CampaignHint      string
	ProviderMessageID string
	OccurredAt        time.Time
	SourceToken       string
	RawPayloadDigest  string

	// Message is set only when Kind == KindInboundMessage.
	Message *InboundMessage
}

// ProcessResult describes the outcome of applying a normalized event.
type ProcessResult struct {
	ConversationID uuid.UUID
	Status         string
	Idempotent     bool
	HandedOver     bool
}

// EventProcessor applies normalized events to conversation state. Implemented
// by the conversation service.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev InboundEvent) (ProcessResult, error)
}

// Payload is the provider-agnostic webhook body, accepted as JSON or
// form-encoded. Auth fields are required; the rest depends on the event kind.
type Payload struct {
	Timestamp string `form:"timestamp" json:"timestamp" validate:"required"`
	Token     string `form:"token" json:"token" validate:"required"`
	Signature string `form:"signature" json:"signature" validate:"required"`

	Event     string `form:"event" json:"event"`
	Recipient string `form:"recipient" json:"recipient"`
	Campaign  string `form:"campaign" json:"campaign"`
	MessageID string `form:"message-id" json:"message-id"`
	Sender    string `form:"sender" json:"sender"`
	Subject   string `form:"subject" json:"subject"`
	BodyPlain string `form:"body-plain" json:"body-plain"`
	Stripped  string `form:"stripped-text" json:"stripped-text"`
}

// providerEventKinds maps provider event names onto the internal vocabulary.
// Providers disagree on bounce naming, so both "failed" and "bounced" map to
// KindBounced.
var providerEventKinds = map[string]EventKind{
	"delivered":  KindDelivered,
	"opened":     KindOpened,
	"clicked":    KindClicked,
	"failed":     KindBounced,
	"bounced":    KindBounced,
	"complained": KindComplained,
	"inbound":    KindInboundMessage,
}

// Normalize maps a provider payload into an InboundEvent. The raw body bytes
// are digested for idempotence bookkeeping and archiving.
func Normalize(p Payload, rawBody []byte) (InboundEvent, error) {
	kind, err := classifyEvent(p)
	if err != nil {
		return InboundEvent{}, err
	}

	if p.Recipient == "" {
		return InboundEvent{}, fmt.Errorf("payload missing recipient")
	}

	digest := sha256.Sum256(rawBody)

	ev := InboundEvent{
		Kind:              kind,
		Recipient:         strings.ToLower(strings.TrimSpace(p.Recipient)),
		CampaignHint:      strings.TrimSpace(p.Campaign),
		ProviderMessageID: strings.Trim(p.MessageID, "<>"),
		OccurredAt:        parseEventTime(p.Timestamp),
		SourceToken:       p.Token,
		RawPayloadDigest:  hex.EncodeToString(digest[:]),
	}

	if kind == KindInboundMessage {
		body := p.Stripped
		if body == "" {
			body = p.BodyPlain
		}
		if body == "" {
			return InboundEvent{}, fmt.Errorf("inbound message payload has no body")
		}
		ev.Message = &InboundMessage{
			From:    strings.TrimSpace(p.Sender),
			Subject: p.Subject,
			Body:    body,
		}
	}

	return ev, nil
}

func classifyEvent(p Payload) (EventKind, error) {
	name := strings.ToLower(strings.TrimSpace(p.Event))
	if name == "" {
		// Inbound route deliveries carry no event field, only message content.
		if p.BodyPlain != "" || p.Stripped != "" {
			return KindInboundMessage, nil
		}
		return "", fmt.Errorf("payload has neither event field nor message body")
	}

	kind, ok := providerEventKinds[name]
	if !ok {
		return "", fmt.Errorf("unknown event kind %q", name)
	}
	return kind, nil
}

func parseEventTime(timestamp string) time.Time {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(ts, 0).UTC()
}
