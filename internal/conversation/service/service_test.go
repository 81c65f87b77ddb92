package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"dealerflow_backend/internal/conversation/domain"
	"dealerflow_backend/internal/conversation/repository"
	"dealerflow_backend/internal/email"
	"dealerflow_backend/internal/events"
	"dealerflow_backend/internal/handover"
	"dealerflow_backend/internal/scheduler"
	"dealerflow_backend/internal/template"
	"dealerflow_backend/internal/webhook"
	"dealerflow_backend/platform/apperr"
	"dealerflow_backend/platform/logger"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	conv              domain.Conversation
	leadEmail         string
	messages          []domain.Message
	tokens            map[string]bool
	outboundTemplates map[string]uuid.UUID
	resolveErr        error

	// statusConflicts injects concurrent-handover races: each conflict
	// advances the stored conversation as if another worker won.
	statusConflicts int
	appendConflicts int
	// appendConflictStatus, when set, is the status the concurrent writer
	// moved the conversation to while an append conflict was injected.
	appendConflictStatus domain.Status

	touched []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conv: domain.Conversation{
			ID:           uuid.New(),
			LeadID:       uuid.New(),
			CampaignID:   uuid.New(),
			Status:       domain.StatusActive,
			Version:      1,
			CreatedAt:    time.Now().Add(-10 * time.Minute),
			UpdatedAt:    time.Now(),
			MessageCount: 0,
		},
		leadEmail:         "lead@example.com",
		tokens:            make(map[string]bool),
		outboundTemplates: make(map[string]uuid.UUID),
	}
}

func (f *fakeStore) Resolve(_ context.Context, _, _ string) (domain.Conversation, error) {
	if f.resolveErr != nil {
		return domain.Conversation{}, f.resolveErr
	}
	return f.conv, nil
}

func (f *fakeStore) Get(_ context.Context, _ uuid.UUID) (domain.Conversation, error) {
	return f.conv, nil
}

func (f *fakeStore) RecordEventToken(_ context.Context, token, _ string, _ uuid.UUID) (bool, error) {
	if f.tokens[token] {
		return false, nil
	}
	f.tokens[token] = true
	return true, nil
}

func (f *fakeStore) ReleaseEventToken(_ context.Context, token string) error {
	delete(f.tokens, token)
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ uuid.UUID, expectedVersion int64, status domain.Status) error {
	if f.statusConflicts > 0 {
		f.statusConflicts--
		f.conv.Version++
		f.conv.Status = domain.StatusHandedOver
		return repository.ErrVersionConflict
	}
	if expectedVersion != f.conv.Version {
		return repository.ErrVersionConflict
	}
	f.conv.Status = status
	f.conv.Version++
	return nil
}

func (f *fakeStore) AppendMessage(_ context.Context, conv domain.Conversation, msg domain.Message) (domain.Message, error) {
	if f.appendConflicts > 0 {
		f.appendConflicts--
		f.conv.Version++
		if f.appendConflictStatus != "" {
			f.conv.Status = f.appendConflictStatus
		}
		return domain.Message{}, repository.ErrVersionConflict
	}
	if conv.Version != f.conv.Version {
		return domain.Message{}, repository.ErrVersionConflict
	}
	msg.ID = uuid.New()
	msg.ConversationID = f.conv.ID
	f.conv.Version++
	f.conv.MessageCount++
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) TouchInformational(_ context.Context, _ uuid.UUID, providerMessageID string) error {
	f.touched = append(f.touched, providerMessageID)
	return nil
}

func (f *fakeStore) FindOutboundTemplate(_ context.Context, _ uuid.UUID, providerMessageID string) (uuid.UUID, bool, error) {
	id, ok := f.outboundTemplates[providerMessageID]
	return id, ok, nil
}

func (f *fakeStore) ListMessages(_ context.Context, _ uuid.UUID) ([]domain.Message, error) {
	return f.messages, nil
}

func (f *fakeStore) GetLeadEmail(_ context.Context, _ uuid.UUID) (string, error) {
	return f.leadEmail, nil
}

type fakeCriteria struct {
	criteria handover.Criteria
}

func (f *fakeCriteria) GetCriteria(context.Context, uuid.UUID) (handover.Criteria, error) {
	return f.criteria, nil
}

type fakeRotator struct {
	tmpl        template.Template
	selectErr   error
	sends       []uuid.UUID
	engagements []string
}

func (f *fakeRotator) SelectForSend(context.Context, uuid.UUID) (template.Template, error) {
	if f.selectErr != nil {
		return template.Template{}, f.selectErr
	}
	return f.tmpl, nil
}

func (f *fakeRotator) RecordSend(_ context.Context, _, templateID uuid.UUID) error {
	f.sends = append(f.sends, templateID)
	return nil
}

func (f *fakeRotator) RecordEngagement(_ context.Context, _, _ uuid.UUID, kind string) error {
	f.engagements = append(f.engagements, kind)
	return nil
}

type fakeClassifier struct {
	intents []string
	err     error
}

func (f *fakeClassifier) Classify(context.Context, string) ([]string, error) {
	return f.intents, f.err
}

type fakeSender struct {
	sent      []email.Message
	messageID string
	err       error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return f.messageID, nil
}

type fakeScheduler struct {
	scheduled []scheduler.ConversationReplyPayload
}

func (f *fakeScheduler) ScheduleConversationReply(_ context.Context, payload scheduler.ConversationReplyPayload, _ time.Duration) error {
	f.scheduled = append(f.scheduled, payload)
	return nil
}

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) {
	b.published = append(b.published, event)
}

func (b *recordingBus) PublishSync(_ context.Context, event events.Event) error {
	b.published = append(b.published, event)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) eventNames() []string {
	names := make([]string, len(b.published))
	for i, e := range b.published {
		names[i] = e.EventName()
	}
	return names
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	svc       *Service
	store     *fakeStore
	rotator   *fakeRotator
	sender    *fakeSender
	scheduler *fakeScheduler
	bus       *recordingBus
	criteria  *fakeCriteria
}

func newHarness(cl *fakeClassifier) *harness {
	store := newFakeStore()
	rotator := &fakeRotator{
		tmpl: template.Template{ID: uuid.New(), Subject: "About your visit", Body: "<p>Hello</p>"},
	}
	sender := &fakeSender{messageID: "out-1@dealer.example"}
	sched := &fakeScheduler{}
	bus := &recordingBus{}
	criteria := &fakeCriteria{}

	svc := New(store, criteria, rotator, cl, sender, sched, bus, logger.New("development"), 2*time.Minute)
	return &harness{svc: svc, store: store, rotator: rotator, sender: sender, scheduler: sched, bus: bus, criteria: criteria}
}

func inboundEvent(token, body string) webhook.InboundEvent {
	return webhook.InboundEvent{
		Kind:              webhook.KindInboundMessage,
		Recipient:         "lead@example.com",
		ProviderMessageID: "in-1@mail.example",
		OccurredAt:        time.Now(),
		SourceToken:       token,
		Message:           &webhook.InboundMessage{From: "lead@example.com", Body: body},
	}
}

func informationalEvent(kind webhook.EventKind, token, providerMessageID string) webhook.InboundEvent {
	return webhook.InboundEvent{
		Kind:              kind,
		Recipient:         "lead@example.com",
		ProviderMessageID: providerMessageID,
		OccurredAt:        time.Now(),
		SourceToken:       token,
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestProcessEventUnresolvedConversation(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.resolveErr = repository.ErrNotFound

	_, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("error = %v, want KindNotFound", err)
	}
	if len(h.store.messages) != 0 {
		t.Fatal("unresolved event mutated state")
	}
}

func TestProcessEventDuplicateTokenIsIdempotent(t *testing.T) {
	h := newHarness(&fakeClassifier{})

	first, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if err != nil {
		t.Fatalf("first delivery error = %v", err)
	}
	if first.Idempotent {
		t.Fatal("first delivery flagged idempotent")
	}
	countAfterFirst := h.store.conv.MessageCount

	second, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if err != nil {
		t.Fatalf("replayed delivery error = %v", err)
	}
	if !second.Idempotent {
		t.Fatal("replayed delivery not flagged idempotent")
	}
	if h.store.conv.MessageCount != countAfterFirst {
		t.Fatalf("replay double-counted messages: %d -> %d", countAfterFirst, h.store.conv.MessageCount)
	}
}

func TestProcessEventInformationalNeverChangesStatus(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusActive, domain.StatusHandedOver, domain.StatusClosed} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(&fakeClassifier{})
			h.store.conv.Status = status

			// An opened arriving before its delivered is still just bookkeeping.
			for i, kind := range []webhook.EventKind{webhook.KindOpened, webhook.KindDelivered, webhook.KindClicked} {
				token := string(kind) + "-tok"
				result, err := h.svc.ProcessEvent(context.Background(), informationalEvent(kind, token, "out-1@dealer.example"))
				if err != nil {
					t.Fatalf("event %d (%s) error = %v", i, kind, err)
				}
				if result.Status != string(status) {
					t.Fatalf("event %s moved status to %s", kind, result.Status)
				}
			}
			if h.store.conv.Status != status {
				t.Fatalf("status regressed to %s", h.store.conv.Status)
			}
		})
	}
}

func TestProcessEventInformationalRecordsEngagement(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	templateID := uuid.New()
	h.store.outboundTemplates["out-1@dealer.example"] = templateID

	_, err := h.svc.ProcessEvent(context.Background(), informationalEvent(webhook.KindOpened, "tok-1", "out-1@dealer.example"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if len(h.rotator.engagements) != 1 || h.rotator.engagements[0] != "opened" {
		t.Fatalf("engagements = %v, want [opened]", h.rotator.engagements)
	}

	// Unknown message id: counted nowhere, still accepted.
	_, err = h.svc.ProcessEvent(context.Background(), informationalEvent(webhook.KindOpened, "tok-2", "stranger@elsewhere"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if len(h.rotator.engagements) != 1 {
		t.Fatalf("engagement attributed to unknown send: %v", h.rotator.engagements)
	}
}

func TestProcessEventInboundTriggersHandover(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.criteria.criteria = handover.Criteria{
		UrgentKeywords: []string{"asap"},
		Recipients:     []string{"sales@dealer.example"},
	}

	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "I need this ASAP"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if !result.HandedOver {
		t.Fatal("handover not reported")
	}
	if h.store.conv.Status != domain.StatusHandedOver {
		t.Fatalf("status = %s, want handed_over", h.store.conv.Status)
	}
	if len(h.scheduler.scheduled) != 0 {
		t.Fatal("reply scheduled on a handed-over conversation")
	}

	var handedOver *events.ConversationHandedOver
	for _, e := range h.bus.published {
		if ho, ok := e.(events.ConversationHandedOver); ok {
			handedOver = &ho
		}
	}
	if handedOver == nil {
		t.Fatalf("no ConversationHandedOver published, got %v", h.bus.eventNames())
	}
	if len(handedOver.Recipients) != 1 || handedOver.Recipients[0] != "sales@dealer.example" {
		t.Fatalf("Recipients = %v", handedOver.Recipients)
	}
	if handedOver.Reason == "" {
		t.Fatal("handover event missing reason")
	}
}

func TestProcessEventInboundSchedulesReply(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.criteria.criteria = handover.Criteria{UrgentKeywords: []string{"asap"}}

	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "what colors are available?"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if result.HandedOver {
		t.Fatal("calm message handed over")
	}
	if h.store.conv.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", h.store.conv.Status)
	}
	if len(h.scheduler.scheduled) != 1 {
		t.Fatalf("scheduled = %v, want one reply task", h.scheduler.scheduled)
	}
	if h.scheduler.scheduled[0].ConversationID != h.store.conv.ID.String() {
		t.Fatalf("scheduled for %s, want %s", h.scheduler.scheduled[0].ConversationID, h.store.conv.ID)
	}
}

func TestProcessEventClassifierFailureDegrades(t *testing.T) {
	h := newHarness(&fakeClassifier{err: errors.New("model timeout")})
	h.criteria.criteria = handover.Criteria{
		UrgentKeywords:  []string{"asap"},
		RequiredIntents: []string{"test_drive"},
	}

	// Keyword trigger still works without the classifier.
	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "call me asap"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if !result.HandedOver {
		t.Fatal("keyword trigger lost when classifier degraded")
	}
}

func TestProcessEventIntentTriggerFromClassifier(t *testing.T) {
	h := newHarness(&fakeClassifier{intents: []string{"test_drive"}})
	h.criteria.criteria = handover.Criteria{RequiredIntents: []string{"test_drive"}}

	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "can I try the car this weekend?"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if !result.HandedOver {
		t.Fatal("required intent did not hand over")
	}
}

func TestProcessEventInboundOnHandedOverRecordsOnly(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.conv.Status = domain.StatusHandedOver

	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "still waiting to hear back"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if result.HandedOver {
		t.Fatal("already handed-over conversation reported a new handover")
	}
	if len(h.store.messages) != 1 {
		t.Fatal("inbound message on handed-over conversation not recorded")
	}
	if len(h.scheduler.scheduled) != 0 {
		t.Fatal("AI reply scheduled after handover")
	}
}

func TestProcessEventHandoverRaceSettlesIdempotently(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.criteria.criteria = handover.Criteria{UrgentKeywords: []string{"asap"}}
	h.store.statusConflicts = 1 // another worker hands over first

	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "asap please"))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if !result.HandedOver {
		t.Fatal("handover result lost in race")
	}
	if h.store.conv.Status != domain.StatusHandedOver {
		t.Fatalf("status = %s", h.store.conv.Status)
	}
}

func TestSendScheduledReply(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	last := "in-1@mail.example"
	h.store.conv.LastMessageID = &last

	if err := h.svc.SendScheduledReply(context.Background(), h.store.conv.ID); err != nil {
		t.Fatalf("SendScheduledReply() error = %v", err)
	}
	if len(h.sender.sent) != 1 {
		t.Fatalf("sent = %d messages", len(h.sender.sent))
	}
	msg := h.sender.sent[0]
	if msg.To != "lead@example.com" {
		t.Fatalf("To = %q", msg.To)
	}
	if msg.InReplyTo != last {
		t.Fatalf("InReplyTo = %q, want threading onto %q", msg.InReplyTo, last)
	}
	if len(h.rotator.sends) != 1 || h.rotator.sends[0] != h.rotator.tmpl.ID {
		t.Fatalf("sends = %v", h.rotator.sends)
	}
	if len(h.store.messages) != 1 || h.store.messages[0].Direction != domain.DirectionOutbound {
		t.Fatalf("outbound message not recorded: %v", h.store.messages)
	}
}

func TestSendScheduledReplyConflictsWhenNotActive(t *testing.T) {
	for _, status := range []domain.Status{domain.StatusHandedOver, domain.StatusClosed} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(&fakeClassifier{})
			h.store.conv.Status = status

			err := h.svc.SendScheduledReply(context.Background(), h.store.conv.ID)
			if !apperr.Is(err, apperr.KindConflict) {
				t.Fatalf("error = %v, want KindConflict", err)
			}
			if len(h.sender.sent) != 0 {
				t.Fatal("reply sent to a non-active conversation")
			}
		})
	}
}

func TestSendScheduledReplyFailsOnMissingTemplates(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.rotator.selectErr = apperr.Validation("campaign has no templates configured")

	err := h.svc.SendScheduledReply(context.Background(), h.store.conv.ID)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("error = %v, want KindValidation", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(&fakeClassifier{})

	conv, err := h.svc.Close(context.Background(), h.store.conv.ID)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if conv.Status != domain.StatusClosed {
		t.Fatalf("status = %s", conv.Status)
	}
	versionAfterClose := h.store.conv.Version

	conv, err = h.svc.Close(context.Background(), h.store.conv.ID)
	if err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if conv.Status != domain.StatusClosed {
		t.Fatalf("second close status = %s", conv.Status)
	}
	if h.store.conv.Version != versionAfterClose {
		t.Fatal("idempotent close bumped the version")
	}
}

func TestAppendRetryExhaustionSurfacesConflict(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.appendConflicts = conflictRetries

	_, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("error = %v, want KindConflict after retry exhaustion", err)
	}
}

func TestProcessEventFailedDeliveryCanBeRetried(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.appendConflicts = conflictRetries

	_, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("first delivery error = %v, want KindConflict", err)
	}
	if len(h.store.messages) != 0 {
		t.Fatalf("failed delivery stored %d messages", len(h.store.messages))
	}

	// The provider retries the same token once the contention clears. The
	// failed delivery must not have burned it.
	result, err := h.svc.ProcessEvent(context.Background(), inboundEvent("tok-1", "hello"))
	if err != nil {
		t.Fatalf("retried delivery error = %v", err)
	}
	if result.Idempotent {
		t.Fatal("retry of a failed delivery treated as already processed")
	}
	if len(h.store.messages) != 1 {
		t.Fatalf("stored messages = %d, want the retried message recorded", len(h.store.messages))
	}
}

func TestSendScheduledReplyLostReserveRaceSendsNothing(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.statusConflicts = 1 // handover lands before the reply is reserved

	err := h.svc.SendScheduledReply(context.Background(), h.store.conv.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("error = %v, want KindConflict", err)
	}
	if len(h.sender.sent) != 0 {
		t.Fatal("email sent to a conversation lost to handover")
	}
	if len(h.store.messages) != 0 {
		t.Fatal("AI message recorded on a handed-over conversation")
	}
	if len(h.rotator.sends) != 0 {
		t.Fatalf("send recorded for a reply that never went out: %v", h.rotator.sends)
	}
}

func TestSendScheduledReplyHandoverDuringSendIsNotRecorded(t *testing.T) {
	h := newHarness(&fakeClassifier{})
	h.store.appendConflicts = 1
	h.store.appendConflictStatus = domain.StatusHandedOver

	err := h.svc.SendScheduledReply(context.Background(), h.store.conv.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("error = %v, want KindConflict", err)
	}
	if len(h.store.messages) != 0 {
		t.Fatal("AI message recorded after humans took over")
	}
	if len(h.rotator.sends) != 0 {
		t.Fatalf("send recorded for a reply that was not stored: %v", h.rotator.sends)
	}
}
