package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dealerflow_backend/internal/events"
	"dealerflow_backend/platform/apperr"
	"dealerflow_backend/platform/logger"
	"dealerflow_backend/platform/validator"
)

const handlerTestKey = "handler-test-signing-key"

type fakeProcessor struct {
	result ProcessResult
	err    error
	events []InboundEvent
}

func (f *fakeProcessor) ProcessEvent(_ context.Context, ev InboundEvent) (ProcessResult, error) {
	f.events = append(f.events, ev)
	if f.err != nil {
		return ProcessResult{}, f.err
	}
	return f.result, nil
}

type silentBus struct{}

func (silentBus) Publish(context.Context, events.Event) {}

func (silentBus) PublishSync(context.Context, events.Event) error { return nil }

func (silentBus) Subscribe(string, events.Handler) {}

func newTestRouter(t *testing.T, processor *fakeProcessor) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier := NewVerifier(handlerTestKey, 5*time.Minute, NewMemoryTokenCache(128))
	handler := NewHandler(verifier, processor, NoopArchiver{}, silentBus{}, validator.New(), logger.New("development"))

	router := gin.New()
	router.POST("/webhook/email-events", handler.Receive)
	return router
}

func signedForm(token string, extra map[string]string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(handlerTestKey))
	mac.Write([]byte(ts))
	mac.Write([]byte(token))

	values := url.Values{}
	values.Set("timestamp", ts)
	values.Set("token", token)
	values.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	for k, v := range extra {
		values.Set(k, v)
	}
	return values.Encode()
}

func postForm(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/email-events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestReceiveAcceptsSignedFormEvent(t *testing.T) {
	conversationID := uuid.New()
	processor := &fakeProcessor{result: ProcessResult{ConversationID: conversationID, Status: "active"}}
	router := newTestRouter(t, processor)

	rec := postForm(router, signedForm("tok-1", map[string]string{
		"event":     "opened",
		"recipient": "Lead@Example.com",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status         string `json:"status"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Status != "accepted" || resp.ConversationID != conversationID.String() {
		t.Fatalf("response = %+v", resp)
	}
	if len(processor.events) != 1 || processor.events[0].Kind != KindOpened {
		t.Fatalf("processor saw %+v", processor.events)
	}
	if processor.events[0].Recipient != "lead@example.com" {
		t.Fatalf("recipient not normalized: %q", processor.events[0].Recipient)
	}
}

func TestReceiveAcceptsSignedJSONEvent(t *testing.T) {
	processor := &fakeProcessor{result: ProcessResult{ConversationID: uuid.New(), Status: "active"}}
	router := newTestRouter(t, processor)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(handlerTestKey))
	mac.Write([]byte(ts))
	mac.Write([]byte("tok-json"))
	body := fmt.Sprintf(`{
		"timestamp": %q, "token": "tok-json", "signature": %q,
		"event": "clicked", "recipient": "lead@example.com"
	}`, ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest(http.MethodPost, "/webhook/email-events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(processor.events) != 1 || processor.events[0].Kind != KindClicked {
		t.Fatalf("processor saw %+v", processor.events)
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	processor := &fakeProcessor{}
	router := newTestRouter(t, processor)

	values := url.Values{}
	values.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	values.Set("token", "tok-1")
	values.Set("signature", strings.Repeat("ab", 32))
	values.Set("event", "opened")
	values.Set("recipient", "lead@example.com")

	rec := postForm(router, values.Encode())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(processor.events) != 0 {
		t.Fatal("unauthenticated event reached the processor")
	}
}

func TestReceiveRejectsMissingAuthFields(t *testing.T) {
	router := newTestRouter(t, &fakeProcessor{})

	rec := postForm(router, "event=opened&recipient=lead@example.com")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReceiveRejectsReplayedDelivery(t *testing.T) {
	processor := &fakeProcessor{result: ProcessResult{ConversationID: uuid.New(), Status: "active"}}
	router := newTestRouter(t, processor)

	body := signedForm("tok-replay", map[string]string{
		"event":     "delivered",
		"recipient": "lead@example.com",
	})

	if rec := postForm(router, body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	if rec := postForm(router, body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed delivery status = %d, want 401", rec.Code)
	}
	if len(processor.events) != 1 {
		t.Fatalf("processor saw %d events, want 1", len(processor.events))
	}
}

func TestReceiveMapsProcessorErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unresolved recipient", apperr.NotFound("no conversation could be resolved for recipient"), http.StatusNotFound},
		{"handover collision", apperr.Conflict("conversation is being updated concurrently"), http.StatusConflict},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeProcessor{err: tt.err})
			rec := postForm(router, signedForm(fmt.Sprintf("tok-%d", i), map[string]string{
				"event":     "opened",
				"recipient": "lead@example.com",
			}))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestReceiveReportsIdempotentReplay(t *testing.T) {
	processor := &fakeProcessor{result: ProcessResult{ConversationID: uuid.New(), Status: "active", Idempotent: true}}
	router := newTestRouter(t, processor)

	rec := postForm(router, signedForm("tok-1", map[string]string{
		"event":     "delivered",
		"recipient": "lead@example.com",
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for idempotent no-op", rec.Code)
	}
	var resp struct {
		Idempotent bool `json:"idempotent"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !resp.Idempotent {
		t.Fatal("idempotent flag not surfaced")
	}
}

func TestReceiveRejectsMalformedJSON(t *testing.T) {
	router := newTestRouter(t, &fakeProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/email-events", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestReceiveRejectsUnknownEventKind(t *testing.T) {
	router := newTestRouter(t, &fakeProcessor{})

	rec := postForm(router, signedForm("tok-1", map[string]string{
		"event":     "unsubscribed",
		"recipient": "lead@example.com",
	}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
