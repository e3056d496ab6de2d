package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	opts = append([]Option{WithStore(st)}, opts...)
	s, err := NewServer(opts...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s, st
}

func seedContact(t *testing.T, st *store.InMemoryStore) models.Contact {
	t.Helper()
	c := models.Contact{
		ID:              "c1",
		Channel:         models.ChannelTwilio,
		Address:         "+15551234567",
		InterestProduct: "boiler-service",
		CaseSummary:     "boiler making noises",
		Flags:           models.ContactFlags{Greeted: true, SummaryRequested: true},
	}
	if err := st.SaveContact(c); err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return c
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestNewServerRequiresStore(t *testing.T) {
	if _, err := NewServer(); err == nil {
		t.Error("expected error without a store")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("unexpected status %q", resp.Status)
	}
}

func TestGetContact(t *testing.T) {
	s, st := newTestServer(t)
	seedContact(t, st)

	rec := doRequest(s, httptest.NewRequest("GET", "/contacts/c1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "boiler-service") {
		t.Error("response should carry the contact fields")
	}

	rec = doRequest(s, httptest.NewRequest("GET", "/contacts/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing contact, got %d", rec.Code)
	}
}

func TestGetContactMessages(t *testing.T) {
	s, st := newTestServer(t)
	seedContact(t, st)
	msg := models.Message{
		PlatformID: "SM1", ContactID: "c1", Channel: models.ChannelTwilio,
		Sender: "+15551234567", Text: "hello", Kind: models.MessageKindText, Timestamp: time.Now(),
	}
	if err := st.AddMessage(msg); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	rec := doRequest(s, httptest.NewRequest("GET", "/contacts/c1/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hello") {
		t.Error("response should include the message history")
	}
}

func TestResetContact(t *testing.T) {
	s, st := newTestServer(t)
	seedContact(t, st)

	rec := doRequest(s, httptest.NewRequest("POST", "/contacts/c1/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	contact, _ := st.GetContact("c1")
	if contact.Flags != (models.ContactFlags{}) {
		t.Errorf("flags should be cleared, got %+v", contact.Flags)
	}
	if contact.InterestProduct != models.InterestUnknown || contact.CaseSummary != "" {
		t.Error("commercial fields should be cleared")
	}
}

func TestPendingEndpoint(t *testing.T) {
	debouncer := flow.NewDebouncer(time.Hour)
	s, st := newTestServer(t, WithDebouncer(debouncer))
	c := seedContact(t, st)

	rec := doRequest(s, httptest.NewRequest("GET", "/contacts/c1/pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"pending":false`) {
		t.Errorf("expected no pending batch, got %s", rec.Body.String())
	}

	debouncer.Schedule(c.ID, c.Channel, time.Hour, func(ctx context.Context) error { return nil })
	rec = doRequest(s, httptest.NewRequest("GET", "/contacts/c1/pending", nil))
	if !strings.Contains(rec.Body.String(), `"pending":true`) {
		t.Errorf("expected a pending batch, got %s", rec.Body.String())
	}
	debouncer.CancelAll()
}

func TestBehaviorDocumentEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, httptest.NewRequest("GET", "/behavior", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any document exists, got %d", rec.Code)
	}

	doc := models.BehaviorDocument{
		ID:         "v1",
		BasePrompt: "You are a support assistant.",
		Stages:     map[models.Stage]string{models.StageNewContact: "Greet warmly."},
	}
	body, _ := json.Marshal(doc)
	req := httptest.NewRequest("PUT", "/behavior", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = doRequest(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(s, httptest.NewRequest("GET", "/behavior", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after save, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Greet warmly.") {
		t.Error("response should carry the stage instructions")
	}

	rec = doRequest(s, httptest.NewRequest("PUT", "/behavior", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("document without a base prompt should be rejected, got %d", rec.Code)
	}
}

func TestTwilioWebhook(t *testing.T) {
	twilioSvc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s, _ := newTestServer(t, WithTwilioService(twilioSvc))

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "hello")
	form.Set("MessageSid", "SM1")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := doRequest(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "<Response>") {
		t.Error("Twilio expects an empty TwiML document")
	}

	select {
	case in := <-twilioSvc.Inbound():
		if in.From != "+15551234567" || in.Body != "hello" {
			t.Errorf("unexpected inbound event %+v", in)
		}
	default:
		t.Fatal("webhook should have queued an inbound event")
	}
}

func TestTwilioWebhookRejectsBadPayload(t *testing.T) {
	twilioSvc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s, _ := newTestServer(t, WithTwilioService(twilioSvc))

	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader("Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := doRequest(s, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing From, got %d", rec.Code)
	}
}

func TestTwilioWebhookUnconfigured(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader("From=whatsapp:%2B15551234567&MessageSid=SM1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := doRequest(s, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a Twilio service, got %d", rec.Code)
	}
}
