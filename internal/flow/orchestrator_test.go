package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// scriptedGenAI returns canned responses in order and records the prompts it
// was given.
type scriptedGenAI struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (s *scriptedGenAI) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.next(systemPrompt)
}

func (s *scriptedGenAI) GenerateWithSchema(ctx context.Context, systemPrompt, userPrompt string, schema map[string]interface{}) (string, error) {
	return s.next(systemPrompt)
}

func (s *scriptedGenAI) next(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", errors.New("unexpected extra model call")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

// recordingDelivery captures delivered replies, optionally failing.
type recordingDelivery struct {
	sent []string
	fail bool
}

func (r *recordingDelivery) DeliverReply(ctx context.Context, contact *models.Contact, text string) (models.DeliveryResult, error) {
	result := models.DeliveryResult{ContactID: contact.ID, Time: time.Now().Unix()}
	if r.fail {
		result.Status = models.DeliveryStatusFailed
		return result, errors.New("send failed")
	}
	r.sent = append(r.sent, text)
	result.Status = models.DeliveryStatusSent
	return result, nil
}

type recordingBooking struct {
	requests int
}

func (r *recordingBooking) RequestBooking(ctx context.Context, contact *models.Contact) error {
	r.requests++
	return nil
}

func newTestContact(flags models.ContactFlags) models.Contact {
	return models.Contact{
		ID:      "c1",
		Channel: models.ChannelWhatsApp,
		Address: "+15551234567",
		Flags:   flags,
	}
}

func newTestStore(t *testing.T, contact models.Contact) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveContact(contact); err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	if err := st.SaveBehaviorDocument(models.BehaviorDocument{
		ID:         "default",
		BasePrompt: "You are a support assistant.",
		Stages: map[models.Stage]string{
			models.StageNewContact:        "Greet the contact.",
			models.StageSummaryVerifier:   "Extract a case summary.",
			models.StageSummaryValidation: "Decide whether the summary is acceptable.",
		},
	}); err != nil {
		t.Fatalf("failed to seed behavior document: %v", err)
	}
	return st
}

func inboundMessage(text string) models.Message {
	return models.Message{
		PlatformID: "msg-" + text,
		ContactID:  "c1",
		Channel:    models.ChannelWhatsApp,
		Sender:     "+15551234567",
		Text:       text,
		Kind:       models.MessageKindText,
		Timestamp:  time.Now(),
	}
}

func TestProcessContactNewContact(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{}))
	ai := &scriptedGenAI{responses: []string{`{"suggestedStage":"TriageInProgress","reply":"Hi! How can I help?"}`}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("Hello")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(delivery.sent) != 1 || delivery.sent[0] != "Hi! How can I help?" {
		t.Errorf("unexpected delivered replies: %v", delivery.sent)
	}
	contact, _ := st.GetContact("c1")
	if !contact.Flags.Greeted {
		t.Error("greeted flag should be raised after a delivered reply")
	}
	if contact.Flags.SummaryRequested || contact.Flags.SummaryConfirmed {
		t.Error("no other flag may change")
	}

	// The outbound reply is persisted into the history.
	msgs, _ := st.GetRecentMessages("c1", 10)
	found := false
	for _, m := range msgs {
		if m.Sender == models.BotSenderID && m.Text == "Hi! How can I help?" {
			found = true
		}
	}
	if !found {
		t.Error("outbound reply should be appended to the history")
	}
}

func TestProcessContactSummaryChainAccepted(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{Greeted: true, SummaryRequested: true}))
	ai := &scriptedGenAI{responses: []string{
		`{"summary":"Burst pipe in the kitchen, water everywhere."}`,
		`{"accepted":true,"reply":"So to confirm: a burst pipe in your kitchen, correct?"}`,
	}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("The pipe burst")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ai.calls != 2 {
		t.Errorf("expected verifier and validation calls, got %d", ai.calls)
	}
	if !strings.Contains(ai.prompts[1], "Candidate case summary:") {
		t.Error("validation prompt should carry the candidate summary as extra context")
	}
	contact, _ := st.GetContact("c1")
	if !contact.Flags.SummaryConfirmed {
		t.Error("summary flag should advance after acceptance")
	}
	if contact.CaseSummary != "Burst pipe in the kitchen, water everywhere." {
		t.Errorf("unexpected case summary %q", contact.CaseSummary)
	}
	if len(delivery.sent) != 1 {
		t.Errorf("expected one delivered reply, got %d", len(delivery.sent))
	}
}

func TestProcessContactSummaryChainRejected(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{Greeted: true, SummaryRequested: true}))
	ai := &scriptedGenAI{responses: []string{
		`{"summary":"Something vague."}`,
		`{"accepted":false,"reply":"Could you tell me a bit more about the problem?"}`,
	}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("stuff broke")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contact, _ := st.GetContact("c1")
	if contact.Flags.SummaryConfirmed {
		t.Error("rejected summary must not advance the flag")
	}
	if contact.CaseSummary != "" {
		t.Error("rejected summary must not be persisted")
	}
	if len(delivery.sent) != 1 {
		t.Error("the clarification reply should still be delivered")
	}
}

func TestProcessContactTransportErrorCommitsNothing(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{}))
	ai := &scriptedGenAI{err: errors.New("connection reset")}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("Hello")); err == nil {
		t.Fatal("expected transport error to surface")
	}
	if len(delivery.sent) != 0 {
		t.Error("no reply may be delivered on transport failure")
	}
	contact, _ := st.GetContact("c1")
	if contact.Flags.Greeted {
		t.Error("no flag may be committed on transport failure")
	}
}

func TestProcessContactMalformedFallbackOnReplyOnlyStage(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{}))
	ai := &scriptedGenAI{responses: []string{"Hello! How can I help you today?"}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("Hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivery.sent) != 1 || delivery.sent[0] != "Hello! How can I help you today?" {
		t.Errorf("raw text should become the reply, got %v", delivery.sent)
	}
	contact, _ := st.GetContact("c1")
	if !contact.Flags.Greeted {
		t.Error("fallback reply still counts as a successful stage run")
	}
}

func TestProcessContactMalformedValidationStageFails(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{Greeted: true, SummaryRequested: true}))
	ai := &scriptedGenAI{responses: []string{"I could not produce a summary, sorry."}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("hm")); err == nil {
		t.Fatal("verifier stage without its required field must fail the job")
	}
	if len(delivery.sent) != 0 {
		t.Error("nothing may be delivered when a mandatory field is missing")
	}
	contact, _ := st.GetContact("c1")
	if contact.Flags.SummaryConfirmed {
		t.Error("no flag may be committed")
	}
}

func TestProcessContactDeliveryFailureCommitsNothing(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{}))
	ai := &scriptedGenAI{responses: []string{`{"suggestedStage":"TriageInProgress","reply":"Hi!"}`}}
	delivery := &recordingDelivery{fail: true}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("Hello")); err == nil {
		t.Fatal("expected delivery failure to surface")
	}
	contact, _ := st.GetContact("c1")
	if contact.Flags.Greeted {
		t.Error("flags are committed only after a successful delivery")
	}
}

func TestProcessContactNoStageSkipsModel(t *testing.T) {
	flags := models.ContactFlags{Greeted: true, SummaryRequested: true, SummaryConfirmed: true, SchedulingOffered: true}
	st := newTestStore(t, newTestContact(flags))
	ai := &scriptedGenAI{}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("hello?")); err != nil {
		t.Fatalf("no-stage must not be treated as an error, got %v", err)
	}
	if ai.calls != 0 {
		t.Errorf("no model call may happen without a resolved stage, got %d", ai.calls)
	}
}

func TestProcessContactUrgencyValidation(t *testing.T) {
	flags := models.ContactFlags{Greeted: true, SummaryRequested: true, SummaryConfirmed: true, UrgencyResolved: true}
	st := newTestStore(t, newTestContact(flags))
	ai := &scriptedGenAI{responses: []string{`{"urgency":"high","reply":"Understood, this sounds urgent. May I have your name?"}`}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("it is flooding")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contact, _ := st.GetContact("c1")
	if !contact.Flags.SchedulingOffered {
		t.Error("urgency stage should advance the scheduling flag")
	}
	if !strings.Contains(contact.CaseInfo, "urgency: high") {
		t.Errorf("urgency should be recorded in case info, got %q", contact.CaseInfo)
	}
}

func TestProcessContactNameValidation(t *testing.T) {
	flags := models.ContactFlags{Greeted: true, SummaryRequested: true, SummaryConfirmed: true, UrgencyResolved: true, SchedulingOffered: true}
	st := newTestStore(t, newTestContact(flags))
	ai := &scriptedGenAI{responses: []string{`{"name":"Ana Lima","reply":"Thanks Ana! Shall we book a visit?"}`}}
	delivery := &recordingDelivery{}
	orch := NewOrchestrator(st, ai, delivery)

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("I'm Ana Lima")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	contact, _ := st.GetContact("c1")
	if contact.DisplayName != "Ana Lima" {
		t.Errorf("expected display name to be captured, got %q", contact.DisplayName)
	}
	if !contact.Flags.BookingOffered {
		t.Error("name stage should advance the booking-offered flag")
	}
}

func TestProcessContactBookingValidationTriggersBooking(t *testing.T) {
	flags := models.ContactFlags{Greeted: true, SummaryRequested: true, SummaryConfirmed: true, UrgencyResolved: true, SchedulingOffered: true, BookingOffered: true}
	st := newTestStore(t, newTestContact(flags))
	ai := &scriptedGenAI{responses: []string{`{"book":true,"reply":"Great, I will set that up for you."}`}}
	delivery := &recordingDelivery{}
	booking := &recordingBooking{}
	orch := NewOrchestrator(st, ai, delivery, WithBookingRequester(booking))

	if err := orch.ProcessContact(context.Background(), "c1", inboundMessage("yes please")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if booking.requests != 1 {
		t.Errorf("expected one booking request, got %d", booking.requests)
	}
	contact, _ := st.GetContact("c1")
	if contact.Flags.BookingConfirmed {
		t.Error("booking stage sets no flag itself; confirmation is external")
	}
}

func TestProcessContactCurrentMessageNotInHistory(t *testing.T) {
	st := newTestStore(t, newTestContact(models.ContactFlags{}))
	current := inboundMessage("Hello")
	if err := st.AddMessage(current); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	ai := &scriptedGenAI{responses: []string{`{"suggestedStage":"TriageInProgress","reply":"Hi!"}`}}
	orch := NewOrchestrator(st, ai, &recordingDelivery{})
	if err := orch.ProcessContact(context.Background(), "c1", current); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if occurrences := strings.Count(ai.prompts[0], "Hello"); occurrences != 1 {
		t.Errorf("the triggering message must appear exactly once (as the current message), found %d times", occurrences)
	}
}

func TestExcludeCurrentLeavesHistoryIntact(t *testing.T) {
	history := []models.Message{
		{PlatformID: "a", Text: "one"},
		{PlatformID: "b", Text: "two"},
		{PlatformID: "c", Text: "three"},
	}

	got := excludeCurrent(history, models.Message{PlatformID: "b"})
	if len(got) != 2 || got[0].PlatformID != "a" || got[1].PlatformID != "c" {
		t.Errorf("unexpected filtered history %+v", got)
	}

	want := []string{"a", "b", "c"}
	for i, id := range want {
		if history[i].PlatformID != id {
			t.Fatalf("input history mutated at index %d: %+v", i, history[i])
		}
	}
}
