package models

import (
	"testing"
	"time"
)

func TestContactValidate(t *testing.T) {
	c := Contact{ID: "c1", Channel: ChannelWhatsApp, Address: "+15551234567"}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid contact, got %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Contact)
		wantErr error
	}{
		{"empty id", func(c *Contact) { c.ID = "" }, ErrEmptyContactID},
		{"empty address", func(c *Contact) { c.Address = "" }, ErrEmptyAddress},
		{"bad channel", func(c *Contact) { c.Channel = "telegram" }, ErrInvalidChannel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := c
			tc.mutate(&bad)
			if err := bad.Validate(); err != tc.wantErr {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestContactPatchApplyRaisesFlagsMonotonically(t *testing.T) {
	c := Contact{ID: "c1", Channel: ChannelWhatsApp, Address: "+15551234567"}
	c.Flags.Greeted = true

	patch := ContactPatch{
		Greeted:          BoolPtr(false), // lowering is ignored
		SummaryRequested: BoolPtr(true),
		CaseSummary:      StringPtr("pipe burst in the kitchen"),
	}
	patch.Apply(&c)

	if !c.Flags.Greeted {
		t.Error("Apply must never lower a raised flag")
	}
	if !c.Flags.SummaryRequested {
		t.Error("expected SummaryRequested to be raised")
	}
	if c.Flags.SummaryConfirmed {
		t.Error("untouched flag changed")
	}
	if c.CaseSummary != "pipe burst in the kitchen" {
		t.Errorf("unexpected case summary %q", c.CaseSummary)
	}
}

func TestContactPatchApplySetsDisplayName(t *testing.T) {
	c := Contact{ID: "c1", Channel: ChannelTwilio, Address: "+15551234567"}
	patch := ContactPatch{DisplayName: StringPtr("Maria")}
	patch.Apply(&c)
	if c.DisplayName != "Maria" {
		t.Errorf("expected display name Maria, got %q", c.DisplayName)
	}
}

func TestContactPatchIsEmpty(t *testing.T) {
	var p ContactPatch
	if !p.IsEmpty() {
		t.Error("zero patch should be empty")
	}
	p.Greeted = BoolPtr(true)
	if p.IsEmpty() {
		t.Error("patch with a flag should not be empty")
	}
}

func TestMessageInbound(t *testing.T) {
	m := Message{ContactID: "c1", Sender: "+15551234567", Text: "hi", Kind: MessageKindText, Timestamp: time.Now()}
	if !m.Inbound() {
		t.Error("contact message should be inbound")
	}
	m.Sender = BotSenderID
	if m.Inbound() {
		t.Error("bot message should not be inbound")
	}
}

func TestMessageValidate(t *testing.T) {
	m := Message{ContactID: "c1", Sender: "+15551234567", Text: "", Kind: MessageKindText}
	if err := m.Validate(); err != ErrEmptyMessageText {
		t.Errorf("expected ErrEmptyMessageText, got %v", err)
	}
	m.Kind = MessageKindMedia
	if err := m.Validate(); err != nil {
		t.Errorf("media message without text should validate, got %v", err)
	}
}

func TestContractFor(t *testing.T) {
	c := ContractFor(StageUrgencyValidation)
	if len(c.Required) != 2 || c.Required[0] != FieldUrgency {
		t.Errorf("unexpected urgency contract %+v", c)
	}
	fallback := ContractFor(Stage("Bogus"))
	if len(fallback.Required) != 1 || fallback.Required[0] != FieldReply {
		t.Errorf("unknown stage should fall back to reply-only, got %+v", fallback)
	}
}

func TestContractReplyOnly(t *testing.T) {
	if !ContractFor(StageNewContact).ReplyOnly() {
		t.Error("NewContact contract should allow the raw-text fallback")
	}
	if ContractFor(StageSummaryValidation).ReplyOnly() {
		t.Error("SummaryValidation requires the accepted field, fallback must not apply")
	}
	if ContractFor(StageBookingValidation).ReplyOnly() {
		t.Error("BookingValidation requires the book field, fallback must not apply")
	}
}

func TestIsValidStage(t *testing.T) {
	for _, s := range ValidStageLabels() {
		if !IsValidStage(s) {
			t.Errorf("label %s should be valid", s)
		}
	}
	if !IsValidStage(StageSummaryValidation) {
		t.Error("chained validation stage should be recognized")
	}
	if IsValidStage(Stage("Unknown")) {
		t.Error("unknown label should be rejected")
	}
}

func TestBehaviorDocumentInstructionsFor(t *testing.T) {
	doc := BehaviorDocument{
		BasePrompt: "You are a support agent.",
		Stages:     map[Stage]string{StageNewContact: "Greet warmly."},
	}
	if got := doc.InstructionsFor(StageNewContact); got != "Greet warmly." {
		t.Errorf("unexpected instructions %q", got)
	}
	if got := doc.InstructionsFor(StageStandardService); got != "" {
		t.Errorf("missing stage should yield empty instructions, got %q", got)
	}
}
