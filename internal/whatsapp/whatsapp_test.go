package whatsapp

import (
	"context"
	"testing"
)

func TestMockClientRecordsMessages(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SendMessage(context.Background(), "+15551234567", "again"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Sent) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(m.Sent))
	}
	if m.Sent[0].To != "+15551234567" || m.Sent[0].Body != "hello" {
		t.Errorf("unexpected first message %+v", m.Sent[0])
	}
	if m.Sent[1].Body != "again" {
		t.Errorf("unexpected second message %+v", m.Sent[1])
	}
}
