package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
)

// WhatsAppService implements Service on top of the whatsmeow-based client.
type WhatsAppService struct {
	sender   whatsapp.Sender
	waClient *whatsapp.Client // full client for event handling, nil for mocks
	inbound  chan Inbound
	stopOnce sync.Once
	done     chan struct{}
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
// When the sender is the full client, inbound events are surfaced; a mock
// sender yields a send-only service.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		sender:  sender,
		inbound: make(chan Inbound, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
	if waClient, ok := sender.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface sender, no event handling")
	}
	return s
}

// Channel identifies this service as the WhatsApp channel.
func (s *WhatsAppService) Channel() models.Channel {
	return models.ChannelWhatsApp
}

// ValidateAndCanonicalizeRecipient validates a phone-number recipient.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler that feeds inbound events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop signals shutdown and disconnects the client. The inbound channel is
// never closed so a whatsmeow event racing Stop cannot panic on a closed
// channel; consumers exit via their context instead.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.waClient != nil {
			s.waClient.Disconnect()
		}
		slog.Info("WhatsAppService stopped")
	})
	return nil
}

// SendMessage sends a message through the WhatsApp client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService.SendMessage invoked", "to", to, "body_length", len(body))
	return s.sender.SendMessage(ctx, to, body)
}

// Inbound returns the stream of inbound message events.
func (s *WhatsAppService) Inbound() <-chan Inbound {
	return s.inbound
}

// handleIncomingMessage normalizes a whatsmeow message event. Messages sent
// from this account and empty payloads are dropped; non-text messages are
// surfaced with a non-text kind so history stays complete.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	kind := models.MessageKindText
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil || evt.Message.AudioMessage != nil || evt.Message.DocumentMessage != nil:
		kind = models.MessageKindMedia
	default:
		kind = models.MessageKindOther
	}
	if kind == models.MessageKindText && strings.TrimSpace(text) == "" {
		return
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}

	in := Inbound{
		Channel:    models.ChannelWhatsApp,
		From:       from,
		Body:       text,
		PlatformID: evt.Info.ID,
		Kind:       kind,
		Timestamp:  evt.Info.Timestamp,
	}

	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.inbound <- in:
		slog.Debug("WhatsAppService inbound event queued", "from", in.From, "kind", in.Kind)
	default:
		slog.Warn("WhatsAppService inbound channel full, dropping event", "from", in.From)
	}
}
