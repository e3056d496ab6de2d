package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// traffic arrives via webhook: the API layer parses the request and calls
// Enqueue rather than this service polling anything.
type TwilioService struct {
	sender   twiliowhatsapp.Sender
	inbound  chan Inbound
	stopOnce sync.Once
	done     chan struct{}
}

// NewTwilioService creates a TwilioService wrapping the given sender.
func NewTwilioService(sender twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		sender:  sender,
		inbound: make(chan Inbound, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// Channel identifies this service as the Twilio channel.
func (s *TwilioService) Channel() models.Channel {
	return models.ChannelTwilio
}

// ValidateAndCanonicalizeRecipient validates a phone-number recipient,
// tolerating the whatsapp: prefix Twilio uses on addresses.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(strings.TrimPrefix(recipient, twiliowhatsapp.AddressPrefix))
}

// Start is a no-op: inbound traffic is webhook-driven.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Debug("TwilioService started, awaiting webhook traffic")
	return nil
}

// Stop signals shutdown. The inbound channel is never closed so a webhook
// racing Stop cannot panic on a closed channel; consumers exit via their
// context instead.
func (s *TwilioService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		slog.Info("TwilioService stopped")
	})
	return nil
}

// SendMessage sends a message through the Twilio API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("TwilioService.SendMessage invoked", "to", to, "body_length", len(body))
	return s.sender.SendMessage(ctx, to, body)
}

// Inbound returns the stream of inbound message events.
func (s *TwilioService) Inbound() <-chan Inbound {
	return s.inbound
}

// Enqueue normalizes a parsed webhook message and queues it for the handler.
// It reports false when the event was dropped because the queue is full or
// the service is stopped.
func (s *TwilioService) Enqueue(msg *twiliowhatsapp.InboundMessage) bool {
	from, err := s.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("TwilioService.Enqueue: invalid sender address", "error", err)
		return false
	}

	kind := models.MessageKindText
	if msg.NumMedia > 0 {
		kind = models.MessageKindMedia
	}

	in := Inbound{
		Channel:    models.ChannelTwilio,
		From:       from,
		Body:       msg.Body,
		PlatformID: msg.MessageSID,
		Kind:       kind,
		Timestamp:  msg.Received,
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.inbound <- in:
		slog.Debug("TwilioService inbound event queued", "from", in.From, "kind", in.Kind)
		return true
	default:
		slog.Warn("TwilioService inbound channel full, dropping event", "from", in.From)
		return false
	}
}
