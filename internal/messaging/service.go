// Package messaging defines the pluggable channel abstraction and the inbound
// handler that feeds contact messages into the orchestration core.
package messaging

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Constants for channel service configuration.
const (
	// DefaultChannelBufferSize defines the buffer size for inbound event channels.
	DefaultChannelBufferSize = 100
)

// Inbound is a normalized inbound message event emitted by a channel service.
// The contact is not resolved yet; the handler owns that.
type Inbound struct {
	Channel    models.Channel
	From       string // canonical sender address (E.164 phone number)
	Body       string
	PlatformID string // platform message id, used for deduplication
	Kind       models.MessageKind
	Timestamp  time.Time
}

// Service defines a pluggable messaging channel. It sends outbound replies
// and surfaces normalized inbound events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns its canonical form. Each channel owns its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Channel identifies which channel this service serves.
	Channel() models.Channel

	// Inbound returns the stream of normalized inbound message events.
	Inbound() <-chan Inbound
}

// phonePattern matches E.164 phone numbers with an optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// canonicalizePhone validates a phone-number recipient and normalizes it to
// E.164 with a leading plus. Shared by both WhatsApp-backed channels.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if !phonePattern.MatchString(recipient) {
		return "", fmt.Errorf("recipient %q is not a valid phone number", recipient)
	}
	if recipient[0] != '+' {
		recipient = "+" + recipient
	}
	return recipient, nil
}
