package flow

import (
	"context"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DeliverySender hands a generated reply to an outbound messaging channel.
// Retries and channel-specific formatting are the sender's concern.
type DeliverySender interface {
	DeliverReply(ctx context.Context, contact *models.Contact, text string) (models.DeliveryResult, error)
}

// BookingRequester is notified when the booking validation stage decides a
// booking should be created. Booking creation, and raising the confirmation
// flag once it exists, happen outside the orchestration core.
type BookingRequester interface {
	RequestBooking(ctx context.Context, contact *models.Contact) error
}
