package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// DeliveryRouter implements flow.DeliverySender by routing a reply to the
// service registered for the contact's channel.
type DeliveryRouter struct {
	services map[models.Channel]Service
}

// NewDeliveryRouter creates a router over the given channel services.
func NewDeliveryRouter(services ...Service) *DeliveryRouter {
	m := make(map[models.Channel]Service, len(services))
	for _, svc := range services {
		m[svc.Channel()] = svc
	}
	return &DeliveryRouter{services: m}
}

// DeliverReply sends the reply text to the contact over its channel.
func (r *DeliveryRouter) DeliverReply(ctx context.Context, contact *models.Contact, text string) (models.DeliveryResult, error) {
	result := models.DeliveryResult{
		ContactID: contact.ID,
		Status:    models.DeliveryStatusFailed,
		Time:      time.Now().Unix(),
	}
	svc, ok := r.services[contact.Channel]
	if !ok {
		return result, fmt.Errorf("no service registered for channel %s", contact.Channel)
	}
	if err := svc.SendMessage(ctx, contact.Address, text); err != nil {
		return result, fmt.Errorf("failed to deliver reply to %s: %w", contact.ID, err)
	}
	result.Status = models.DeliveryStatusSent
	result.Time = time.Now().Unix()
	return result, nil
}

// Handler consumes inbound events from the channel services: it resolves or
// creates the contact, persists the message, and arms the debouncer with an
// orchestrator job for the batch.
type Handler struct {
	store    store.Store
	debounce *flow.Debouncer
	orch     *flow.Orchestrator
	services []Service
	delay    time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithDebounceDelay overrides the per-message debounce delay.
func WithDebounceDelay(d time.Duration) HandlerOption {
	return func(h *Handler) { h.delay = d }
}

// NewHandler creates a handler over the given store, debouncer, orchestrator
// and channel services.
func NewHandler(st store.Store, deb *flow.Debouncer, orch *flow.Orchestrator, services []Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    st,
		debounce: deb,
		orch:     orch,
		services: services,
		delay:    flow.DefaultDebounceDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run consumes inbound events from every service until the context is
// cancelled. It blocks; callers usually run it in a goroutine.
func (h *Handler) Run(ctx context.Context) {
	for _, svc := range h.services {
		go h.consume(ctx, svc)
	}
	<-ctx.Done()
	slog.Debug("Handler.Run stopping due to context cancellation")
}

func (h *Handler) consume(ctx context.Context, svc Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-svc.Inbound():
			if !ok {
				return
			}
			if err := h.HandleInbound(ctx, in); err != nil {
				slog.Error("Handler: failed to process inbound event", "error", err, "channel", in.Channel, "from", in.From)
			}
		}
	}
}

// HandleInbound processes one inbound event: upsert the contact, persist the
// message, and (for text messages) arm the debouncer. Non-text messages are
// recorded for history but never trigger the model.
func (h *Handler) HandleInbound(ctx context.Context, in Inbound) error {
	if in.From == "" {
		return fmt.Errorf("inbound event missing sender address")
	}
	now := in.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	contact, err := h.store.GetContactByAddress(in.Channel, in.From)
	if err != nil {
		return fmt.Errorf("failed to look up contact for %s: %w", in.From, err)
	}
	if contact == nil {
		contact = &models.Contact{
			ID:              uuid.NewString(),
			Channel:         in.Channel,
			Address:         in.From,
			InterestProduct: models.InterestUnknown,
			CreatedAt:       now,
		}
		slog.Info("Handler: new contact created", "contactID", contact.ID, "channel", in.Channel)
	}
	contact.LastMessageText = in.Body
	contact.LastMessageAt = now
	if err := h.store.SaveContact(*contact); err != nil {
		return fmt.Errorf("failed to save contact %s: %w", contact.ID, err)
	}

	msg := models.Message{
		PlatformID: in.PlatformID,
		ContactID:  contact.ID,
		Channel:    in.Channel,
		Sender:     in.From,
		Text:       in.Body,
		Kind:       in.Kind,
		Timestamp:  now,
	}
	if msg.PlatformID == "" {
		msg.PlatformID = uuid.NewString()
	}
	if err := h.store.AddMessage(msg); err != nil {
		return fmt.Errorf("failed to persist inbound message for %s: %w", contact.ID, err)
	}

	if in.Kind != models.MessageKindText {
		slog.Debug("Handler: non-text message recorded, debounce not armed", "contactID", contact.ID, "kind", in.Kind)
		return nil
	}

	h.debounce.Schedule(contact.ID, in.Channel, h.delay, h.orch.JobFor(contact.ID, msg))
	return nil
}
