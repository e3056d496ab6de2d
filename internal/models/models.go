// Package models defines the core data structures for FunnelPipe.
//
// It includes types for contacts, conversation messages and behavior
// documents, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies the messaging platform a contact converses on.
type Channel string

const (
	// ChannelWhatsApp is the whatsmeow-backed WhatsApp channel.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTwilio is the Twilio WhatsApp webhook channel.
	ChannelTwilio Channel = "twilio"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelTwilio:
		return true
	default:
		return false
	}
}

// MessageKind classifies the payload of a conversation message.
type MessageKind string

const (
	// MessageKindText is a plain text message.
	MessageKindText MessageKind = "text"
	// MessageKindMedia is an image, audio or document message.
	MessageKindMedia MessageKind = "media"
	// MessageKindOther covers reactions, polls and anything else.
	MessageKindOther MessageKind = "other"
)

// BotSenderID is the sentinel author id for outbound messages generated by
// the system. Any other sender id is treated as the contact.
const BotSenderID = "bot"

// InterestUnknown marks a contact whose product interest has not been
// established yet.
const InterestUnknown = "UNKNOWN"

// DefaultHistoryLimit caps the number of prior messages included when
// prompting the model.
const DefaultHistoryLimit = 10

// Validation constants for input validation.
const (
	// MaxMessageBodyLength defines the maximum allowed length for a stored message body.
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability.
var (
	ErrEmptyContactID   = errors.New("contact id cannot be empty")
	ErrEmptyAddress     = errors.New("contact address cannot be empty")
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrEmptyMessageText = errors.New("message text cannot be empty")
	ErrMessageTooLong   = errors.New("message body exceeds maximum length")
	ErrNoBehaviorDoc    = errors.New("no active behavior document")
)

// ContactFlags is the ordered set of boolean funnel milestones for a contact.
// Flags are monotonic: once true they are never reset by the orchestration
// core (reset is an administrative action).
type ContactFlags struct {
	Greeted           bool `json:"greeted"`
	SummaryRequested  bool `json:"summary_requested"`
	SummaryConfirmed  bool `json:"summary_confirmed"`
	UrgencyResolved   bool `json:"urgency_resolved"`
	SchedulingOffered bool `json:"scheduling_offered"`
	BookingOffered    bool `json:"booking_offered"`
	BookingConfirmed  bool `json:"booking_confirmed"`
}

// Contact represents a person in the qualification funnel.
type Contact struct {
	ID              string       `json:"id"`
	Channel         Channel      `json:"channel"`
	Address         string       `json:"address"` // phone number or platform handle
	DisplayName     string       `json:"display_name,omitempty"`
	Flags           ContactFlags `json:"flags"`
	InterestProduct string       `json:"interest_product,omitempty"` // empty, UNKNOWN, or a product name
	CaseSummary     string       `json:"case_summary,omitempty"`
	CaseInfo        string       `json:"case_info,omitempty"`
	LastMessageText string       `json:"last_message_text,omitempty"`
	LastMessageAt   time.Time    `json:"last_message_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Validate performs basic validation on a Contact.
func (c *Contact) Validate() error {
	if c.ID == "" {
		return ErrEmptyContactID
	}
	if c.Address == "" {
		return ErrEmptyAddress
	}
	if !IsValidChannel(c.Channel) {
		return ErrInvalidChannel
	}
	return nil
}

// ContactPatch is a partial update applied to a contact's flags and
// commercial fields. Nil fields are left untouched; boolean flags may only be
// raised, never lowered, by the orchestration core.
type ContactPatch struct {
	DisplayName       *string `json:"display_name,omitempty"`
	Greeted           *bool   `json:"greeted,omitempty"`
	SummaryRequested  *bool   `json:"summary_requested,omitempty"`
	SummaryConfirmed  *bool   `json:"summary_confirmed,omitempty"`
	UrgencyResolved   *bool   `json:"urgency_resolved,omitempty"`
	SchedulingOffered *bool   `json:"scheduling_offered,omitempty"`
	BookingOffered    *bool   `json:"booking_offered,omitempty"`
	BookingConfirmed  *bool   `json:"booking_confirmed,omitempty"`
	InterestProduct   *string `json:"interest_product,omitempty"`
	CaseSummary       *string `json:"case_summary,omitempty"`
	CaseInfo          *string `json:"case_info,omitempty"`
}

// IsEmpty reports whether the patch carries no changes.
func (p *ContactPatch) IsEmpty() bool {
	return p.DisplayName == nil && p.Greeted == nil && p.SummaryRequested == nil && p.SummaryConfirmed == nil &&
		p.UrgencyResolved == nil && p.SchedulingOffered == nil && p.BookingOffered == nil &&
		p.BookingConfirmed == nil && p.InterestProduct == nil && p.CaseSummary == nil &&
		p.CaseInfo == nil
}

// Apply merges the patch into the given contact in place.
func (p *ContactPatch) Apply(c *Contact) {
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Greeted != nil && *p.Greeted {
		c.Flags.Greeted = true
	}
	if p.SummaryRequested != nil && *p.SummaryRequested {
		c.Flags.SummaryRequested = true
	}
	if p.SummaryConfirmed != nil && *p.SummaryConfirmed {
		c.Flags.SummaryConfirmed = true
	}
	if p.UrgencyResolved != nil && *p.UrgencyResolved {
		c.Flags.UrgencyResolved = true
	}
	if p.SchedulingOffered != nil && *p.SchedulingOffered {
		c.Flags.SchedulingOffered = true
	}
	if p.BookingOffered != nil && *p.BookingOffered {
		c.Flags.BookingOffered = true
	}
	if p.BookingConfirmed != nil && *p.BookingConfirmed {
		c.Flags.BookingConfirmed = true
	}
	if p.InterestProduct != nil {
		c.InterestProduct = *p.InterestProduct
	}
	if p.CaseSummary != nil {
		c.CaseSummary = *p.CaseSummary
	}
	if p.CaseInfo != nil {
		c.CaseInfo = *p.CaseInfo
	}
	c.UpdatedAt = time.Now()
}

// BoolPtr returns a pointer to the given bool, for building patches.
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to the given string, for building patches.
func StringPtr(s string) *string { return &s }

// Message represents a single message in a contact's conversation.
// Histories are append-only per contact.
type Message struct {
	PlatformID string      `json:"platform_id"` // platform-provided message id, used for deduplication
	ContactID  string      `json:"contact_id"`
	Channel    Channel     `json:"channel"`
	Sender     string      `json:"sender"` // contact address, or BotSenderID for outbound
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Inbound reports whether the message came from the contact.
func (m *Message) Inbound() bool {
	return m.Sender != BotSenderID
}

// Validate performs basic validation on a Message.
func (m *Message) Validate() error {
	if m.ContactID == "" {
		return ErrEmptyContactID
	}
	if m.Kind == MessageKindText && m.Text == "" {
		return ErrEmptyMessageText
	}
	if len(m.Text) > MaxMessageBodyLength {
		return ErrMessageTooLong
	}
	return nil
}

// DeliveryStatus represents the delivery status of an outbound reply.
type DeliveryStatus string

const (
	// DeliveryStatusSent indicates the reply was accepted by the channel.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed indicates the reply could not be sent.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// DeliveryResult reports the outcome of handing a reply to a channel.
type DeliveryResult struct {
	ContactID string         `json:"contact_id"`
	Status    DeliveryStatus `json:"status"`
	Time      int64          `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound message was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response with a message.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}
