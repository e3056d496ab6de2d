// Package models defines funnel stage types to avoid circular imports.
package models

// Stage identifies a funnel stage prompt the model can be asked to run.
type Stage string

// Funnel stage constants, in funnel order.
const (
	// StageNewContact greets a contact that has never been addressed.
	StageNewContact Stage = "NewContact"
	// StageTriageInProgress asks for a description of the contact's case.
	StageTriageInProgress Stage = "TriageInProgress"
	// StageSummaryVerifier extracts a candidate case summary from the conversation.
	StageSummaryVerifier Stage = "SummaryVerifier"
	// StageSummaryValidation decides whether the candidate summary is accepted.
	// It runs chained after StageSummaryVerifier, before the user sees a reply.
	StageSummaryValidation Stage = "SummaryValidation"
	// StageSummaryIncorporation re-validates the confirmed summary against new input.
	StageSummaryIncorporation Stage = "SummaryIncorporationValidation"
	// StageUrgencyValidation resolves how urgent the case is, then requests a name.
	StageUrgencyValidation Stage = "UrgencyValidation"
	// StageNameValidation validates or extracts a name, then offers scheduling.
	StageNameValidation Stage = "NameValidation"
	// StageBookingValidation decides whether a booking should be created.
	// Booking creation itself is an external action triggered by its output.
	StageBookingValidation Stage = "BookingValidation"
	// StageStandardService is the steady-state continuation after the funnel.
	StageStandardService Stage = "StandardService"
)

// FlagName identifies a funnel flag that a stage raises on success.
type FlagName string

const (
	FlagGreeted           FlagName = "greeted"
	FlagSummaryRequested  FlagName = "summaryRequested"
	FlagSummaryConfirmed  FlagName = "summaryConfirmed"
	FlagUrgencyResolved   FlagName = "urgencyResolved"
	FlagSchedulingOffered FlagName = "schedulingOffered"
	FlagBookingOffered    FlagName = "bookingOffered"
	FlagBookingConfirmed  FlagName = "bookingConfirmed"
)

// FollowUpKind hints at what the stage reply should steer the contact toward
// after its own validation succeeds.
type FollowUpKind string

const (
	// FollowUpNone means the stage reply stands on its own.
	FollowUpNone FollowUpKind = "none"
	// FollowUpRequestName means the reply should ask for the contact's name.
	FollowUpRequestName FollowUpKind = "request_name"
	// FollowUpOfferScheduling means the reply should offer appointment slots.
	FollowUpOfferScheduling FollowUpKind = "offer_scheduling"
	// FollowUpCreateBooking means an external booking action should be triggered.
	FollowUpCreateBooking FollowUpKind = "create_booking"
)

// StageDecision is the outcome of resolving a contact's flags against the
// funnel rules: which stage prompt to run, which flag to raise after a
// successful reply, whether a chained validation pass must run first, and
// what the reply should follow up with.
type StageDecision struct {
	Stage           Stage        `json:"stage"`
	FlagOnSuccess   FlagName     `json:"flag_on_success,omitempty"`
	NeedsValidation bool         `json:"needs_validation"` // run StageSummaryValidation before replying
	FollowUp        FollowUpKind `json:"follow_up"`
}

// ResponseContract declares the JSON fields a stage's model response must and
// may carry. Different stages expect different shapes on the same "JSON
// response" concept, so the contract is keyed explicitly by stage instead of
// duck-typing the decoded object.
type ResponseContract struct {
	Required []string
	Optional []string
}

// Response field names shared across stage contracts.
const (
	FieldReply          = "reply"
	FieldSuggestedStage = "suggestedStage"
	FieldInterest       = "interest"
	FieldProduct        = "product"
	FieldSwitch         = "switch"
	FieldSummary        = "summary"
	FieldAccepted       = "accepted"
	FieldUrgency        = "urgency"
	FieldName           = "name"
	FieldBook           = "book"
)

var stageContracts = map[Stage]ResponseContract{
	StageNewContact:           {Required: []string{FieldSuggestedStage, FieldReply}, Optional: []string{FieldInterest, FieldProduct}},
	StageTriageInProgress:     {Required: []string{FieldSuggestedStage, FieldReply}, Optional: []string{FieldInterest, FieldProduct, FieldSwitch}},
	StageSummaryVerifier:      {Required: []string{FieldSummary}, Optional: []string{FieldReply}},
	StageSummaryValidation:    {Required: []string{FieldAccepted, FieldReply}, Optional: []string{FieldSummary}},
	StageSummaryIncorporation: {Required: []string{FieldAccepted, FieldReply}, Optional: []string{FieldSummary, FieldSwitch}},
	StageUrgencyValidation:    {Required: []string{FieldUrgency, FieldReply}, Optional: nil},
	StageNameValidation:       {Required: []string{FieldName, FieldReply}, Optional: nil},
	StageBookingValidation:    {Required: []string{FieldBook, FieldReply}, Optional: nil},
	StageStandardService:      {Required: []string{FieldSuggestedStage, FieldReply}, Optional: nil},
}

// ContractFor returns the response contract for the given stage. Unknown
// stages fall back to the minimal reply-only contract.
func ContractFor(stage Stage) ResponseContract {
	if c, ok := stageContracts[stage]; ok {
		return c
	}
	return ResponseContract{Required: []string{FieldReply}}
}

// ReplyOnly reports whether the stage's contract can recover from a malformed
// model response by treating the whole raw text as the reply. Stages whose
// contract carries mandatory non-reply fields cannot.
func (c ResponseContract) ReplyOnly() bool {
	for _, f := range c.Required {
		if f != FieldReply && f != FieldSuggestedStage {
			return false
		}
	}
	return true
}

// ValidStageLabels lists the stage labels the model may legally suggest as a
// next stage.
func ValidStageLabels() []Stage {
	return []Stage{
		StageNewContact,
		StageTriageInProgress,
		StageSummaryVerifier,
		StageSummaryIncorporation,
		StageUrgencyValidation,
		StageNameValidation,
		StageBookingValidation,
		StageStandardService,
	}
}

// IsValidStage checks if the given stage label is known.
func IsValidStage(s Stage) bool {
	if s == StageSummaryValidation {
		return true
	}
	for _, label := range ValidStageLabels() {
		if label == s {
			return true
		}
	}
	return false
}
