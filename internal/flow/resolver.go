// Package flow implements the conversational orchestration core: the message
// debouncer, the funnel stage resolver, the prompt assembler, and the
// orchestrator that ties them to the model client and the store.
package flow

import (
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// stageRule pairs a predicate over a contact's flag snapshot with the stage
// decision it produces. Rules are evaluated top to bottom and the first match
// wins, so every predicate spells out the full flag prefix it depends on.
type stageRule struct {
	matches  func(models.ContactFlags) bool
	decision models.StageDecision
}

var stageRules = []stageRule{
	{
		matches: func(f models.ContactFlags) bool {
			return !f.Greeted
		},
		decision: models.StageDecision{
			Stage:         models.StageNewContact,
			FlagOnSuccess: models.FlagGreeted,
			FollowUp:      models.FollowUpNone,
		},
	},
	{
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && !f.SummaryRequested
		},
		decision: models.StageDecision{
			Stage:         models.StageTriageInProgress,
			FlagOnSuccess: models.FlagSummaryRequested,
			FollowUp:      models.FollowUpNone,
		},
	},
	{
		// The summary milestone is a two-step chain: a verifier extracts a
		// candidate summary, then a separate validation pass decides whether
		// to accept it before the contact sees any reply.
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && !f.SummaryConfirmed
		},
		decision: models.StageDecision{
			Stage:           models.StageSummaryVerifier,
			FlagOnSuccess:   models.FlagSummaryConfirmed,
			NeedsValidation: true,
			FollowUp:        models.FollowUpNone,
		},
	},
	{
		// Booking was offered but not confirmed yet: decide whether to create
		// the booking. The stage sets no flag itself, booking creation is an
		// external action triggered by its output.
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && f.SummaryConfirmed &&
				f.UrgencyResolved && f.SchedulingOffered && f.BookingOffered && !f.BookingConfirmed
		},
		decision: models.StageDecision{
			Stage:    models.StageBookingValidation,
			FollowUp: models.FollowUpCreateBooking,
		},
	},
	{
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && f.SummaryConfirmed &&
				f.UrgencyResolved && f.SchedulingOffered && !f.BookingOffered
		},
		decision: models.StageDecision{
			Stage:         models.StageNameValidation,
			FlagOnSuccess: models.FlagBookingOffered,
			FollowUp:      models.FollowUpOfferScheduling,
		},
	},
	{
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && f.SummaryConfirmed &&
				f.UrgencyResolved && !f.SchedulingOffered
		},
		decision: models.StageDecision{
			Stage:         models.StageUrgencyValidation,
			FlagOnSuccess: models.FlagSchedulingOffered,
			FollowUp:      models.FollowUpRequestName,
		},
	},
	{
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && f.SummaryConfirmed &&
				!f.UrgencyResolved && !f.SchedulingOffered && !f.BookingOffered
		},
		decision: models.StageDecision{
			Stage:         models.StageSummaryIncorporation,
			FlagOnSuccess: models.FlagUrgencyResolved,
			FollowUp:      models.FollowUpNone,
		},
	},
	{
		matches: func(f models.ContactFlags) bool {
			return f.Greeted && f.SummaryRequested && f.SummaryConfirmed &&
				f.UrgencyResolved && f.SchedulingOffered && f.BookingOffered && f.BookingConfirmed
		},
		decision: models.StageDecision{
			Stage:    models.StageStandardService,
			FollowUp: models.FollowUpNone,
		},
	},
}

// ResolveStage maps a contact's flag snapshot to the next stage decision.
// It is a pure function of the flags: identical snapshots always yield the
// identical decision. The boolean result is false when no rule matches, which
// the caller treats as "do not invoke the model", not as an error.
func ResolveStage(c *models.Contact) (models.StageDecision, bool) {
	for _, rule := range stageRules {
		if rule.matches(c.Flags) {
			return rule.decision, true
		}
	}
	slog.Warn("flow.ResolveStage: no rule matched flag snapshot", "contactID", c.ID, "flags", c.Flags)
	return models.StageDecision{}, false
}
