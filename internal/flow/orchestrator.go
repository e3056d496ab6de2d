package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FunnelPipe/internal/genai"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Orchestrator runs the pipeline for one fired debounce batch: resolve the
// stage, build the prompt, invoke the model, extract the structured answer,
// deliver the reply and only then commit flag transitions. A failed run
// commits nothing; the next inbound message re-arms the funnel from the
// unchanged persisted flags.
type Orchestrator struct {
	store        store.Store
	genAI        genai.ClientInterface
	delivery     DeliverySender
	booking      BookingRequester
	historyLimit int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBookingRequester wires the external collaborator that creates bookings
// when the booking validation stage asks for one.
func WithBookingRequester(b BookingRequester) OrchestratorOption {
	return func(o *Orchestrator) { o.booking = b }
}

// WithHistoryLimit overrides the number of prior messages included in prompts.
func WithHistoryLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// NewOrchestrator creates an orchestrator over the given store, model client
// and delivery sender.
func NewOrchestrator(st store.Store, client genai.ClientInterface, delivery DeliverySender, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		genAI:        client,
		delivery:     delivery,
		historyLimit: models.DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// JobFor builds the debounce job for one inbound message. The contact is
// re-read at fire time, so a coalesced burst processes current state rather
// than the state seen when the first message arrived.
func (o *Orchestrator) JobFor(contactID string, current models.Message) Job {
	return func(ctx context.Context) error {
		return o.ProcessContact(ctx, contactID, current)
	}
}

// ProcessContact runs one full pipeline pass for a contact, with current as
// the triggering message. Flags are committed only after the reply has been
// extracted and delivered.
func (o *Orchestrator) ProcessContact(ctx context.Context, contactID string, current models.Message) error {
	contact, err := o.store.GetContact(contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}
	if contact == nil {
		return fmt.Errorf("contact %s not found", contactID)
	}

	decision, ok := ResolveStage(contact)
	if !ok {
		slog.Info("Orchestrator.ProcessContact: no stage resolved, skipping model call", "contactID", contactID)
		return nil
	}

	doc, err := o.store.GetBehaviorDocument()
	if err != nil {
		return fmt.Errorf("failed to load behavior document: %w", err)
	}

	history, err := o.store.GetRecentMessages(contactID, o.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", contactID, err)
	}
	history = excludeCurrent(history, current)

	var patch models.ContactPatch
	var reply string
	if decision.NeedsValidation {
		reply, err = o.runSummaryChain(ctx, contact, doc, history, current, &patch)
	} else {
		reply, err = o.runSingleStage(ctx, contact, doc, decision, history, current, &patch)
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) == "" {
		slog.Warn("Orchestrator.ProcessContact: model produced no reply", "contactID", contactID, "stage", decision.Stage)
		return nil
	}

	result, err := o.delivery.DeliverReply(ctx, contact, reply)
	if err != nil {
		return fmt.Errorf("failed to deliver reply to %s: %w", contactID, err)
	}
	if result.Status != models.DeliveryStatusSent {
		return fmt.Errorf("reply delivery to %s reported status %s", contactID, result.Status)
	}

	outbound := models.Message{
		PlatformID: uuid.NewString(),
		ContactID:  contactID,
		Channel:    contact.Channel,
		Sender:     models.BotSenderID,
		Text:       reply,
		Kind:       models.MessageKindText,
		Timestamp:  time.Now(),
	}
	if err := o.store.AddMessage(outbound); err != nil {
		slog.Error("Orchestrator.ProcessContact: failed to persist outbound reply", "error", err, "contactID", contactID)
	}

	if !patch.IsEmpty() {
		if err := o.store.UpdateContactFlags(contactID, patch); err != nil {
			return fmt.Errorf("failed to commit flag transition for %s: %w", contactID, err)
		}
	}
	slog.Debug("Orchestrator.ProcessContact: completed", "contactID", contactID, "stage", decision.Stage)
	return nil
}

// runStage executes one model call for a stage and extracts its structured
// response. A malformed response on a reply-only stage falls back to treating
// the whole raw text as the reply; stages with mandatory non-reply fields
// surface the typed failure instead.
func (o *Orchestrator) runStage(ctx context.Context, doc *models.BehaviorDocument, stage models.Stage, history []models.Message, current models.Message, extraContext string) (genai.ParsedResponse, error) {
	prompt := BuildPrompt(doc, stage, history, current, extraContext)
	raw, err := o.genAI.GenerateWithSchema(ctx, prompt, current.Text, SchemaFor(stage))
	if err != nil {
		return nil, fmt.Errorf("model call for stage %s failed: %w", stage, err)
	}

	contract := models.ContractFor(stage)
	parsed, err := genai.Extract(raw, contract.Required)
	if err != nil {
		var malformed *genai.MalformedResponseError
		if errors.As(err, &malformed) && contract.ReplyOnly() {
			slog.Warn("Orchestrator.runStage: malformed response, using raw text as reply", "stage", stage, "reason", malformed.Reason)
			return genai.ParsedResponse{models.FieldReply: strings.TrimSpace(raw)}, nil
		}
		return nil, fmt.Errorf("stage %s response rejected: %w", stage, err)
	}
	return parsed, nil
}

// runSummaryChain runs the two-step summary milestone: the verifier extracts
// a candidate case summary, then a separate validation pass decides whether
// to accept it. The summary flag advances only when the validation accepts.
func (o *Orchestrator) runSummaryChain(ctx context.Context, contact *models.Contact, doc *models.BehaviorDocument, history []models.Message, current models.Message, patch *models.ContactPatch) (string, error) {
	verified, err := o.runStage(ctx, doc, models.StageSummaryVerifier, history, current, "")
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(verified.String(models.FieldSummary))
	if summary == "" {
		return "", fmt.Errorf("summary verifier returned an empty summary for %s", contact.ID)
	}

	validated, err := o.runStage(ctx, doc, models.StageSummaryValidation, history, current, "Candidate case summary:\n"+summary)
	if err != nil {
		return "", err
	}

	accepted, _ := validated.Bool(models.FieldAccepted)
	if accepted {
		if revised := strings.TrimSpace(validated.String(models.FieldSummary)); revised != "" {
			summary = revised
		}
		patch.SummaryConfirmed = models.BoolPtr(true)
		patch.CaseSummary = models.StringPtr(summary)
		slog.Debug("Orchestrator.runSummaryChain: summary accepted", "contactID", contact.ID)
	} else {
		slog.Info("Orchestrator.runSummaryChain: summary rejected, flag not advanced", "contactID", contact.ID)
	}
	return validated.String(models.FieldReply), nil
}

// runSingleStage executes a non-chained stage and stages its commits in the
// patch. Validation stages advance their flag only when the stage's own
// criterion holds; the reply is returned regardless so the contact can be
// asked to clarify.
func (o *Orchestrator) runSingleStage(ctx context.Context, contact *models.Contact, doc *models.BehaviorDocument, decision models.StageDecision, history []models.Message, current models.Message, patch *models.ContactPatch) (string, error) {
	parsed, err := o.runStage(ctx, doc, decision.Stage, history, current, "")
	if err != nil {
		return "", err
	}

	advance := true
	switch decision.Stage {
	case models.StageNewContact, models.StageTriageInProgress, models.StageStandardService:
		o.noteSuggestedStage(contact, parsed)
		if product := strings.TrimSpace(parsed.String(models.FieldProduct)); product != "" {
			patch.InterestProduct = models.StringPtr(product)
		} else if interest := strings.TrimSpace(parsed.String(models.FieldInterest)); interest != "" {
			patch.InterestProduct = models.StringPtr(interest)
		}
	case models.StageSummaryIncorporation:
		accepted, ok := parsed.Bool(models.FieldAccepted)
		advance = ok && accepted
		if advance {
			if revised := strings.TrimSpace(parsed.String(models.FieldSummary)); revised != "" {
				patch.CaseSummary = models.StringPtr(revised)
			}
		}
	case models.StageUrgencyValidation:
		urgency := strings.TrimSpace(parsed.String(models.FieldUrgency))
		advance = urgency != ""
		if advance {
			patch.CaseInfo = models.StringPtr(appendCaseInfo(contact.CaseInfo, "urgency: "+urgency))
		}
	case models.StageNameValidation:
		name := strings.TrimSpace(parsed.String(models.FieldName))
		advance = name != ""
		if advance {
			patch.DisplayName = models.StringPtr(name)
		}
	case models.StageBookingValidation:
		if book, _ := parsed.Bool(models.FieldBook); book {
			o.requestBooking(ctx, contact)
		}
	}

	if advance && decision.FlagOnSuccess != "" {
		raiseFlag(patch, decision.FlagOnSuccess)
	}
	return parsed.String(models.FieldReply), nil
}

// noteSuggestedStage records the model's advisory next-stage suggestion. The
// resolver stays authoritative over transitions, so an unknown label is only
// logged.
func (o *Orchestrator) noteSuggestedStage(contact *models.Contact, parsed genai.ParsedResponse) {
	suggested := models.Stage(strings.TrimSpace(parsed.String(models.FieldSuggestedStage)))
	if suggested == "" {
		return
	}
	if !models.IsValidStage(suggested) {
		slog.Warn("Orchestrator: model suggested unknown stage", "contactID", contact.ID, "suggested", suggested)
		return
	}
	slog.Debug("Orchestrator: model suggested next stage", "contactID", contact.ID, "suggested", suggested)
}

func (o *Orchestrator) requestBooking(ctx context.Context, contact *models.Contact) {
	if o.booking == nil {
		slog.Warn("Orchestrator: booking requested but no booking collaborator configured", "contactID", contact.ID)
		return
	}
	if err := o.booking.RequestBooking(ctx, contact); err != nil {
		slog.Error("Orchestrator: booking request failed", "error", err, "contactID", contact.ID)
	}
}

// excludeCurrent drops the triggering message from the history slice so it
// appears only under the current-message label in the prompt.
func excludeCurrent(history []models.Message, current models.Message) []models.Message {
	if current.PlatformID == "" {
		return history
	}
	out := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.PlatformID != current.PlatformID {
			out = append(out, m)
		}
	}
	return out
}

func appendCaseInfo(existing, line string) string {
	if strings.TrimSpace(existing) == "" {
		return line
	}
	return existing + "\n" + line
}

func raiseFlag(patch *models.ContactPatch, flag models.FlagName) {
	switch flag {
	case models.FlagGreeted:
		patch.Greeted = models.BoolPtr(true)
	case models.FlagSummaryRequested:
		patch.SummaryRequested = models.BoolPtr(true)
	case models.FlagSummaryConfirmed:
		patch.SummaryConfirmed = models.BoolPtr(true)
	case models.FlagUrgencyResolved:
		patch.UrgencyResolved = models.BoolPtr(true)
	case models.FlagSchedulingOffered:
		patch.SchedulingOffered = models.BoolPtr(true)
	case models.FlagBookingOffered:
		patch.BookingOffered = models.BoolPtr(true)
	case models.FlagBookingConfirmed:
		patch.BookingConfirmed = models.BoolPtr(true)
	default:
		slog.Warn("Orchestrator: unknown flag name, transition skipped", "flag", flag)
	}
}
