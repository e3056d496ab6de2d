package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Sender role labels used when rendering conversation turns into a prompt.
const (
	roleAssistant = "assistant"
	roleContact   = "contact"
)

// BuildPrompt renders the final model prompt for one stage run. The layout is
// fixed: base prompt, stage instructions, response contract, chronological
// history (oldest first), the current message, then optional extra context.
// The function performs no I/O and is deterministic for identical inputs, so
// callers may rely on byte-identical output.
func BuildPrompt(doc *models.BehaviorDocument, stage models.Stage, history []models.Message, current models.Message, extraContext string) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(sanitizePromptText(doc.BasePrompt)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Expected behavior for stage %s:\n", stage)
	b.WriteString(strings.TrimSpace(sanitizePromptText(doc.InstructionsFor(stage))))
	b.WriteString("\n\n")

	b.WriteString(contractBlock(stage))

	if len(history) > 0 {
		b.WriteString("\nConversation history, oldest first:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "[%s] %s\n", senderRole(m), sanitizePromptText(m.Text))
		}
	}

	b.WriteString("\nCurrent message:\n")
	fmt.Fprintf(&b, "[%s] %s\n", roleContact, sanitizePromptText(current.Text))

	if extraContext != "" {
		b.WriteString("\nAdditional context:\n")
		b.WriteString(strings.TrimSpace(sanitizePromptText(extraContext)))
		b.WriteString("\n")
	}

	return b.String()
}

// contractBlock renders the JSON response instructions for a stage: the valid
// stage labels the model may suggest and the required/optional fields of the
// stage's response contract.
func contractBlock(stage models.Stage) string {
	contract := models.ContractFor(stage)
	labels := models.ValidStageLabels()
	labelStrs := make([]string, len(labels))
	for i, l := range labels {
		labelStrs[i] = string(l)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Valid stage labels: %s.\n", strings.Join(labelStrs, ", "))
	b.WriteString("Respond with only a single JSON object. No prose, no markdown, nothing outside the object.\n")
	fmt.Fprintf(&b, "Required fields: %s.\n", strings.Join(contract.Required, ", "))
	if len(contract.Optional) > 0 {
		fmt.Fprintf(&b, "Optional fields: %s.\n", strings.Join(contract.Optional, ", "))
	}
	return b.String()
}

// SchemaFor builds a JSON schema for the stage's response contract, used when
// the model backend supports schema-constrained output. Extra fields are
// allowed so stage-specific extensions survive extraction.
func SchemaFor(stage models.Stage) map[string]interface{} {
	contract := models.ContractFor(stage)
	properties := map[string]interface{}{}
	for _, field := range contract.Required {
		properties[field] = fieldSchema(field)
	}
	for _, field := range contract.Optional {
		properties[field] = fieldSchema(field)
	}
	required := contract.Required
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": true,
	}
}

func fieldSchema(field string) map[string]interface{} {
	switch field {
	case models.FieldAccepted, models.FieldSwitch, models.FieldBook:
		return map[string]interface{}{"type": "boolean"}
	default:
		return map[string]interface{}{"type": "string"}
	}
}

func senderRole(m models.Message) string {
	if m.Sender == models.BotSenderID {
		return roleAssistant
	}
	return roleContact
}

// sanitizePromptText strips control characters other than newline so the
// assembled prompt stays a clean single string.
func sanitizePromptText(s string) string {
	if !strings.ContainsFunc(s, isForbiddenControl) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isForbiddenControl(r) {
			return ' '
		}
		return r
	}, s)
}

func isForbiddenControl(r rune) bool {
	return r != '\n' && (r < 0x20 || r == 0x7f)
}
