// Package models defines behavior document structures for FunnelPipe.
package models

import "time"

// BehaviorDocument is the external configuration driving the funnel prompts:
// a base persona prompt plus per-stage instructions. Exactly one document is
// active at a time and the orchestration core never mutates it.
type BehaviorDocument struct {
	ID         string           `json:"id"`
	BasePrompt string           `json:"base_prompt"`
	Stages     map[Stage]string `json:"stages"` // stage -> instruction text
	Active     bool             `json:"active"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// InstructionsFor returns the instruction text for the given stage, or the
// empty string if the document does not configure it.
func (d *BehaviorDocument) InstructionsFor(stage Stage) string {
	if d == nil || d.Stages == nil {
		return ""
	}
	return d.Stages[stage]
}

// Validate checks the document can drive the funnel.
func (d *BehaviorDocument) Validate() error {
	if d.BasePrompt == "" {
		return ErrNoBehaviorDoc
	}
	return nil
}
