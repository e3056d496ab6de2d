package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// contactColumns is the canonical column order shared by both SQL backends.
const contactColumns = `id, channel, address, display_name, flags_json, interest_product, case_summary, case_info, last_message_text, last_message_at, created_at, updated_at`

// messageColumns is the canonical column order shared by both SQL backends.
const messageColumns = `platform_id, contact_id, channel, sender, body, kind, timestamp`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanContact scans a Contact from a row in contactColumns order.
func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var flagsJSON string
	var displayName, interestProduct, caseSummary, caseInfo, lastMessageText sql.NullString
	var lastMessageAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Channel, &c.Address, &displayName, &flagsJSON,
		&interestProduct, &caseSummary, &caseInfo, &lastMessageText, &lastMessageAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(flagsJSON), &c.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode contact flags for %s: %w", c.ID, err)
	}
	c.DisplayName = displayName.String
	c.InterestProduct = interestProduct.String
	c.CaseSummary = caseSummary.String
	c.CaseInfo = caseInfo.String
	c.LastMessageText = lastMessageText.String
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	return &c, nil
}

// contactArgs renders a contact's fields in contactColumns order for
// INSERT/UPDATE statements.
func contactArgs(c models.Contact) ([]interface{}, error) {
	flagsJSON, err := json.Marshal(c.Flags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode contact flags for %s: %w", c.ID, err)
	}
	var lastAt interface{}
	if !c.LastMessageAt.IsZero() {
		lastAt = c.LastMessageAt
	}
	return []interface{}{
		c.ID, string(c.Channel), c.Address, nilIfEmpty(c.DisplayName), string(flagsJSON),
		nilIfEmpty(c.InterestProduct), nilIfEmpty(c.CaseSummary), nilIfEmpty(c.CaseInfo),
		nilIfEmpty(c.LastMessageText), lastAt, c.CreatedAt, c.UpdatedAt,
	}, nil
}

// scanMessageRows scans all messages from the given rows in messageColumns order.
func scanMessageRows(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.PlatformID, &m.ContactID, &m.Channel, &m.Sender, &m.Text, &m.Kind, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// reverseMessages flips a slice fetched newest-first into chronological order.
func reverseMessages(msgs []models.Message) []models.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// scanBehaviorDocument scans a BehaviorDocument from a row.
func scanBehaviorDocument(row rowScanner) (*models.BehaviorDocument, error) {
	var d models.BehaviorDocument
	var stagesJSON string
	err := row.Scan(&d.ID, &d.BasePrompt, &stagesJSON, &d.Active, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &d.Stages); err != nil {
		return nil, fmt.Errorf("failed to decode behavior stages for %s: %w", d.ID, err)
	}
	return &d, nil
}
