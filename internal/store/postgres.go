// Package store provides storage backends for FunnelPipe.
//
// This file implements a PostgreSQL-backed store for contacts, messages and
// behavior documents.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// GetContact returns the contact with the given id, or nil if absent.
func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetContact not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	return c, nil
}

// GetContactByAddress returns the contact reachable at the given channel address.
func (s *PostgresStore) GetContactByAddress(channel models.Channel, address string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE channel = $1 AND address = $2`, string(channel), address)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContactByAddress failed", "error", err, "channel", channel, "address", address)
		return nil, fmt.Errorf("failed to query contact by address: %w", err)
	}
	return c, nil
}

// SaveContact inserts or replaces a contact record.
func (s *PostgresStore) SaveContact(c models.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	args, err := contactArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET channel = $2, address = $3, display_name = $4, flags_json = $5,
		interest_product = $6, case_summary = $7, case_info = $8, last_message_text = $9, last_message_at = $10, updated_at = $12`, args...)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore SaveContact succeeded", "id", c.ID)
	return nil
}

// UpdateContactFlags applies a partial patch to a contact within a transaction.
func (s *PostgresStore) UpdateContactFlags(id string, patch models.ContactPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flag update for %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = $1 FOR UPDATE`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("contact %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load contact %s for flag update: %w", id, err)
	}

	patch.Apply(c)
	flagsJSON, err := json.Marshal(c.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode contact flags for %s: %w", id, err)
	}
	_, err = tx.Exec(`UPDATE contacts SET display_name = $1, flags_json = $2, interest_product = $3, case_summary = $4, case_info = $5, updated_at = $6 WHERE id = $7`,
		nilIfEmpty(c.DisplayName), string(flagsJSON), nilIfEmpty(c.InterestProduct), nilIfEmpty(c.CaseSummary), nilIfEmpty(c.CaseInfo), c.UpdatedAt, id)
	if err != nil {
		slog.Error("PostgresStore UpdateContactFlags failed", "error", err, "id", id)
		return fmt.Errorf("failed to update flags for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flag update for %s: %w", id, err)
	}
	slog.Debug("PostgresStore UpdateContactFlags succeeded", "id", id)
	return nil
}

// AddMessage appends a message, ignoring duplicates by platform id.
func (s *PostgresStore) AddMessage(m models.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (platform_id) DO NOTHING`,
		m.PlatformID, m.ContactID, string(m.Channel), m.Sender, m.Text, string(m.Kind), m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "contactID", m.ContactID)
		return fmt.Errorf("failed to insert message for %s: %w", m.ContactID, err)
	}
	return nil
}

// GetRecentMessages returns up to limit most recent text messages in
// chronological ascending order.
func (s *PostgresStore) GetRecentMessages(contactID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE contact_id = $1 AND kind = $2 ORDER BY timestamp DESC LIMIT $3`,
		contactID, string(models.MessageKindText), limit)
	if err != nil {
		slog.Error("PostgresStore GetRecentMessages query failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", contactID, err)
	}
	msgs, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	return reverseMessages(msgs), nil
}

// GetBehaviorDocument returns the active behavior document.
func (s *PostgresStore) GetBehaviorDocument() (*models.BehaviorDocument, error) {
	row := s.db.QueryRow(`SELECT id, base_prompt, stages_json, active, updated_at FROM behavior_documents WHERE active = TRUE LIMIT 1`)
	d, err := scanBehaviorDocument(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoBehaviorDoc
	}
	if err != nil {
		slog.Error("PostgresStore GetBehaviorDocument failed", "error", err)
		return nil, fmt.Errorf("failed to query behavior document: %w", err)
	}
	return d, nil
}

// SaveBehaviorDocument inserts or replaces the behavior document and marks it
// the single active one.
func (s *PostgresStore) SaveBehaviorDocument(doc models.BehaviorDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	stagesJSON, err := json.Marshal(doc.Stages)
	if err != nil {
		return fmt.Errorf("failed to encode behavior stages: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin behavior save: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE behavior_documents SET active = FALSE`); err != nil {
		return fmt.Errorf("failed to deactivate behavior documents: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO behavior_documents (id, base_prompt, stages_json, active, updated_at) VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (id) DO UPDATE SET base_prompt = $2, stages_json = $3, active = TRUE, updated_at = $4`,
		doc.ID, doc.BasePrompt, string(stagesJSON), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveBehaviorDocument failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to save behavior document %s: %w", doc.ID, err)
	}
	return tx.Commit()
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
