// Package store provides storage backends for FunnelPipe.
//
// This file implements an SQLite-backed store for contacts, messages and
// behavior documents.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// GetContact returns the contact with the given id, or nil if absent.
func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetContact not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	return c, nil
}

// GetContactByAddress returns the contact reachable at the given channel address.
func (s *SQLiteStore) GetContactByAddress(channel models.Channel, address string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE channel = ? AND address = ?`, string(channel), address)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContactByAddress failed", "error", err, "channel", channel, "address", address)
		return nil, fmt.Errorf("failed to query contact by address: %w", err)
	}
	return c, nil
}

// SaveContact inserts or replaces a contact record.
func (s *SQLiteStore) SaveContact(c models.Contact) error {
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
	_, err = s.db.Exec(`INSERT OR REPLACE INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore SaveContact succeeded", "id", c.ID)
	return nil
}

// UpdateContactFlags applies a partial patch to a contact within a transaction.
func (s *SQLiteStore) UpdateContactFlags(id string, patch models.ContactPatch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flag update for %s: %w", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
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
	_, err = tx.Exec(`UPDATE contacts SET display_name = ?, flags_json = ?, interest_product = ?, case_summary = ?, case_info = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(c.DisplayName), string(flagsJSON), nilIfEmpty(c.InterestProduct), nilIfEmpty(c.CaseSummary), nilIfEmpty(c.CaseInfo), c.UpdatedAt, id)
	if err != nil {
		slog.Error("SQLiteStore UpdateContactFlags failed", "error", err, "id", id)
		return fmt.Errorf("failed to update flags for %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flag update for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore UpdateContactFlags succeeded", "id", id)
	return nil
}

// AddMessage appends a message, ignoring duplicates by platform id.
func (s *SQLiteStore) AddMessage(m models.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.PlatformID, m.ContactID, string(m.Channel), m.Sender, m.Text, string(m.Kind), m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "contactID", m.ContactID)
		return fmt.Errorf("failed to insert message for %s: %w", m.ContactID, err)
	}
	return nil
}

// GetRecentMessages returns up to limit most recent text messages in
// chronological ascending order.
func (s *SQLiteStore) GetRecentMessages(contactID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE contact_id = ? AND kind = ? ORDER BY timestamp DESC LIMIT ?`,
		contactID, string(models.MessageKindText), limit)
	if err != nil {
		slog.Error("SQLiteStore GetRecentMessages query failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", contactID, err)
	}
	msgs, err := scanMessageRows(rows)
	if err != nil {
		return nil, err
	}
	return reverseMessages(msgs), nil
}

// GetBehaviorDocument returns the active behavior document.
func (s *SQLiteStore) GetBehaviorDocument() (*models.BehaviorDocument, error) {
	row := s.db.QueryRow(`SELECT id, base_prompt, stages_json, active, updated_at FROM behavior_documents WHERE active = 1 LIMIT 1`)
	d, err := scanBehaviorDocument(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNoBehaviorDoc
	}
	if err != nil {
		slog.Error("SQLiteStore GetBehaviorDocument failed", "error", err)
		return nil, fmt.Errorf("failed to query behavior document: %w", err)
	}
	return d, nil
}

// SaveBehaviorDocument inserts or replaces the behavior document and marks it
// the single active one.
func (s *SQLiteStore) SaveBehaviorDocument(doc models.BehaviorDocument) error {
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
	if _, err := tx.Exec(`UPDATE behavior_documents SET active = 0`); err != nil {
		return fmt.Errorf("failed to deactivate behavior documents: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO behavior_documents (id, base_prompt, stages_json, active, updated_at) VALUES (?, ?, ?, 1, ?)`,
		doc.ID, doc.BasePrompt, string(stagesJSON), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveBehaviorDocument failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to save behavior document %s: %w", doc.ID, err)
	}
	return tx.Commit()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
