// Package store provides storage backends for FunnelPipe.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL backed stores for persistent deployments.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Store defines the persistence contract consumed by the orchestration core:
// contact records with funnel flags, append-only message histories, and the
// active behavior document.
type Store interface {
	// GetContact returns the contact with the given id, or nil if absent.
	GetContact(id string) (*models.Contact, error)
	// GetContactByAddress returns the contact reachable at the given channel
	// address, or nil if absent.
	GetContactByAddress(channel models.Channel, address string) (*models.Contact, error)
	// SaveContact inserts or replaces a contact record.
	SaveContact(c models.Contact) error
	// UpdateContactFlags applies a partial flag/commercial-field patch to a
	// contact as a single atomic document update.
	UpdateContactFlags(id string, patch models.ContactPatch) error
	// AddMessage appends a message to a contact's history. Messages with a
	// platform id already stored are silently ignored (dedup).
	AddMessage(m models.Message) error
	// GetRecentMessages returns up to limit most recent text messages for a
	// contact in chronological ascending order, deduplicated by platform id.
	GetRecentMessages(contactID string, limit int) ([]models.Message, error)
	// GetBehaviorDocument returns the active behavior document, or
	// models.ErrNoBehaviorDoc if none is configured.
	GetBehaviorDocument() (*models.BehaviorDocument, error)
	// SaveBehaviorDocument inserts or replaces the behavior document and marks
	// it active.
	SaveBehaviorDocument(doc models.BehaviorDocument) error
	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType inspects a DSN and reports "postgres" for PostgreSQL
// connection strings, "sqlite" otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a mutex-guarded in-memory Store implementation.
type InMemoryStore struct {
	mu       sync.RWMutex
	contacts map[string]models.Contact
	messages map[string][]models.Message // contactID -> history
	seenMsgs map[string]bool             // platform id dedup
	behavior *models.BehaviorDocument
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts: make(map[string]models.Contact),
		messages: make(map[string][]models.Message),
		seenMsgs: make(map[string]bool),
	}
}

// GetContact returns the contact with the given id, or nil if absent.
func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.contacts[id]; ok {
		copy := c
		return &copy, nil
	}
	return nil, nil
}

// GetContactByAddress returns the contact reachable at the given channel address.
func (s *InMemoryStore) GetContactByAddress(channel models.Channel, address string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.Channel == channel && c.Address == address {
			copy := c
			return &copy, nil
		}
	}
	return nil, nil
}

// SaveContact inserts or replaces a contact record.
func (s *InMemoryStore) SaveContact(c models.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	s.contacts[c.ID] = c
	return nil
}

// UpdateContactFlags applies a partial patch to a contact.
func (s *InMemoryStore) UpdateContactFlags(id string, patch models.ContactPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("contact %s not found", id)
	}
	patch.Apply(&c)
	s.contacts[id] = c
	return nil
}

// AddMessage appends a message to a contact's history, deduplicating by
// platform id.
func (s *InMemoryStore) AddMessage(m models.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.PlatformID != "" {
		if s.seenMsgs[m.PlatformID] {
			return nil
		}
		s.seenMsgs[m.PlatformID] = true
	}
	s.messages[m.ContactID] = append(s.messages[m.ContactID], m)
	return nil
}

// GetRecentMessages returns up to limit most recent text messages in
// chronological ascending order.
func (s *InMemoryStore) GetRecentMessages(contactID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = models.DefaultHistoryLimit
	}
	var texts []models.Message
	for _, m := range s.messages[contactID] {
		if m.Kind == models.MessageKindText {
			texts = append(texts, m)
		}
	}
	sort.SliceStable(texts, func(i, j int) bool { return texts[i].Timestamp.Before(texts[j].Timestamp) })
	if len(texts) > limit {
		texts = texts[len(texts)-limit:]
	}
	return texts, nil
}

// GetBehaviorDocument returns the active behavior document.
func (s *InMemoryStore) GetBehaviorDocument() (*models.BehaviorDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.behavior == nil {
		return nil, models.ErrNoBehaviorDoc
	}
	copy := *s.behavior
	return &copy, nil
}

// SaveBehaviorDocument inserts or replaces the behavior document.
func (s *InMemoryStore) SaveBehaviorDocument(doc models.BehaviorDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Active = true
	doc.UpdatedAt = time.Now()
	s.behavior = &doc
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
