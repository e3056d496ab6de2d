// Package api exposes the HTTP surface of FunnelPipe: the Twilio inbound
// webhook, contact inspection and administration, and behavior-document
// management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/twiliowhatsapp"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Store    store.Store
	Twilio   *messaging.TwilioService
	Debounce *flow.Debouncer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStore sets the backing store.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithTwilioService wires the Twilio channel service that inbound webhooks
// feed into.
func WithTwilioService(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.Twilio = svc }
}

// WithDebouncer exposes pending-batch inspection on the contact endpoints.
func WithDebouncer(d *flow.Debouncer) Option {
	return func(o *Opts) { o.Debounce = d }
}

// Server is the FunnelPipe HTTP API server.
type Server struct {
	addr       string
	store      store.Store
	twilio     *messaging.TwilioService
	debounce   *flow.Debouncer
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates an API server from the given options. A store is required.
func NewServer(opts ...Option) (*Server, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("API server requires a store")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		addr:     cfg.Addr,
		store:    cfg.Store,
		twilio:   cfg.Twilio,
		debounce: cfg.Debounce,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthHandler)
	r.Post("/webhook/twilio", s.twilioWebhookHandler)

	r.Route("/contacts/{id}", func(r chi.Router) {
		r.Get("/", s.getContactHandler)
		r.Get("/messages", s.getMessagesHandler)
		r.Get("/pending", s.getPendingHandler)
		r.Post("/reset", s.resetContactHandler)
	})

	r.Get("/behavior", s.getBehaviorHandler)
	r.Put("/behavior", s.putBehaviorHandler)

	return r
}

// Router returns the chi router, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening on the configured address. It blocks until the
// server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Info("API server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("API failed to encode response", "error", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// twilioWebhookHandler accepts Twilio inbound-message webhooks and queues the
// parsed message for the inbound handler. Twilio expects an empty TwiML
// document in response.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.Error("twilio channel not configured"))
		return
	}
	msg, err := twiliowhatsapp.ParseWebhook(r)
	if err != nil {
		slog.Warn("API rejected Twilio webhook", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.twilio.Enqueue(msg) {
		writeJSON(w, http.StatusServiceUnavailable, models.Error("inbound queue unavailable"))
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *Server) getContactHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	contact, err := s.store.GetContact(id)
	if err != nil {
		slog.Error("API GetContact failed", "error", err, "id", id)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load contact"))
		return
	}
	if contact == nil {
		writeJSON(w, http.StatusNotFound, models.Error("contact not found"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(contact))
}

func (s *Server) getMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.store.GetRecentMessages(id, models.DefaultHistoryLimit)
	if err != nil {
		slog.Error("API GetRecentMessages failed", "error", err, "id", id)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load messages"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(msgs))
}

// getPendingHandler reports the debounce state for a contact: how many
// messages are coalesced and when the last one arrived.
func (s *Server) getPendingHandler(w http.ResponseWriter, r *http.Request) {
	if s.debounce == nil {
		writeJSON(w, http.StatusServiceUnavailable, models.Error("debouncer not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	contact, err := s.store.GetContact(id)
	if err != nil || contact == nil {
		writeJSON(w, http.StatusNotFound, models.Error("contact not found"))
		return
	}
	count, lastAt, pending := s.debounce.Peek(id, contact.Channel)
	writeJSON(w, http.StatusOK, models.Success(map[string]interface{}{
		"pending":   pending,
		"coalesced": count,
		"last_at":   lastAt,
	}))
}

// resetContactHandler clears a contact's funnel flags and commercial fields.
// This is the administrative escape hatch; the orchestration core itself
// never lowers a flag.
func (s *Server) resetContactHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	contact, err := s.store.GetContact(id)
	if err != nil {
		slog.Error("API reset failed to load contact", "error", err, "id", id)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load contact"))
		return
	}
	if contact == nil {
		writeJSON(w, http.StatusNotFound, models.Error("contact not found"))
		return
	}

	contact.Flags = models.ContactFlags{}
	contact.InterestProduct = models.InterestUnknown
	contact.CaseSummary = ""
	contact.CaseInfo = ""
	if err := s.store.SaveContact(*contact); err != nil {
		slog.Error("API reset failed to save contact", "error", err, "id", id)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to reset contact"))
		return
	}
	if s.debounce != nil {
		s.debounce.Cancel(id, contact.Channel)
	}
	slog.Info("API contact reset", "id", id)
	writeJSON(w, http.StatusOK, models.Success(contact))
}

func (s *Server) getBehaviorHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetBehaviorDocument()
	if err != nil {
		if errors.Is(err, models.ErrNoBehaviorDoc) {
			writeJSON(w, http.StatusNotFound, models.Error("no active behavior document"))
			return
		}
		slog.Error("API GetBehaviorDocument failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load behavior document"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(doc))
}

func (s *Server) putBehaviorHandler(w http.ResponseWriter, r *http.Request) {
	var doc models.BehaviorDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid behavior document payload"))
		return
	}
	if err := s.store.SaveBehaviorDocument(doc); err != nil {
		slog.Error("API SaveBehaviorDocument failed", "error", err, "id", doc.ID)
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("API behavior document saved", "id", doc.ID)
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"id": doc.ID}))
}
