package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aaronwang/bazaar/internal/apperr"
	"github.com/aaronwang/bazaar/internal/auth"
	"github.com/aaronwang/bazaar/internal/conversations"
	"github.com/aaronwang/bazaar/internal/messaging"
	"github.com/aaronwang/bazaar/internal/offers"
	"github.com/aaronwang/bazaar/internal/store"
)

// Handler contains HTTP request handlers
type Handler struct {
	store     store.Store
	ledger    *offers.Ledger
	directory *conversations.Directory
	messages  *messaging.Service
	auth      *auth.Authenticator
	logger    zerolog.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the request logger
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new HTTP handler
func NewHandler(st store.Store, ledger *offers.Ledger, directory *conversations.Directory, messages *messaging.Service, authn *auth.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		store:     st,
		ledger:    ledger,
		directory: directory,
		messages:  messages,
		auth:      authn,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.auth.Middleware)

	api.HandleFunc("/listings/{id}/offers", h.SubmitOffer).Methods("POST")
	api.HandleFunc("/listings/{id}/offers", h.ListListingOffers).Methods("GET")
	api.HandleFunc("/offers", h.ListMyOffers).Methods("GET")
	api.HandleFunc("/offers/{id}/accept", h.AcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/resume", h.ResumeAccept).Methods("POST")
	api.HandleFunc("/offers/{id}/decline", h.DeclineOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/withdraw", h.WithdrawOffer).Methods("POST")
	api.HandleFunc("/transactions", h.ListTransactions).Methods("GET")

	api.HandleFunc("/conversations", h.ListConversations).Methods("GET")
	api.HandleFunc("/conversations", h.FindOrCreateConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages", h.LoadHistory).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", h.SendMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}/read", h.MarkRead).Methods("POST")
	api.HandleFunc("/unread", h.UnreadCount).Methods("GET")

	// Middleware
	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "bazaar",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func currentUser(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondAppError maps a classified error to its status code.
// A partially applied accept answers 500 with the workflow so the client can resume it.
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *offers.PartialAcceptError
	if errors.As(err, &partial) {
		h.logger.Error().Err(err).Str("offer_id", partial.Workflow.OfferID).Msg("[API] accept left incomplete")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":    "offer accepted but follow-up steps failed",
			"kind":     apperr.KindPartialWorkflow.String(),
			"workflow": partial.Workflow,
		})
		return
	}

	kind := apperr.KindOf(err)
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusUnprocessableEntity
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("[API] request failed")
	}
	respondJSON(w, status, map[string]string{
		"error": message,
		"kind":  kind.String(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websocket upgrades
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			// upgrades need the raw writer
			h.logger.Debug().Str("method", r.Method).Str("uri", r.RequestURI).Msg("[API] upgrade")
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("[API] request")
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
