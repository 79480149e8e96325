// Package api exposes the document lifecycle engine as a REST/JSON surface
// for the review dashboard, plus a WebSocket event stream and the webhook
// and integration administration endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regdoc/backend/internal/ctms"
	"github.com/regdoc/backend/internal/engine"
	"github.com/regdoc/backend/internal/identity"
	"github.com/regdoc/backend/internal/integration"
	"github.com/regdoc/backend/internal/lifecycle"
	"github.com/regdoc/backend/internal/middleware"
	"github.com/regdoc/backend/internal/webhooks"
	"github.com/regdoc/backend/internal/websocket"
)

// ============================================================================
// SERVER
// ============================================================================

// Server wires the engine and its supporting services into an HTTP router.
type Server struct {
	engine      *engine.Engine
	directory   *identity.MemoryDirectory
	integration *integration.Service
	ctms        *ctms.Directory
	hooks       *webhooks.Registry
	streamer    *websocket.Streamer
	authLimiter *middleware.RateLimiter

	allowedOrigin string
	maxUploadMB   int64
	logger        *log.Logger
}

// ServerOptions carries the server's collaborators.
type ServerOptions struct {
	Engine      *engine.Engine
	Directory   *identity.MemoryDirectory
	Integration *integration.Service
	CTMS        *ctms.Directory
	Hooks       *webhooks.Registry
	Streamer    *websocket.Streamer

	AllowedOrigin string
	MaxUploadMB   int64
}

// NewServer creates the request surface.
func NewServer(opts ServerOptions) *Server {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 50
	}
	return &Server{
		engine:        opts.Engine,
		directory:     opts.Directory,
		integration:   opts.Integration,
		ctms:          opts.CTMS,
		hooks:         opts.Hooks,
		streamer:      opts.Streamer,
		authLimiter:   middleware.NewRateLimiter(30),
		allowedOrigin: opts.AllowedOrigin,
		maxUploadMB:   opts.MaxUploadMB,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	// Unauthenticated surface
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.Use(s.authLimiter.Middleware)
	auth.HandleFunc("/register", s.handleRegister).Methods("POST")
	auth.HandleFunc("/login", s.handleLogin).Methods("POST")

	// Authenticated surface
	sec := r.PathPrefix("/api").Subrouter()
	sec.Use(s.authMiddleware)
	sec.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	sec.HandleFunc("/auth/me", s.handleMe).Methods("GET")
	sec.HandleFunc("/users", s.handleListUsers).Methods("GET")
	sec.HandleFunc("/users/{id}/role", s.handleUpdateRole).Methods("PUT")
	sec.HandleFunc("/users/me/rotate-keys", s.handleRotateKeys).Methods("POST")
	sec.HandleFunc("/workflow-templates", s.handleWorkflowTemplates).Methods("GET")

	// Documents
	sec.HandleFunc("/documents", s.handleCreateDocument).Methods("POST")
	sec.HandleFunc("/documents", s.handleListDocuments).Methods("GET")
	sec.HandleFunc("/documents/my-tasks", s.handleMyTasks).Methods("GET")
	sec.HandleFunc("/documents/{id}", s.handleGetDocument).Methods("GET")
	sec.HandleFunc("/documents/{id}", s.handleDeleteDocument).Methods("DELETE")
	sec.HandleFunc("/documents/{id}/lineage", s.handleLineage).Methods("GET")
	sec.HandleFunc("/documents/{id}/preview", s.handlePreview).Methods("GET")
	sec.HandleFunc("/documents/{id}/history", s.handleHistory).Methods("GET")
	sec.HandleFunc("/documents/{id}/verify-signature", s.handleVerifySignature).Methods("GET")

	// Workflow
	sec.HandleFunc("/documents/{id}/submit-qc", s.handleSubmitQC).Methods("POST")
	sec.HandleFunc("/documents/{id}/qc-ballot", s.handleQCBallot).Methods("POST")
	sec.HandleFunc("/documents/{id}/submit-review", s.handleSubmitReview).Methods("POST")
	sec.HandleFunc("/documents/{id}/review-ballot", s.handleReviewBallot).Methods("POST")
	sec.HandleFunc("/documents/{id}/upload-corrected", s.handleUploadCorrected).Methods("POST")
	sec.HandleFunc("/documents/{id}/upload-revised", s.handleUploadRevised).Methods("POST")
	sec.HandleFunc("/documents/{id}/submit-approval", s.handleSubmitApproval).Methods("POST")
	sec.HandleFunc("/documents/{id}/final-approval", s.handleFinalApproval).Methods("POST")
	sec.HandleFunc("/documents/{id}/recall", s.handleRecall).Methods("POST")
	sec.HandleFunc("/documents/{id}/withdraw", s.handleWithdraw).Methods("POST")
	sec.HandleFunc("/documents/{id}/amend", s.handleAmend).Methods("POST")
	sec.HandleFunc("/documents/{id}/can-amend", s.handleCanAmend).Methods("GET")
	sec.HandleFunc("/documents/{id}/mark-obsolete", s.handleMarkObsolete).Methods("POST")
	sec.HandleFunc("/documents/{id}/archive", s.handleArchive).Methods("POST")

	// Integration push
	sec.HandleFunc("/integration/documents/{id}/systems", s.handleAvailableSystems).Methods("GET")
	sec.HandleFunc("/integration/documents/{id}/push", s.handlePush).Methods("POST")
	sec.HandleFunc("/integration/logs", s.handlePushLogs).Methods("GET")
	sec.HandleFunc("/integration/approved-documents", s.handleApprovedFeed).Methods("GET")

	// CTMS directory
	sec.HandleFunc("/ctms/studies", s.handleStudies).Methods("GET")
	sec.HandleFunc("/ctms/countries", s.handleCountries).Methods("GET")
	sec.HandleFunc("/ctms/sites", s.handleSites).Methods("GET")
	sec.HandleFunc("/ctms/sync", s.handleCTMSSync).Methods("POST")

	// Webhook administration
	sec.HandleFunc("/webhooks", s.handleRegisterWebhook).Methods("POST")
	sec.HandleFunc("/webhooks", s.handleListWebhooks).Methods("GET")
	sec.HandleFunc("/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Live event stream
	if s.streamer != nil {
		r.HandleFunc("/api/events/stream", s.streamer.HandleWebSocket)
	}
	return r
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const principalKey contextKey = "principal"

// authMiddleware resolves the bearer token to a principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			// WebSocket clients cannot set headers; accept ?token=.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		principal, err := s.directory.LookupToken(r.Context(), token)
		if err != nil {
			s.writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalFrom returns the authenticated principal stored by the
// middleware.
func principalFrom(r *http.Request) *identity.Principal {
	p, _ := r.Context().Value(principalKey).(*identity.Principal)
	return p
}

// ============================================================================
// RESPONSES
// ============================================================================

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// writeError maps the lifecycle error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, lifecycle.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrDuplicateAmendment),
		errors.Is(err, lifecycle.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrSignatureFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrStorageFailure):
		status = http.StatusServiceUnavailable
	}
	s.writeJSONError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.streamer != nil {
		body["stream"] = s.streamer.Statistics()
	}
	s.respond(w, http.StatusOK, body)
}
