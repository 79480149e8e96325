package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/regdoc/backend/internal/webhooks"
)

// ============================================================================
// INTEGRATION PUSH
// ============================================================================

// GET /api/integration/documents/{id}/systems
func (s *Server) handleAvailableSystems(w http.ResponseWriter, r *http.Request) {
	doc, systems, err := s.integration.AvailableSystems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"document_id": doc.ID,
		"tmf_zone":    doc.Metadata.TMFZone,
		"systems":     systems,
		"pushable":    string(doc.Status) == "Approved",
	})
}

// POST /api/integration/documents/{id}/push {"target_system": "..."}
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		TargetSystem string `json:"target_system"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	entry, err := s.integration.Push(r.Context(), mux.Vars(r)["id"], req.TargetSystem, principal.Actor())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

// GET /api/integration/logs?document_id=&limit=
func (s *Server) handlePushLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs := s.integration.Logs(q.Get("document_id"), limit)
	s.respond(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// GET /api/integration/approved-documents?zone=&signed_after=&limit=
func (s *Server) handleApprovedFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	var after time.Time
	if raw := q.Get("signed_after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			after = t
		}
	}
	docs, err := s.integration.ApprovedFeed(r.Context(), q.Get("zone"), after, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// ============================================================================
// CTMS DIRECTORY
// ============================================================================

// GET /api/ctms/studies
func (s *Server) handleStudies(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"studies": s.ctms.Studies(r.Context()),
	})
}

// GET /api/ctms/countries?study_id=
func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"countries": s.ctms.Countries(r.Context(), r.URL.Query().Get("study_id")),
	})
}

// GET /api/ctms/sites?study_id=&country=
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"sites": s.ctms.Sites(r.Context(), q.Get("study_id"), q.Get("country")),
	})
}

// POST /api/ctms/sync
func (s *Server) handleCTMSSync(w http.ResponseWriter, r *http.Request) {
	studies, countries, sites, syncedAt := s.ctms.Sync(r.Context())
	s.respond(w, http.StatusOK, map[string]interface{}{
		"studies":   studies,
		"countries": countries,
		"sites":     sites,
		"synced_at": syncedAt,
	})
}

// ============================================================================
// WEBHOOK ADMINISTRATION
// ============================================================================

// POST /api/webhooks {"url": "...", "events": [...], "secret": "...", "system": "..."}
func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.hooks.Register(&sub); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, sub)
}

// GET /api/webhooks
func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"webhooks": s.hooks.List(),
	})
}

// DELETE /api/webhooks/{id}
func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Unregister(mux.Vars(r)["id"]); err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "unregistered"})
}
