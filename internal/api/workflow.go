package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// WORKFLOW HANDLERS
// ============================================================================

// parseDue accepts an RFC 3339 timestamp or a bare date.
func parseDue(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// POST /api/documents/{id}/submit-qc {"reviewers": [...], "due_date": "..."}
func (s *Server) handleSubmitQC(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Reviewers []string `json:"reviewers"`
		DueDate   string   `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, err := s.engine.SubmitQC(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Reviewers, parseDue(req.DueDate))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/qc-ballot {"decision": "Pass|Fail", "comment": "..."}
func (s *Server) handleQCBallot(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, outcome, err := s.engine.CastQCBallot(r.Context(), mux.Vars(r)["id"], principal.Actor(), core.Decision(req.Decision), req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"document": doc,
		"outcome":  outcome.String(),
	})
}

// POST /api/documents/{id}/submit-review
// {"reviewers": [...], "due_date": "...", "skip_qc": false}
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Reviewers []string `json:"reviewers"`
		DueDate   string   `json:"due_date"`
		SkipQC    bool     `json:"skip_qc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, err := s.engine.SubmitReview(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Reviewers, parseDue(req.DueDate), req.SkipQC)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/review-ballot
// {"decision": "Approved|RequestChanges", "comment": "..."}
func (s *Server) handleReviewBallot(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, outcome, err := s.engine.CastReviewBallot(r.Context(), mux.Vars(r)["id"], principal.Actor(), core.Decision(req.Decision), req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"document": doc,
		"outcome":  outcome.String(),
	})
}

// POST /api/documents/{id}/upload-corrected (multipart)
func (s *Server) handleUploadCorrected(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	up, err := s.readUpload(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.engine.UploadCorrected(r.Context(), mux.Vars(r)["id"], principal.Actor(), up)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/upload-revised (multipart)
func (s *Server) handleUploadRevised(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	up, err := s.readUpload(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.engine.UploadRevised(r.Context(), mux.Vars(r)["id"], principal.Actor(), up)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/submit-approval {"approver": "...", "due_date": "..."}
func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Approver string `json:"approver"`
		DueDate  string `json:"due_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, err := s.engine.SubmitApproval(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Approver, parseDue(req.DueDate))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/final-approval
// {"decision": "Approved|Rejected", "comment": "..."}
func (s *Server) handleFinalApproval(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req struct {
		Decision string `json:"decision"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	doc, err := s.engine.FinalApproval(r.Context(), mux.Vars(r)["id"], principal.Actor(), core.Decision(req.Decision), req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// reasonRequest is the shared payload of recall, withdraw and mark-obsolete.
type reasonRequest struct {
	Reason string `json:"reason"`
}

// POST /api/documents/{id}/recall {"reason": "..."}
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req reasonRequest
	json.NewDecoder(r.Body).Decode(&req)
	doc, err := s.engine.Recall(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/withdraw {"reason": "..."}
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req reasonRequest
	json.NewDecoder(r.Body).Decode(&req)
	doc, err := s.engine.Withdraw(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/amend (multipart: file, reason)
func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	up, err := s.readUpload(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, err := s.engine.Amend(r.Context(), principal.Actor(), mux.Vars(r)["id"], r.FormValue("reason"), up)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, doc)
}

// GET /api/documents/{id}/can-amend
func (s *Server) handleCanAmend(w http.ResponseWriter, r *http.Request) {
	free, blocking, err := s.engine.CanAmend(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]interface{}{"can_amend": free}
	if blocking != nil {
		body["blocking_amendment"] = map[string]interface{}{
			"id":      blocking.ID,
			"version": blocking.Version(),
			"status":  string(blocking.Status),
		}
	}
	s.respond(w, http.StatusOK, body)
}

// POST /api/documents/{id}/mark-obsolete {"reason": "..."}
func (s *Server) handleMarkObsolete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	var req reasonRequest
	json.NewDecoder(r.Body).Decode(&req)
	doc, err := s.engine.MarkObsolete(r.Context(), mux.Vars(r)["id"], principal.Actor(), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// POST /api/documents/{id}/archive
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	doc, err := s.engine.Archive(r.Context(), mux.Vars(r)["id"], principal.Actor())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}
