package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/engine"
)

// ============================================================================
// DOCUMENT HANDLERS
// ============================================================================

// readUpload extracts the multipart file and returns it as an engine upload.
func (s *Server) readUpload(r *http.Request) (engine.Upload, error) {
	if err := r.ParseMultipartForm(s.maxUploadMB << 20); err != nil {
		return engine.Upload{}, fmt.Errorf("parse multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return engine.Upload{}, fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadMB<<20))
	if err != nil {
		return engine.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	return engine.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Comment:     r.FormValue("comment"),
	}, nil
}

// POST /api/documents (multipart: file, study_id, country, site_id,
// tmf_zone, tmf_section, tmf_artifact, comment)
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	up, err := s.readUpload(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	meta := core.TMFMetadata{
		StudyID:     r.FormValue("study_id"),
		Country:     r.FormValue("country"),
		SiteID:      r.FormValue("site_id"),
		TMFZone:     r.FormValue("tmf_zone"),
		TMFSection:  r.FormValue("tmf_section"),
		TMFArtifact: r.FormValue("tmf_artifact"),
	}
	doc, err := s.engine.Create(r.Context(), principal.Actor(), meta, up)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, doc)
}

// GET /api/documents?search=&status=&offset=&limit=
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	filter := docstore.ListFilter{
		Search: q.Get("search"),
		Status: core.Status(q.Get("status")),
		Offset: offset,
		Limit:  limit,
	}
	docs, total, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"total":     total,
	})
}

// GET /api/documents/my-tasks
func (s *Server) handleMyTasks(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	tasks, err := s.engine.MyTasks(r.Context(), principal.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, map[string]interface{}{
			"document": task.Doc,
			"stage":    string(task.Stage),
			"due_date": task.DueDate,
		})
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

// GET /api/documents/{id}
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, doc)
}

// DELETE /api/documents/{id}
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if err := s.engine.Delete(r.Context(), mux.Vars(r)["id"], principal.Actor()); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /api/documents/{id}/lineage
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	versions, err := s.engine.Lineage(r.Context(), doc.LineageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"lineage_id": doc.LineageID,
		"versions":   versions,
	})
}

// GET /api/documents/{id}/preview streams the active revision inline.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	doc, blob, err := s.engine.Preview(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	rev, _ := doc.ActiveRev()
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", rev.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Write(blob.Data)
}

// GET /api/documents/{id}/history returns the hash-chained audit trail.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chain := s.engine.Trail().Chain(id)
	valid, brokenAt := s.engine.Trail().Validate(id)
	body := map[string]interface{}{
		"document_id": id,
		"doc_number":  doc.DocNumber,
		"history":     doc.History,
		"trail":       chain,
		"trail_valid": valid,
	}
	if !valid {
		body["trail_broken_at"] = brokenAt
	}
	s.respond(w, http.StatusOK, body)
}

// GET /api/documents/{id}/verify-signature
func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifySignature(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, report)
}
