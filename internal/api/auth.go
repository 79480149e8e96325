package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// AUTH & USER ADMINISTRATION
// ============================================================================

// POST /api/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		FullName string `json:"full_name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Role == "" {
		req.Role = string(core.RoleContributor)
	}
	principal, err := s.directory.Register(r.Context(), req.Username, req.FullName, req.Email, req.Password, core.Role(req.Role))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, principal)
}

// POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	principal, token, err := s.directory.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  principal,
	})
}

// POST /api/auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	s.directory.RevokeToken(r.Context(), token)
	s.respond(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// GET /api/auth/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, principalFrom(r))
}

// GET /api/users?role=Reviewer
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.directory.ListByRole(r.Context(), core.Role(r.URL.Query().Get("role")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"users": users})
}

// PUT /api/users/{id}/role {"role": "..."} (Admin only)
func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Role != core.RoleAdmin {
		s.writeJSONError(w, http.StatusForbidden, "role changes require Admin")
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if err := s.directory.UpdateRole(r.Context(), mux.Vars(r)["id"], core.Role(req.Role)); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "role updated"})
}

// POST /api/users/me/rotate-keys
func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if err := s.directory.RotateKeys(r.Context(), principal.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "keys rotated"})
}
