package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regdoc/backend/internal/blobstore"
	"github.com/regdoc/backend/internal/ctms"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/engine"
	"github.com/regdoc/backend/internal/identity"
	"github.com/regdoc/backend/internal/integration"
	"github.com/regdoc/backend/internal/webhooks"
)

// ============================================================================
// TEST HARNESS
// ============================================================================

type harness struct {
	ts     *httptest.Server
	tokens map[string]string // username -> bearer token
	ids    map[string]string // username -> principal id
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	directory := identity.NewMemoryDirectory()
	docs := docstore.NewMemoryStore()
	eng := engine.New(engine.Options{
		Docs:      docs,
		Blobs:     blobstore.NewMemoryStore(),
		Directory: directory,
	})
	server := NewServer(ServerOptions{
		Engine:      eng,
		Directory:   directory,
		Integration: integration.NewService(docs, nil),
		CTMS:        ctms.NewDirectory(),
		Hooks:       webhooks.NewRegistry(),
	})
	h := &harness{
		ts:     httptest.NewServer(server.Router()),
		tokens: make(map[string]string),
		ids:    make(map[string]string),
	}
	t.Cleanup(h.ts.Close)

	for username, role := range map[string]string{
		"alice":   "Contributor",
		"quentin": "QC",
		"bob":     "Reviewer",
		"amara":   "Approver",
	} {
		h.register(t, username, role)
	}
	return h
}

func (h *harness) register(t *testing.T, username, role string) {
	t.Helper()
	status, body := h.post(t, "", "/api/auth/register", map[string]interface{}{
		"username":  username,
		"full_name": username + " Person",
		"email":     username + "@example.com",
		"password":  "secret-pass",
		"role":      role,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	h.ids[username] = created.ID

	status, body = h.post(t, "", "/api/auth/login", map[string]interface{}{
		"username": username,
		"password": "secret-pass",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &login))
	h.tokens[username] = login.Token
}

func (h *harness) do(t *testing.T, user, method, path string, body io.Reader, contentType string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (h *harness) post(t *testing.T, user, path string, payload interface{}) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.do(t, user, "POST", path, bytes.NewReader(raw), "application/json")
}

func (h *harness) get(t *testing.T, user, path string) (int, []byte) {
	t.Helper()
	return h.do(t, user, "GET", path, nil, "")
}

// upload posts a multipart file with extra form fields.
func (h *harness) upload(t *testing.T, user, path, filename string, fields map[string]string) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF " + filename))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return h.do(t, user, "POST", path, &buf, mw.FormDataContentType())
}

func (h *harness) createDocument(t *testing.T) string {
	t.Helper()
	status, body := h.upload(t, "alice", "/api/documents", "protocol.pdf", map[string]string{
		"study_id": "STUDY-001",
		"tmf_zone": "02",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var doc struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc.ID
}

// approveViaAPI drives a document through QC, review and final approval.
func (h *harness) approveViaAPI(t *testing.T, docID string) {
	t.Helper()
	status, body := h.post(t, "alice", "/api/documents/"+docID+"/submit-qc", map[string]interface{}{
		"reviewers": []string{h.ids["quentin"]},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = h.post(t, "quentin", "/api/documents/"+docID+"/qc-ballot", map[string]interface{}{
		"decision": "Pass", "comment": "clean",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = h.post(t, "alice", "/api/documents/"+docID+"/submit-review", map[string]interface{}{
		"reviewers": []string{h.ids["bob"]},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = h.post(t, "bob", "/api/documents/"+docID+"/review-ballot", map[string]interface{}{
		"decision": "Approved", "comment": "sound",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = h.post(t, "alice", "/api/documents/"+docID+"/submit-approval", map[string]interface{}{
		"approver": h.ids["amara"],
	})
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = h.post(t, "amara", "/api/documents/"+docID+"/final-approval", map[string]interface{}{
		"decision": "Approved", "comment": "effective",
	})
	require.Equal(t, http.StatusOK, status, string(body))
}

// ============================================================================
// TESTS
// ============================================================================

func TestAuthFlow(t *testing.T) {
	h := newHarness(t)

	status, body := h.get(t, "alice", "/api/auth/me")
	require.Equal(t, http.StatusOK, status)
	var me struct {
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, "Contributor", me.Role)

	status, _ = h.get(t, "", "/api/documents")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.post(t, "", "/api/auth/login", map[string]interface{}{
		"username": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)

	status, body := h.get(t, "alice", "/api/documents")
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Equal(t, 1, listing.Total)

	h.approveViaAPI(t, docID)

	status, body = h.get(t, "alice", "/api/documents/"+docID)
	require.Equal(t, http.StatusOK, status)
	var doc struct {
		Status       string `json:"status"`
		MajorVersion int    `json:"major_version"`
		MinorVersion int    `json:"minor_version"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "Approved", doc.Status)
	assert.Equal(t, 1, doc.MajorVersion)
	assert.Equal(t, 0, doc.MinorVersion)

	status, body = h.get(t, "alice", "/api/documents/"+docID+"/verify-signature")
	require.Equal(t, http.StatusOK, status)
	var report struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(body, &report))
	assert.True(t, report.Valid)

	status, body = h.get(t, "alice", "/api/documents/"+docID+"/history")
	require.Equal(t, http.StatusOK, status)
	var history struct {
		TrailValid bool `json:"trail_valid"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	assert.True(t, history.TrailValid)
}

func TestMyTasksEndpoint(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)
	status, _ := h.post(t, "alice", "/api/documents/"+docID+"/submit-qc", map[string]interface{}{
		"reviewers": []string{h.ids["quentin"]},
		"due_date":  "2026-09-15",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := h.get(t, "quentin", "/api/documents/my-tasks")
	require.Equal(t, http.StatusOK, status)
	var tasks struct {
		Tasks []struct {
			Stage   string  `json:"stage"`
			DueDate *string `json:"due_date"`
		} `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &tasks))
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, "QC", tasks.Tasks[0].Stage)
	assert.NotNil(t, tasks.Tasks[0].DueDate)
}

func TestPreviewStreamsPayload(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)

	req, _ := http.NewRequest("GET", h.ts.URL+"/api/documents/"+docID+"/preview", nil)
	req.Header.Set("Authorization", "Bearer "+h.tokens["alice"])
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "protocol.pdf")
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "%PDF protocol.pdf", string(raw))
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)

	// Unknown document.
	status, _ := h.get(t, "alice", "/api/documents/ghost")
	assert.Equal(t, http.StatusNotFound, status)

	// Ballot in the wrong state.
	status, _ = h.post(t, "quentin", "/api/documents/"+docID+"/qc-ballot", map[string]interface{}{
		"decision": "Pass",
	})
	assert.Equal(t, http.StatusConflict, status)

	// Unauthorized submit by a non-author.
	status, _ = h.post(t, "bob", "/api/documents/"+docID+"/submit-qc", map[string]interface{}{
		"reviewers": []string{h.ids["quentin"]},
	})
	assert.Equal(t, http.StatusForbidden, status)

	// Missing reviewer list.
	status, _ = h.post(t, "alice", "/api/documents/"+docID+"/submit-qc", map[string]interface{}{
		"reviewers": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAmendmentConflictOverHTTP(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)
	h.approveViaAPI(t, docID)

	status, body := h.upload(t, "alice", "/api/documents/"+docID+"/amend", "v2.pdf", map[string]string{
		"reason": "dosing update",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	status, _ = h.upload(t, "alice", "/api/documents/"+docID+"/amend", "v3.pdf", map[string]string{
		"reason": "second",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, body = h.get(t, "alice", "/api/documents/"+docID+"/can-amend")
	require.Equal(t, http.StatusOK, status)
	var canAmend struct {
		CanAmend bool `json:"can_amend"`
	}
	require.NoError(t, json.Unmarshal(body, &canAmend))
	assert.False(t, canAmend.CanAmend)
}

func TestIntegrationAndCTMSEndpoints(t *testing.T) {
	h := newHarness(t)
	docID := h.createDocument(t)
	h.approveViaAPI(t, docID)

	status, body := h.get(t, "alice", "/api/integration/documents/"+docID+"/systems")
	require.Equal(t, http.StatusOK, status)
	var systems struct {
		Systems []string `json:"systems"`
	}
	require.NoError(t, json.Unmarshal(body, &systems))
	assert.Contains(t, systems.Systems, "RIMS")
	assert.Contains(t, systems.Systems, "CTMS")

	status, _ = h.post(t, "alice", "/api/integration/documents/"+docID+"/push", map[string]interface{}{
		"target_system": "RIMS",
	})
	require.Equal(t, http.StatusOK, status)

	status, body = h.get(t, "alice", "/api/integration/logs")
	require.Equal(t, http.StatusOK, status)
	var logs struct {
		Logs []struct {
			TargetSystem string `json:"target_system"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &logs))
	require.Len(t, logs.Logs, 1)

	status, body = h.get(t, "alice", "/api/ctms/studies")
	require.Equal(t, http.StatusOK, status)
	var studies struct {
		Studies []struct {
			ID string `json:"id"`
		} `json:"studies"`
	}
	require.NoError(t, json.Unmarshal(body, &studies))
	assert.Len(t, studies.Studies, 3)
}

func TestWebhookAdministration(t *testing.T) {
	h := newHarness(t)

	status, body := h.post(t, "alice", "/api/webhooks", map[string]interface{}{
		"url":    "https://rims.example.com/hooks",
		"events": []string{"document.approved"},
		"secret": "shh",
		"system": "RIMS",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var sub struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &sub))
	require.NotEmpty(t, sub.ID)

	status, body = h.get(t, "alice", "/api/webhooks")
	require.Equal(t, http.StatusOK, status)
	var listing struct {
		Webhooks []json.RawMessage `json:"webhooks"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Len(t, listing.Webhooks, 1)

	status, _ = h.do(t, "alice", "DELETE", "/api/webhooks/"+sub.ID, nil, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.post(t, "alice", "/api/webhooks", map[string]interface{}{
		"url": "", "events": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWorkflowTemplates(t *testing.T) {
	h := newHarness(t)

	status, _ := h.get(t, "", "/api/workflow-templates")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := h.get(t, "alice", "/api/workflow-templates")
	require.Equal(t, http.StatusOK, status)
	var templates []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		SkipQC bool   `json:"skip_qc"`
	}
	require.NoError(t, json.Unmarshal(body, &templates))
	require.NotEmpty(t, templates)
	byID := make(map[string]bool, len(templates))
	for _, tpl := range templates {
		byID[tpl.ID] = tpl.SkipQC
	}
	assert.Contains(t, byID, "standard")
	assert.True(t, byID["expedited"], "expedited preset skips QC")
}

func TestRoleAdministration(t *testing.T) {
	h := newHarness(t)
	h.register(t, "root", "Admin")

	// Non-admin refused.
	status, _ := h.do(t, "alice", "PUT", fmt.Sprintf("/api/users/%s/role", h.ids["bob"]),
		bytes.NewReader([]byte(`{"role":"Approver"}`)), "application/json")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(t, "root", "PUT", fmt.Sprintf("/api/users/%s/role", h.ids["bob"]),
		bytes.NewReader([]byte(`{"role":"Approver"}`)), "application/json")
	assert.Equal(t, http.StatusOK, status)

	status, body := h.get(t, "root", "/api/users?role=Approver")
	require.Equal(t, http.StatusOK, status)
	var users struct {
		Users []struct {
			Username string `json:"username"`
		} `json:"users"`
	}
	require.NoError(t, json.Unmarshal(body, &users))
	assert.Len(t, users.Users, 2)
}
