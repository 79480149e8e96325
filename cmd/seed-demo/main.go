// seed-demo populates a running engine with demo principals and a document
// driven through the full approval workflow, for dashboard development.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
)

var base = flag.String("base", "http://localhost:8080", "engine base URL")

type client struct {
	token string
}

func (c *client) do(method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequest(method, *base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, raw)
	}
	return raw, nil
}

func (c *client) postJSON(path string, payload interface{}) ([]byte, error) {
	raw, _ := json.Marshal(payload)
	return c.do("POST", path, bytes.NewReader(raw), "application/json")
}

func register(username, fullName, role string) string {
	anon := &client{}
	raw, err := anon.postJSON("/api/auth/register", map[string]string{
		"username":  username,
		"full_name": fullName,
		"email":     username + "@demo.regdoc.io",
		"password":  "demo-password",
		"role":      role,
	})
	if err != nil {
		log.Fatalf("register %s: %v", username, err)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &created)
	log.Printf("👤 %s (%s)", username, role)
	return created.ID
}

func login(username string) *client {
	anon := &client{}
	raw, err := anon.postJSON("/api/auth/login", map[string]string{
		"username": username,
		"password": "demo-password",
	})
	if err != nil {
		log.Fatalf("login %s: %v", username, err)
	}
	var res struct {
		Token string `json:"token"`
	}
	json.Unmarshal(raw, &res)
	return &client{token: res.Token}
}

func uploadDocument(c *client, path, filename string, fields map[string]string) string {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", filename)
	fw.Write([]byte("%PDF-1.7 demo payload: " + filename))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	raw, err := c.do("POST", path, &buf, mw.FormDataContentType())
	if err != nil {
		log.Fatalf("upload %s: %v", filename, err)
	}
	var doc struct {
		ID        string `json:"id"`
		DocNumber string `json:"doc_number"`
	}
	json.Unmarshal(raw, &doc)
	log.Printf("📄 %s (%s)", doc.DocNumber, filename)
	return doc.ID
}

func main() {
	flag.Parse()

	register("alice", "Alice Aster", "Contributor")
	qcID := register("quentin", "Quentin Qualls", "QC")
	reviewerID := register("bob", "Bob Breuer", "Reviewer")
	approverID := register("amara", "Amara Okafor", "Approver")
	register("quinn", "Quinn Maro", "Quality Manager")
	register("root", "Site Admin", "Admin")

	alice := login("alice")
	quentin := login("quentin")
	bob := login("bob")
	amara := login("amara")

	// A document left in Draft.
	uploadDocument(alice, "/api/documents", "site-monitoring-plan.pdf", map[string]string{
		"study_id": "STUDY-002", "country": "UK", "tmf_zone": "05",
	})

	// A document driven all the way to Approved.
	docID := uploadDocument(alice, "/api/documents", "protocol.pdf", map[string]string{
		"study_id": "STUDY-001", "country": "US", "site_id": "SITE-US-01",
		"tmf_zone": "02", "tmf_section": "02.01", "tmf_artifact": "Protocol",
	})

	steps := []struct {
		c       *client
		path    string
		payload map[string]interface{}
	}{
		{alice, "/submit-qc", map[string]interface{}{"reviewers": []string{qcID}}},
		{quentin, "/qc-ballot", map[string]interface{}{"decision": "Pass", "comment": "formatting verified"}},
		{alice, "/submit-review", map[string]interface{}{"reviewers": []string{reviewerID}}},
		{bob, "/review-ballot", map[string]interface{}{"decision": "Approved", "comment": "content is sound"}},
		{alice, "/submit-approval", map[string]interface{}{"approver": approverID}},
		{amara, "/final-approval", map[string]interface{}{"decision": "Approved", "comment": "effective immediately"}},
	}
	for _, step := range steps {
		if _, err := step.c.postJSON("/api/documents/"+docID+step.path, step.payload); err != nil {
			log.Fatalf("workflow step %s: %v", step.path, err)
		}
	}
	log.Printf("✅ %s approved and signed", docID)
	log.Println("🌱 Demo data ready")
}
