package api

import "net/http"

// ============================================================================
// WORKFLOW TEMPLATES
// ============================================================================

// WorkflowTemplate is a reviewer-workflow preset the dashboard offers when a
// document is sent into review. Templates are descriptive only; the engine
// validates every submitted stage on its own.
type WorkflowTemplate struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Stages       []string `json:"stages"`
	SkipQC       bool     `json:"skip_qc"`
	MinReviewers int      `json:"min_reviewers"`
}

// workflowTemplates is the static preset catalog.
var workflowTemplates = []WorkflowTemplate{
	{
		ID:           "standard",
		Name:         "Standard Review",
		Description:  "Formatting QC, technical review, then final approval.",
		Stages:       []string{"QC", "Technical Review", "Final Approval"},
		MinReviewers: 1,
	},
	{
		ID:           "expedited",
		Name:         "Expedited Review",
		Description:  "Skips formatting QC; technical review then final approval.",
		Stages:       []string{"Technical Review", "Final Approval"},
		SkipQC:       true,
		MinReviewers: 1,
	},
	{
		ID:           "dual-review",
		Name:         "Dual Technical Review",
		Description:  "Full pipeline with at least two technical reviewers.",
		Stages:       []string{"QC", "Technical Review", "Final Approval"},
		MinReviewers: 2,
	},
}

// GET /api/workflow-templates
func (s *Server) handleWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, workflowTemplates)
}
