package lifecycle

import (
	"time"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// EVENTS & ACTORS
// ============================================================================

// Actor is the authenticated principal attempting an event. The machine only
// needs identity and role; credential validation happened upstream.
type Actor struct {
	ID   string
	Name string
	Role core.Role
}

// IsAdmin reports whether the actor carries the Admin role. Admins are
// implicitly authorized for every event and their ballots are final.
func (a Actor) IsAdmin() bool {
	return a.Role == core.RoleAdmin
}

// EventKind identifies a state-machine event.
type EventKind string

const (
	EventSubmitQC           EventKind = "submit_qc"
	EventSubmitReview       EventKind = "submit_review"
	EventSubmitReviewDirect EventKind = "submit_review_direct"
	EventQCBallot           EventKind = "qc_ballot"
	EventReviewBallot       EventKind = "review_ballot"
	EventUploadCorrected    EventKind = "upload_corrected_revision"
	EventUploadRevised      EventKind = "upload_revised_revision"
	EventSubmitApproval     EventKind = "submit_approval"
	EventFinalApproval      EventKind = "final_approval"
	EventRecall             EventKind = "recall"
	EventWithdraw           EventKind = "withdraw"
	EventMarkObsolete       EventKind = "mark_obsolete"
	EventArchive            EventKind = "archive"
)

// Event is the proposed transition plus its event-specific payload. Only the
// fields relevant to Kind are consulted; the rest stay zero.
type Event struct {
	Kind EventKind

	// Reviewers names the QC or review principals for submit events.
	Reviewers []string

	// Approver names the final-approval principal for submit_approval.
	Approver string

	// Decision carries the ballot or final-approval decision.
	Decision core.Decision

	// Comment accompanies ballots and final approval.
	Comment string

	// Reason accompanies recall, withdraw and mark_obsolete.
	Reason string

	// DueDate is the optional advisory deadline for the submitted stage.
	DueDate *time.Time

	// Revision is the already-committed blob for upload events. The blob
	// is written before the document; the machine never touches storage.
	Revision *core.Revision

	// Signature is the detached signature for final_approval(Approved),
	// produced by the caller over the active revision's bytes before the
	// event is applied. The machine binds it atomically with the status
	// flip.
	Signature *core.Signature

	// Now is the event timestamp (UTC).
	Now time.Time
}

// ============================================================================
// AUDIT ACTIONS (closed set)
// ============================================================================

const (
	ActionCreated           = "Created"
	ActionAmendmentCreated  = "Amendment Created"
	ActionSubmittedQC       = "Submitted for QC"
	ActionSubmittedReview   = "Submitted for Review"
	ActionSubmittedApproval = "Submitted for Approval"
	ActionQCBallot          = "QC Ballot"
	ActionQCComplete        = "QC Complete"
	ActionQCRejected        = "QC Rejected"
	ActionReviewBallot      = "Review Ballot"
	ActionReviewComplete    = "Review Complete"
	ActionChangesRequested  = "Changes Requested"
	ActionRevisionUploaded  = "Revision Uploaded"
	ActionApproved          = "Approved"
	ActionApprovalRejected  = "Approval Rejected"
	ActionRecalled          = "Recalled"
	ActionWithdrawn         = "Withdrawn"
	ActionMarkedObsolete    = "Marked Obsolete"
	ActionArchived          = "Archived"
	ActionSuperseded        = "Superseded"
	ActionDeleted           = "Deleted"
)
