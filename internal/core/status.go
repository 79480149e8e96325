package core

// ============================================================================
// STATUS & DECISION ALPHABETS
// ============================================================================

// Status is the lifecycle status of a document version.
type Status string

const (
	StatusDraft            Status = "Draft"
	StatusInQC             Status = "In QC"
	StatusQCComplete       Status = "QC Complete"
	StatusQCRejected       Status = "QC Rejected"
	StatusInReview         Status = "In Review"
	StatusUnderRevision    Status = "Under Revision"
	StatusReviewComplete   Status = "Review Complete"
	StatusPendingApproval  Status = "Pending Approval"
	StatusApprovalRejected Status = "Approval Rejected"
	StatusApproved         Status = "Approved"
	StatusSuperseded       Status = "Superseded"
	StatusObsolete         Status = "Obsolete"
	StatusWithdrawn        Status = "Withdrawn"
	StatusArchived         Status = "Archived"
)

// IsTerminal reports whether no further state-machine event is accepted
// (reads and signature verification remain available).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuperseded, StatusObsolete, StatusArchived, StatusWithdrawn:
		return true
	}
	return false
}

// InProgress reports whether the document is an in-flight version. Used by
// the amendment-uniqueness gate: at most one in-progress descendant may
// exist per approved document.
func (s Status) InProgress() bool {
	switch s {
	case StatusDraft, StatusInQC, StatusQCComplete, StatusInReview,
		StatusUnderRevision, StatusReviewComplete, StatusPendingApproval:
		return true
	}
	return false
}

// Withdrawable reports whether the author may still pull the document back
// before it was ever effective.
func (s Status) Withdrawable() bool {
	switch s {
	case StatusDraft, StatusInQC, StatusInReview, StatusPendingApproval,
		StatusQCRejected, StatusApprovalRejected, StatusUnderRevision:
		return true
	}
	return false
}

// Stage identifies the workflow stage a document is currently facing.
type Stage string

const (
	StageNone          Stage = ""
	StageQC            Stage = "QC"
	StageReview        Stage = "Technical Review"
	StageFinalApproval Stage = "Final Approval"
)

// Decision is a ballot decision. QC ballots use Pass/Fail; technical review
// ballots use Approved/RequestChanges; the approver ballot uses
// Approved/Rejected.
type Decision string

const (
	DecisionPending        Decision = "Pending"
	DecisionPass           Decision = "Pass"
	DecisionFail           Decision = "Fail"
	DecisionApproved       Decision = "Approved"
	DecisionRequestChanges Decision = "RequestChanges"
	DecisionRejected       Decision = "Rejected"
)

// Role is a principal's role in the identity directory.
type Role string

const (
	RoleContributor    Role = "Contributor"
	RoleQC             Role = "QC"
	RoleReviewer       Role = "Reviewer"
	RoleApprover       Role = "Approver"
	RoleQualityManager Role = "Quality Manager"
	RoleArchivist      Role = "Archivist"
	RoleAdmin          Role = "Admin"
)

// AllRoles lists every role the directory recognizes.
var AllRoles = []Role{
	RoleContributor, RoleQC, RoleReviewer, RoleApprover,
	RoleQualityManager, RoleArchivist, RoleAdmin,
}

// ValidRole reports whether r is a recognized role.
func ValidRole(r Role) bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}
