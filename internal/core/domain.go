// Package core holds the document lifecycle data model shared by every other
// package: documents, revisions, ballots, signatures and audit entries.
package core

import (
	"fmt"
	"time"
)

// TMFMetadata is the Trial Master File classification of a document.
// Values are free-form strings validated by the CTMS directory, not here.
type TMFMetadata struct {
	StudyID     string `json:"study_id"`
	Country     string `json:"country"`
	SiteID      string `json:"site_id"`
	TMFZone     string `json:"tmf_zone"`
	TMFSection  string `json:"tmf_section"`
	TMFArtifact string `json:"tmf_artifact"`
}

// Revision is a single uploaded file payload within a document.
type Revision struct {
	BlobID        string    `json:"blob_id"`
	Filename      string    `json:"filename"`
	ContentType   string    `json:"content_type"`
	AuthorComment string    `json:"author_comment,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
	Uploader      string    `json:"uploader"`
}

// Ballot is a reviewer's decision record for a workflow stage.
// Re-casting updates the entry in place; PreviousComment preserves the
// reviewer's comment from before a revision reset for traceability.
type Ballot struct {
	PrincipalID     string     `json:"principal_id"`
	Decision        Decision   `json:"decision"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	Comment         string     `json:"comment,omitempty"`
	PreviousComment string     `json:"previous_comment,omitempty"`
}

// DueDates carries the optional per-stage deadlines. They are advisory:
// the engine never auto-transitions on expiry.
type DueDates struct {
	QC       *time.Time `json:"qc,omitempty"`
	Review   *time.Time `json:"review,omitempty"`
	Approval *time.Time `json:"approval,omitempty"`
}

// Signature binds an approved revision to the approving principal's key.
// Once present it is immutable; the public key is snapshotted so later key
// rotation does not invalidate verification.
type Signature struct {
	SignatureB64      string    `json:"signature_b64"`
	SignerPrincipal   string    `json:"signer_principal"`
	SignerName        string    `json:"signer_name"`
	PublicKeySnapshot string    `json:"public_key_snapshot"` // PEM
	SignedAt          time.Time `json:"signed_at"`
	SignedBlobID      string    `json:"signed_blob_id"`
}

// AuditEntry is one append-only history record.
type AuditEntry struct {
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// Document is the central entity: one version within a lineage.
type Document struct {
	ID           string `json:"id"`
	DocNumber    string `json:"doc_number"`
	LineageID    string `json:"lineage_id"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
	Status       Status `json:"status"`

	AuthorID   string      `json:"author_id"`
	AuthorName string      `json:"author_name"`
	CreatedAt  time.Time   `json:"created_at"`
	Metadata   TMFMetadata `json:"tmf_metadata"`

	Revisions      []Revision `json:"revisions"`
	ActiveRevision int        `json:"active_revision"`

	CurrentStage   Stage    `json:"current_stage,omitempty"`
	QCBallots      []Ballot `json:"qc_ballots,omitempty"`
	ReviewBallots  []Ballot `json:"review_ballots,omitempty"`
	ApproverBallot *Ballot  `json:"approver_ballot,omitempty"`
	DueDates       DueDates `json:"due_dates,omitempty"`

	AmendedFrom     string `json:"amended_from,omitempty"`
	AmendmentReason string `json:"amendment_reason,omitempty"`
	SupersededBy    string `json:"superseded_by,omitempty"`

	// PendingSupersession marks a predecessor whose replacement has been
	// approved but whose own Superseded flip has not yet committed. The
	// reconciler finalizes these after a crash.
	PendingSupersession string `json:"pending_supersession,omitempty"`

	Signature *Signature   `json:"signature,omitempty"`
	History   []AuditEntry `json:"history"`

	// VersionCounter is the optimistic-concurrency token. Every committed
	// update increments it; an update computed from a stale snapshot is
	// refused with a Conflict.
	VersionCounter int64 `json:"version_counter"`
}

// Version returns the human-facing "major.minor" string.
func (d *Document) Version() string {
	return fmt.Sprintf("%d.%d", d.MajorVersion, d.MinorVersion)
}

// VersionLess orders two documents of the same lineage by
// (major_version, minor_version).
func VersionLess(a, b *Document) bool {
	if a.MajorVersion != b.MajorVersion {
		return a.MajorVersion < b.MajorVersion
	}
	return a.MinorVersion < b.MinorVersion
}

// ActiveRev returns the revision currently facing reviewers.
func (d *Document) ActiveRev() (Revision, error) {
	if d.ActiveRevision < 0 || d.ActiveRevision >= len(d.Revisions) {
		return Revision{}, fmt.Errorf("active revision %d out of range [0,%d)",
			d.ActiveRevision, len(d.Revisions))
	}
	return d.Revisions[d.ActiveRevision], nil
}

// EverApproved reports whether the document carries a signature, i.e. it
// reached Approved at some point (it may since have been superseded,
// obsoleted or archived).
func (d *Document) EverApproved() bool {
	return d.Signature != nil
}

// Clone returns a deep copy. The state machine never mutates its input; it
// clones, applies the event, and returns the new record.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Revisions = append([]Revision(nil), d.Revisions...)
	cp.QCBallots = cloneBallots(d.QCBallots)
	cp.ReviewBallots = cloneBallots(d.ReviewBallots)
	if d.ApproverBallot != nil {
		b := *d.ApproverBallot
		cp.ApproverBallot = &b
	}
	if d.Signature != nil {
		sig := *d.Signature
		cp.Signature = &sig
	}
	cp.History = append([]AuditEntry(nil), d.History...)
	return &cp
}

func cloneBallots(in []Ballot) []Ballot {
	if in == nil {
		return nil
	}
	out := make([]Ballot, len(in))
	copy(out, in)
	return out
}

// FindBallot returns the index of the ballot cast by principalID, or -1.
func FindBallot(ballots []Ballot, principalID string) int {
	for i := range ballots {
		if ballots[i].PrincipalID == principalID {
			return i
		}
	}
	return -1
}
