package lifecycle

import (
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// CREATION, AMENDMENT & SUPERSESSION
// ============================================================================
//
// Document creation and amendment are not transitions of an existing record,
// so they live beside Apply as pure constructors. The engine allocates ids
// and the doc number, commits the blob, then calls these.

// NewDocument builds the initial Draft at version 0.1 with a fresh lineage.
func NewDocument(id, docNumber, lineageID string, actor Actor, meta core.TMFMetadata, rev core.Revision, now time.Time) (*core.Document, error) {
	if rev.BlobID == "" {
		return nil, fmt.Errorf("%w: missing initial revision", ErrInvalidInput)
	}
	if rev.Filename == "" {
		return nil, fmt.Errorf("%w: missing filename", ErrInvalidInput)
	}
	doc := &core.Document{
		ID:           id,
		DocNumber:    docNumber,
		LineageID:    lineageID,
		MajorVersion: 0,
		MinorVersion: 1,
		Status:       core.StatusDraft,
		AuthorID:     actor.ID,
		AuthorName:   actor.Name,
		CreatedAt:    now,
		Metadata:     meta,
		Revisions:    []core.Revision{rev},
	}
	record(doc, ActionCreated, actor, now,
		fmt.Sprintf("%s created as %s version %s", rev.Filename, docNumber, doc.Version()))
	return doc, nil
}

// NewAmendment builds a Draft descendant of an Approved predecessor. It
// copies the doc number, lineage and metadata, starts at
// (predecessor.major, predecessor.minor+1), and points amended_from at the
// predecessor. The caller enforces amendment uniqueness against the store
// before persisting; this constructor only checks the predecessor's status.
func NewAmendment(id string, pred *core.Document, actor Actor, rev core.Revision, reason string, now time.Time) (*core.Document, error) {
	if pred.Status != core.StatusApproved {
		return nil, fmt.Errorf("%w: only Approved documents may be amended, predecessor is %q",
			ErrInvalidState, pred.Status)
	}
	if !actor.IsAdmin() && pred.AuthorID != actor.ID {
		return nil, fmt.Errorf("%w: %s may not amend document %s", ErrUnauthorized, actor.ID, pred.ID)
	}
	if rev.BlobID == "" {
		return nil, fmt.Errorf("%w: missing amendment revision", ErrInvalidInput)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: amendment reason is required", ErrInvalidInput)
	}
	doc := &core.Document{
		ID:              id,
		DocNumber:       pred.DocNumber,
		LineageID:       pred.LineageID,
		MajorVersion:    pred.MajorVersion,
		MinorVersion:    pred.MinorVersion + 1,
		Status:          core.StatusDraft,
		AuthorID:        actor.ID,
		AuthorName:      actor.Name,
		CreatedAt:       now,
		Metadata:        pred.Metadata,
		Revisions:       []core.Revision{rev},
		AmendedFrom:     pred.ID,
		AmendmentReason: reason,
	}
	record(doc, ActionAmendmentCreated, actor, now,
		fmt.Sprintf("amends %s version %s: %s", pred.DocNumber, pred.Version(), reason))
	return doc, nil
}

// Supersede flips an Approved predecessor to Superseded once its amendment
// has been approved. The caller drives the two-phase marker protocol; this
// finalizes the flip and clears the marker.
func Supersede(pred *core.Document, successorID string, actor Actor, now time.Time) (*core.Document, error) {
	if pred.Status != core.StatusApproved {
		return nil, fmt.Errorf("%w: cannot supersede document in status %q", ErrInvalidState, pred.Status)
	}
	next := pred.Clone()
	next.Status = core.StatusSuperseded
	next.SupersededBy = successorID
	next.PendingSupersession = ""
	record(next, ActionSuperseded, actor, now,
		fmt.Sprintf("superseded by %s", successorID))
	return next, nil
}

// CanDelete checks the hard-removal guard: author or Admin, and only while
// the document is Draft or Withdrawn.
func CanDelete(doc *core.Document, actor Actor) error {
	if doc.Status != core.StatusDraft && doc.Status != core.StatusWithdrawn {
		return fmt.Errorf("%w: delete not accepted in status %q", ErrInvalidState, doc.Status)
	}
	if !actor.IsAdmin() && doc.AuthorID != actor.ID {
		return fmt.Errorf("%w: %s may not delete document %s", ErrUnauthorized, actor.ID, doc.ID)
	}
	return nil
}
