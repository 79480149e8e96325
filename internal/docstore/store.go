// Package docstore persists document records with optimistic concurrency,
// maintains the lineage index, and allocates human-readable document numbers
// from named sequences.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// DOCUMENT STORE CONTRACT
// ============================================================================

// DocNumberSequence is the sequence name backing document numbers.
const DocNumberSequence = "doc_number"

// ListFilter narrows and pages the latest-per-lineage listing.
type ListFilter struct {
	// Search matches case-insensitively against doc number and the
	// active revision's filename. Identifier and name lookups only.
	Search string

	// Status keeps only lineages whose latest version has this status.
	Status core.Status

	Offset int
	Limit  int
}

// Task is one my-tasks entry: a document awaiting action from a principal
// plus the advisory deadline of the stage that awaits them.
type Task struct {
	Doc     *core.Document
	Stage   core.Stage
	DueDate *time.Time
}

// Store is the persistence contract. Update enforces an optimistic
// compare-and-set on the document's version counter: the caller passes the
// record as read, and a stale counter is refused with ErrConflict. A
// successful Update stores the record with the counter incremented and
// reflects the new counter on the passed document.
type Store interface {
	Insert(ctx context.Context, doc *core.Document) error
	Get(ctx context.Context, id string) (*core.Document, error)
	Update(ctx context.Context, doc *core.Document) error
	Delete(ctx context.Context, id string) error

	// Lineage returns every version sharing a lineage id, ordered by
	// (major_version, minor_version).
	Lineage(ctx context.Context, lineageID string) ([]*core.Document, error)

	// List returns the latest version of each lineage matching the
	// filter, newest first, plus the total match count before paging.
	List(ctx context.Context, filter ListFilter) ([]*core.Document, int, error)

	// InProgressAmendment returns the in-flight descendant of a
	// predecessor, or nil when the amendment slot is free.
	InProgressAmendment(ctx context.Context, predecessorID string) (*core.Document, error)

	// PendingSupersessions returns documents carrying an unfinalized
	// supersession marker, for the background reconciler.
	PendingSupersessions(ctx context.Context) ([]*core.Document, error)

	// MyTasks returns documents awaiting action from the principal:
	// a Pending ballot in the current stage, or authorship of a version
	// parked on the author (Draft, Under Revision, a rejected status,
	// or a completed stage awaiting the next submit).
	MyTasks(ctx context.Context, principalID string) ([]Task, error)

	// NextSequence atomically increments and returns the named counter.
	NextSequence(ctx context.Context, name string) (int64, error)
}

// AllocateDocNumber draws the next document number, REG-TMF- plus a
// zero-padded 5-digit sequence.
func AllocateDocNumber(ctx context.Context, s Store) (string, error) {
	n, err := s.NextSequence(ctx, DocNumberSequence)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("REG-TMF-%05d", n), nil
}

// taskFor inspects one document for work owed by the principal. Authors owe
// action on parked versions; reviewers owe Pending ballots.
func taskFor(doc *core.Document, principalID string) (Task, bool) {
	switch doc.Status {
	case core.StatusDraft, core.StatusUnderRevision,
		core.StatusQCRejected, core.StatusApprovalRejected,
		core.StatusQCComplete, core.StatusReviewComplete:
		// Completed stages park on the author too: they owe the next
		// submit to move the document along.
		if doc.AuthorID == principalID {
			return Task{Doc: doc, Stage: core.StageNone}, true
		}
	case core.StatusInQC:
		if i := core.FindBallot(doc.QCBallots, principalID); i >= 0 &&
			doc.QCBallots[i].Decision == core.DecisionPending {
			return Task{Doc: doc, Stage: core.StageQC, DueDate: doc.DueDates.QC}, true
		}
	case core.StatusInReview:
		if i := core.FindBallot(doc.ReviewBallots, principalID); i >= 0 &&
			doc.ReviewBallots[i].Decision == core.DecisionPending {
			return Task{Doc: doc, Stage: core.StageReview, DueDate: doc.DueDates.Review}, true
		}
	case core.StatusPendingApproval:
		if doc.ApproverBallot != nil &&
			doc.ApproverBallot.PrincipalID == principalID &&
			doc.ApproverBallot.Decision == core.DecisionPending {
			return Task{Doc: doc, Stage: core.StageFinalApproval, DueDate: doc.DueDates.Approval}, true
		}
	}
	return Task{}, false
}

// taskLess orders tasks most-urgent-first: dated before undated, earlier
// deadlines first, then oldest document first.
func taskLess(a, b Task) bool {
	switch {
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
		return a.DueDate.Before(*b.DueDate)
	}
	return a.Doc.CreatedAt.Before(b.Doc.CreatedAt)
}
