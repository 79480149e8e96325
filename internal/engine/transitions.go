package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/events"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// TRANSITION DRIVER
// ============================================================================

// transition runs one state-machine event under optimistic concurrency.
// Each attempt re-reads the document, rebuilds the event against the fresh
// snapshot, applies it, and tries to commit; a CAS conflict means another
// event landed first, so the loop re-validates from the winner's state.
func (e *Engine) transition(ctx context.Context, docID string, actor lifecycle.Actor,
	build func(doc *core.Document, now time.Time) (lifecycle.Event, error)) (*lifecycle.Result, error) {

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		doc, err := e.docs.Get(ctx, docID)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		ev, err := build(doc, now)
		if err != nil {
			return nil, err
		}
		res, err := lifecycle.Apply(doc, ev, actor)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordTransition(string(ev.Kind), false, 0)
			}
			return nil, err
		}
		if err := e.docs.Update(ctx, res.Doc); err != nil {
			if errors.Is(err, lifecycle.ErrConflict) {
				if e.metrics != nil {
					e.metrics.RecordCASConflict()
				}
				lastErr = err
				continue
			}
			return nil, err
		}

		e.trail.AppendAll(res.Doc.ID, res.Doc.DocNumber, res.Entries)
		if e.metrics != nil {
			e.metrics.RecordTransition(string(ev.Kind), true, time.Since(start).Seconds())
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: document %s kept changing under the event", lastErr, docID)
}

// ============================================================================
// SUBMIT OPERATIONS
// ============================================================================

// SubmitQC sends a Draft into formatting QC with the named reviewers.
func (e *Engine) SubmitQC(ctx context.Context, docID string, actor lifecycle.Actor, reviewers []string, due *time.Time) (*core.Document, error) {
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{
			Kind:      lifecycle.EventSubmitQC,
			Reviewers: reviewers,
			DueDate:   e.stageDue(due, now),
			Now:       now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.announce(events.TypeDocumentSubmittedQC, res.Doc, map[string]interface{}{
		"reviewers": reviewers,
	})
	e.notifyAssignees(res.Doc, core.StageQC, reviewers, actor, res.Doc.DueDates.QC)
	return res.Doc, nil
}

// SubmitReview sends a QC-complete document into technical review. With
// skipQC it accepts a Draft directly, recorded as such.
func (e *Engine) SubmitReview(ctx context.Context, docID string, actor lifecycle.Actor, reviewers []string, due *time.Time, skipQC bool) (*core.Document, error) {
	kind := lifecycle.EventSubmitReview
	if skipQC {
		kind = lifecycle.EventSubmitReviewDirect
	}
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{
			Kind:      kind,
			Reviewers: reviewers,
			DueDate:   e.stageDue(due, now),
			Now:       now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.announce(events.TypeDocumentInReview, res.Doc, map[string]interface{}{
		"reviewers": reviewers,
	})
	e.notifyAssignees(res.Doc, core.StageReview, reviewers, actor, res.Doc.DueDates.Review)
	return res.Doc, nil
}

// SubmitApproval sends a review-complete document to its final approver.
func (e *Engine) SubmitApproval(ctx context.Context, docID string, actor lifecycle.Actor, approver string, due *time.Time) (*core.Document, error) {
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{
			Kind:     lifecycle.EventSubmitApproval,
			Approver: approver,
			DueDate:  e.stageDue(due, now),
			Now:      now,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.announce(events.TypePendingApproval, res.Doc, map[string]interface{}{
		"approver": approver,
	})
	e.notifyAssignees(res.Doc, core.StageFinalApproval, []string{approver}, actor, res.Doc.DueDates.Approval)
	return res.Doc, nil
}

// ============================================================================
// BALLOTS
// ============================================================================

// CastQCBallot records a QC Pass or Fail decision.
func (e *Engine) CastQCBallot(ctx context.Context, docID string, actor lifecycle.Actor, decision core.Decision, comment string) (*core.Document, lifecycle.StageOutcome, error) {
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{Kind: lifecycle.EventQCBallot, Decision: decision, Comment: comment, Now: now}, nil
	})
	if err != nil {
		return nil, lifecycle.StageOpen, err
	}
	e.recordBallot("qc", decision, res.Outcome)
	e.announce(events.TypeQCBallotCast, res.Doc, map[string]interface{}{
		"decision": string(decision),
		"outcome":  res.Outcome.String(),
	})
	return res.Doc, res.Outcome, nil
}

// CastReviewBallot records a technical review Approved or RequestChanges
// decision.
func (e *Engine) CastReviewBallot(ctx context.Context, docID string, actor lifecycle.Actor, decision core.Decision, comment string) (*core.Document, lifecycle.StageOutcome, error) {
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{Kind: lifecycle.EventReviewBallot, Decision: decision, Comment: comment, Now: now}, nil
	})
	if err != nil {
		return nil, lifecycle.StageOpen, err
	}
	e.recordBallot("review", decision, res.Outcome)
	e.announce(events.TypeReviewBallotCast, res.Doc, map[string]interface{}{
		"decision": string(decision),
		"outcome":  res.Outcome.String(),
	})
	return res.Doc, res.Outcome, nil
}

func (e *Engine) recordBallot(stage string, decision core.Decision, outcome lifecycle.StageOutcome) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordBallot(stage, string(decision))
	if outcome != lifecycle.StageOpen {
		e.metrics.RecordStageOutcome(stage, outcome == lifecycle.StagePassed)
	}
}

// ============================================================================
// REVISION UPLOADS
// ============================================================================

// UploadCorrected attaches a corrected file to a document under revision and
// returns it to technical review with reviewer ballots reset.
func (e *Engine) UploadCorrected(ctx context.Context, docID string, actor lifecycle.Actor, up Upload) (*core.Document, error) {
	return e.uploadRevision(ctx, docID, actor, up, lifecycle.EventUploadCorrected)
}

// UploadRevised attaches a reworked file to a rejected document and returns
// it to Draft with every ballot reset.
func (e *Engine) UploadRevised(ctx context.Context, docID string, actor lifecycle.Actor, up Upload) (*core.Document, error) {
	return e.uploadRevision(ctx, docID, actor, up, lifecycle.EventUploadRevised)
}

func (e *Engine) uploadRevision(ctx context.Context, docID string, actor lifecycle.Actor, up Upload, kind lifecycle.EventKind) (*core.Document, error) {
	rev, err := e.commitBlob(ctx, up, actor, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{Kind: kind, Revision: &rev, Now: now}, nil
	})
	if err != nil {
		// The document record never pointed at the blob; drop it.
		if derr := e.blobs.Delete(ctx, rev.BlobID); derr != nil {
			e.logger.Printf("⚠️ Orphaned blob %s after refused revision: %v", rev.BlobID, derr)
		}
		return nil, err
	}
	e.announce(events.TypeRevisionUploaded, res.Doc, map[string]interface{}{
		"filename": rev.Filename,
	})
	return res.Doc, nil
}

// ============================================================================
// RECALL, WITHDRAW, OBSOLESCENCE, ARCHIVAL
// ============================================================================

// Recall pulls an in-flight document back to the last completed state.
func (e *Engine) Recall(ctx context.Context, docID string, actor lifecycle.Actor, reason string) (*core.Document, error) {
	return e.simpleTransition(ctx, docID, actor, lifecycle.EventRecall, reason, events.TypeDocumentRecalled)
}

// Withdraw permanently retires a never-approved document.
func (e *Engine) Withdraw(ctx context.Context, docID string, actor lifecycle.Actor, reason string) (*core.Document, error) {
	return e.simpleTransition(ctx, docID, actor, lifecycle.EventWithdraw, reason, events.TypeDocumentWithdrawn)
}

// MarkObsolete retires an Approved document that no longer applies.
func (e *Engine) MarkObsolete(ctx context.Context, docID string, actor lifecycle.Actor, reason string) (*core.Document, error) {
	return e.simpleTransition(ctx, docID, actor, lifecycle.EventMarkObsolete, reason, events.TypeDocumentObsolete)
}

// Archive moves a document to long-term retention.
func (e *Engine) Archive(ctx context.Context, docID string, actor lifecycle.Actor) (*core.Document, error) {
	return e.simpleTransition(ctx, docID, actor, lifecycle.EventArchive, "", events.TypeDocumentArchived)
}

func (e *Engine) simpleTransition(ctx context.Context, docID string, actor lifecycle.Actor, kind lifecycle.EventKind, reason, eventType string) (*core.Document, error) {
	res, err := e.transition(ctx, docID, actor, func(_ *core.Document, now time.Time) (lifecycle.Event, error) {
		return lifecycle.Event{Kind: kind, Reason: reason, Now: now}, nil
	})
	if err != nil {
		return nil, err
	}
	extra := map[string]interface{}{}
	if reason != "" {
		extra["reason"] = reason
	}
	e.announce(eventType, res.Doc, extra)
	return res.Doc, nil
}
