// Package lifecycle is the pure document state machine: it takes the current
// document, a proposed event and the acting principal, and returns either a
// new document record plus audit entries or a typed error. It performs no
// I/O; blob writes and signature issuance happen before Apply, persistence
// happens after.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// DOCUMENT STATE MACHINE
// ============================================================================

// Result is the outcome of a successfully applied event.
type Result struct {
	// Doc is the new document record. The input document is never
	// mutated; Apply clones it first.
	Doc *core.Document

	// Entries are the audit entries appended by this event, already
	// present in Doc.History. Callers feed them to the audit trail.
	Entries []core.AuditEntry

	// Outcome is the stage aggregate after a ballot event; StageOpen for
	// every other event kind.
	Outcome StageOutcome

	// SupersedePredecessor is set when final_approval(Approved) lands on
	// an amendment. The caller must flip the predecessor to Superseded
	// under the two-phase marker protocol.
	SupersedePredecessor bool
}

// preconditions maps each event kind to the statuses it may fire from.
// An event applied outside its precondition set fails with ErrInvalidState.
var preconditions = map[EventKind][]core.Status{
	EventSubmitQC:           {core.StatusDraft},
	EventSubmitReviewDirect: {core.StatusDraft},
	EventQCBallot:           {core.StatusInQC},
	EventSubmitReview:       {core.StatusQCComplete},
	EventReviewBallot:       {core.StatusInReview},
	EventUploadCorrected:    {core.StatusUnderRevision},
	EventUploadRevised:      {core.StatusQCRejected, core.StatusApprovalRejected},
	EventSubmitApproval:     {core.StatusReviewComplete},
	EventFinalApproval:      {core.StatusPendingApproval},
	EventRecall:             {core.StatusInQC, core.StatusInReview, core.StatusPendingApproval},
	EventWithdraw: {
		core.StatusDraft, core.StatusInQC, core.StatusInReview,
		core.StatusPendingApproval, core.StatusQCRejected,
		core.StatusApprovalRejected, core.StatusUnderRevision,
	},
	EventMarkObsolete: {core.StatusApproved},
	EventArchive:      {core.StatusApproved, core.StatusSuperseded},
}

// Apply runs one event against a document snapshot. On success the returned
// Result carries a fresh record with the event applied and its audit entries
// appended; on failure the typed error explains the refusal and the input
// document is untouched either way.
func Apply(doc *core.Document, ev Event, actor Actor) (*Result, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document", ErrNotFound)
	}
	if ev.Now.IsZero() {
		ev.Now = time.Now().UTC()
	}

	if err := checkPrecondition(doc, ev.Kind); err != nil {
		return nil, err
	}
	if err := authorize(doc, ev, actor); err != nil {
		return nil, err
	}

	next := doc.Clone()
	res := &Result{Doc: next}

	var err error
	switch ev.Kind {
	case EventSubmitQC:
		err = applySubmitQC(next, ev, actor)
	case EventSubmitReview, EventSubmitReviewDirect:
		err = applySubmitReview(next, ev, actor)
	case EventQCBallot:
		res.Outcome, err = applyQCBallot(next, ev, actor)
	case EventReviewBallot:
		res.Outcome, err = applyReviewBallot(next, ev, actor)
	case EventUploadCorrected:
		err = applyUploadCorrected(next, ev, actor)
	case EventUploadRevised:
		err = applyUploadRevised(next, ev, actor)
	case EventSubmitApproval:
		err = applySubmitApproval(next, ev, actor)
	case EventFinalApproval:
		res.SupersedePredecessor, err = applyFinalApproval(next, ev, actor)
	case EventRecall:
		err = applyRecall(next, ev, actor)
	case EventWithdraw:
		err = applyWithdraw(next, ev, actor)
	case EventMarkObsolete:
		err = applyMarkObsolete(next, ev, actor)
	case EventArchive:
		err = applyArchive(next, ev, actor)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidInput, ev.Kind)
	}
	if err != nil {
		return nil, err
	}

	res.Entries = next.History[len(doc.History):]
	return res, nil
}

// CanFinalApprove reports whether a final_approval event from the actor
// would be accepted in the document's current state. Callers that must do
// expensive work before building the event, such as exercising a signing
// key, use this to avoid doing it for an actor Apply would refuse.
func CanFinalApprove(doc *core.Document, actor Actor) error {
	if err := checkPrecondition(doc, EventFinalApproval); err != nil {
		return err
	}
	return authorize(doc, Event{Kind: EventFinalApproval}, actor)
}

func checkPrecondition(doc *core.Document, kind EventKind) error {
	allowed, ok := preconditions[kind]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidInput, kind)
	}
	for _, s := range allowed {
		if doc.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not accepted in status %q", ErrInvalidState, kind, doc.Status)
}

// ============================================================================
// AUTHORIZATION TABLE
// ============================================================================

// authRule is one per-event authorization predicate.
type authRule func(doc *core.Document, ev Event, actor Actor) bool

// authorRule admits the document author. Used by every submit-class event.
func authorRule(doc *core.Document, _ Event, actor Actor) bool {
	return doc.AuthorID == actor.ID
}

// ballotRule admits principals enumerated in the stage's ballot set.
func ballotRule(pick func(*core.Document) []core.Ballot) authRule {
	return func(doc *core.Document, _ Event, actor Actor) bool {
		return core.FindBallot(pick(doc), actor.ID) >= 0
	}
}

// roleRule admits actors holding the given role.
func roleRule(role core.Role) authRule {
	return func(_ *core.Document, _ Event, actor Actor) bool {
		return actor.Role == role
	}
}

func approverRule(doc *core.Document, _ Event, actor Actor) bool {
	return doc.ApproverBallot != nil && doc.ApproverBallot.PrincipalID == actor.ID
}

// authRules is the per-event authorization table. Admin passes every rule
// implicitly; the table lists who else may act.
var authRules = map[EventKind]authRule{
	EventSubmitQC:           authorRule,
	EventSubmitReview:       authorRule,
	EventSubmitReviewDirect: authorRule,
	EventSubmitApproval:     authorRule,
	EventUploadCorrected:    authorRule,
	EventUploadRevised:      authorRule,
	EventRecall:             authorRule,
	EventWithdraw:           authorRule,
	EventQCBallot:           ballotRule(func(d *core.Document) []core.Ballot { return d.QCBallots }),
	EventReviewBallot:       ballotRule(func(d *core.Document) []core.Ballot { return d.ReviewBallots }),
	EventFinalApproval:      approverRule,
	EventMarkObsolete:       roleRule(core.RoleQualityManager),
	EventArchive:            roleRule(core.RoleArchivist),
}

func authorize(doc *core.Document, ev Event, actor Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	rule, ok := authRules[ev.Kind]
	if !ok || !rule(doc, ev, actor) {
		return fmt.Errorf("%w: %s may not %s document %s", ErrUnauthorized, actor.ID, ev.Kind, doc.ID)
	}
	return nil
}

// ============================================================================
// EVENT HANDLERS
// ============================================================================

func applySubmitQC(doc *core.Document, ev Event, actor Actor) error {
	if len(ev.Reviewers) == 0 {
		return fmt.Errorf("%w: empty QC reviewer list", ErrInvalidInput)
	}
	doc.QCBallots = newBallots(ev.Reviewers)
	doc.Status = core.StatusInQC
	doc.CurrentStage = core.StageQC
	doc.DueDates.QC = ev.DueDate
	record(doc, ActionSubmittedQC, actor, ev.Now,
		fmt.Sprintf("%d QC reviewer(s) assigned", len(doc.QCBallots)))
	return nil
}

func applySubmitReview(doc *core.Document, ev Event, actor Actor) error {
	if len(ev.Reviewers) == 0 {
		return fmt.Errorf("%w: empty reviewer list", ErrInvalidInput)
	}
	doc.ReviewBallots = newBallots(ev.Reviewers)
	doc.Status = core.StatusInReview
	doc.CurrentStage = core.StageReview
	doc.DueDates.Review = ev.DueDate
	detail := fmt.Sprintf("%d reviewer(s) assigned", len(doc.ReviewBallots))
	if ev.Kind == EventSubmitReviewDirect {
		detail += ", QC skipped"
	}
	record(doc, ActionSubmittedReview, actor, ev.Now, detail)
	return nil
}

func applyQCBallot(doc *core.Document, ev Event, actor Actor) (StageOutcome, error) {
	if ev.Decision != core.DecisionPass && ev.Decision != core.DecisionFail {
		return StageOpen, fmt.Errorf("%w: QC decision must be Pass or Fail, got %q", ErrInvalidInput, ev.Decision)
	}
	ballots, err := castBallot(doc.QCBallots, actor, ev.Decision, ev.Comment, ev.Now)
	if err != nil {
		return StageOpen, err
	}
	doc.QCBallots = ballots
	record(doc, ActionQCBallot, actor, ev.Now,
		fmt.Sprintf("%s: %s", ev.Decision, ev.Comment))

	outcome := tallyQC(doc.QCBallots)
	if actor.IsAdmin() {
		// An Admin ballot is final for the stage regardless of
		// outstanding Pending ballots.
		if ev.Decision == core.DecisionPass {
			outcome = StagePassed
		} else {
			outcome = StageFailed
		}
	}
	switch outcome {
	case StagePassed:
		doc.Status = core.StatusQCComplete
		doc.CurrentStage = core.StageNone
		record(doc, ActionQCComplete, actor, ev.Now, "all QC reviewers passed")
	case StageFailed:
		doc.Status = core.StatusQCRejected
		doc.CurrentStage = core.StageNone
		record(doc, ActionQCRejected, actor, ev.Now, ev.Comment)
	}
	return outcome, nil
}

func applyReviewBallot(doc *core.Document, ev Event, actor Actor) (StageOutcome, error) {
	if ev.Decision != core.DecisionApproved && ev.Decision != core.DecisionRequestChanges {
		return StageOpen, fmt.Errorf("%w: review decision must be Approved or RequestChanges, got %q", ErrInvalidInput, ev.Decision)
	}
	ballots, err := castBallot(doc.ReviewBallots, actor, ev.Decision, ev.Comment, ev.Now)
	if err != nil {
		return StageOpen, err
	}
	doc.ReviewBallots = ballots
	record(doc, ActionReviewBallot, actor, ev.Now,
		fmt.Sprintf("%s: %s", ev.Decision, ev.Comment))

	outcome := tallyReview(doc.ReviewBallots)
	if actor.IsAdmin() {
		if ev.Decision == core.DecisionApproved {
			outcome = StagePassed
		} else {
			outcome = StageFailed
		}
	}
	switch outcome {
	case StagePassed:
		doc.Status = core.StatusReviewComplete
		doc.CurrentStage = core.StageNone
		record(doc, ActionReviewComplete, actor, ev.Now, "all reviewers approved")
	case StageFailed:
		doc.Status = core.StatusUnderRevision
		doc.CurrentStage = core.StageNone
		record(doc, ActionChangesRequested, actor, ev.Now, ev.Comment)
	}
	return outcome, nil
}

func applyUploadCorrected(doc *core.Document, ev Event, actor Actor) error {
	if err := appendRevision(doc, ev); err != nil {
		return err
	}
	doc.ReviewBallots = resetBallots(doc.ReviewBallots)
	doc.Status = core.StatusInReview
	doc.CurrentStage = core.StageReview
	record(doc, ActionRevisionUploaded, actor, ev.Now,
		fmt.Sprintf("corrected revision %s, version %s, reviewer ballots reset", ev.Revision.Filename, doc.Version()))
	return nil
}

func applyUploadRevised(doc *core.Document, ev Event, actor Actor) error {
	if err := appendRevision(doc, ev); err != nil {
		return err
	}
	doc.QCBallots = resetBallots(doc.QCBallots)
	doc.ReviewBallots = resetBallots(doc.ReviewBallots)
	if doc.ApproverBallot != nil {
		reset := resetBallots([]core.Ballot{*doc.ApproverBallot})
		doc.ApproverBallot = &reset[0]
	}
	doc.Status = core.StatusDraft
	doc.CurrentStage = core.StageNone
	record(doc, ActionRevisionUploaded, actor, ev.Now,
		fmt.Sprintf("revised after rejection: %s, version %s", ev.Revision.Filename, doc.Version()))
	return nil
}

// appendRevision bumps the minor version and makes the already-committed
// blob the active revision.
func appendRevision(doc *core.Document, ev Event) error {
	if ev.Revision == nil || ev.Revision.BlobID == "" {
		return fmt.Errorf("%w: missing revision payload", ErrInvalidInput)
	}
	doc.MinorVersion++
	doc.Revisions = append(doc.Revisions, *ev.Revision)
	doc.ActiveRevision = len(doc.Revisions) - 1
	return nil
}

func applySubmitApproval(doc *core.Document, ev Event, actor Actor) error {
	if ev.Approver == "" {
		return fmt.Errorf("%w: missing approver principal", ErrInvalidInput)
	}
	doc.ApproverBallot = &core.Ballot{
		PrincipalID: ev.Approver,
		Decision:    core.DecisionPending,
	}
	doc.Status = core.StatusPendingApproval
	doc.CurrentStage = core.StageFinalApproval
	doc.DueDates.Approval = ev.DueDate
	record(doc, ActionSubmittedApproval, actor, ev.Now,
		fmt.Sprintf("approver %s assigned", ev.Approver))
	return nil
}

func applyFinalApproval(doc *core.Document, ev Event, actor Actor) (supersede bool, err error) {
	if ev.Decision != core.DecisionApproved && ev.Decision != core.DecisionRejected {
		return false, fmt.Errorf("%w: final decision must be Approved or Rejected, got %q", ErrInvalidInput, ev.Decision)
	}
	decidedAt := ev.Now
	doc.ApproverBallot = &core.Ballot{
		PrincipalID: actor.ID,
		Decision:    ev.Decision,
		DecidedAt:   &decidedAt,
		Comment:     ev.Comment,
	}

	if ev.Decision == core.DecisionRejected {
		doc.Status = core.StatusApprovalRejected
		doc.CurrentStage = core.StageNone
		record(doc, ActionApprovalRejected, actor, ev.Now, ev.Comment)
		return false, nil
	}

	if ev.Signature == nil {
		return false, fmt.Errorf("%w: missing detached signature for approval", ErrInvalidInput)
	}
	active, aerr := doc.ActiveRev()
	if aerr != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidState, aerr)
	}
	if ev.Signature.SignedBlobID != active.BlobID {
		return false, fmt.Errorf("%w: signature covers blob %s, active revision is %s",
			ErrSignatureFailed, ev.Signature.SignedBlobID, active.BlobID)
	}

	// The signature binds atomically with the status flip; from here the
	// revisions, metadata and signature are frozen.
	doc.Signature = ev.Signature
	doc.MajorVersion++
	doc.MinorVersion = 0
	doc.Status = core.StatusApproved
	doc.CurrentStage = core.StageNone
	record(doc, ActionApproved, actor, ev.Now,
		fmt.Sprintf("version %s signed by %s: %s", doc.Version(), actor.Name, ev.Comment))
	return doc.AmendedFrom != "", nil
}

// applyRecall returns an in-flight document to the just-completed state for
// its stage and clears every ballot cast at or after that stage.
func applyRecall(doc *core.Document, ev Event, actor Actor) error {
	switch doc.Status {
	case core.StatusInQC:
		doc.Status = core.StatusDraft
		doc.QCBallots = nil
		doc.ReviewBallots = nil
		doc.ApproverBallot = nil
	case core.StatusInReview:
		doc.Status = core.StatusQCComplete
		doc.ReviewBallots = nil
		doc.ApproverBallot = nil
	case core.StatusPendingApproval:
		doc.Status = core.StatusReviewComplete
		doc.ApproverBallot = nil
	}
	doc.CurrentStage = core.StageNone
	record(doc, ActionRecalled, actor, ev.Now, ev.Reason)
	return nil
}

func applyWithdraw(doc *core.Document, ev Event, actor Actor) error {
	doc.Status = core.StatusWithdrawn
	doc.CurrentStage = core.StageNone
	record(doc, ActionWithdrawn, actor, ev.Now, ev.Reason)
	return nil
}

func applyMarkObsolete(doc *core.Document, ev Event, actor Actor) error {
	if ev.Reason == "" {
		return fmt.Errorf("%w: obsolescence reason is required", ErrInvalidInput)
	}
	doc.Status = core.StatusObsolete
	record(doc, ActionMarkedObsolete, actor, ev.Now, ev.Reason)
	return nil
}

func applyArchive(doc *core.Document, ev Event, actor Actor) error {
	doc.Status = core.StatusArchived
	record(doc, ActionArchived, actor, ev.Now, "")
	return nil
}

// ============================================================================
// HISTORY
// ============================================================================

// record appends one audit entry. Timestamps are clamped to be non-decreasing
// with respect to the document's existing history.
func record(doc *core.Document, action string, actor Actor, now time.Time, details string) {
	if n := len(doc.History); n > 0 && now.Before(doc.History[n-1].Timestamp) {
		now = doc.History[n-1].Timestamp
	}
	doc.History = append(doc.History, core.AuditEntry{
		Action:    action,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Timestamp: now,
		Details:   details,
	})
}
