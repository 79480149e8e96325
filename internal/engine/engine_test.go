package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regdoc/backend/internal/blobstore"
	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docsign"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/events"
	"github.com/regdoc/backend/internal/identity"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	engine    *Engine
	docs      docstore.Store
	blobs     blobstore.Store
	directory *identity.MemoryDirectory
	bus       *events.Bus

	author   lifecycle.Actor
	qc1, qc2 lifecycle.Actor
	rev1     lifecycle.Actor
	rev2     lifecycle.Actor
	approver lifecycle.Actor
	qm       lifecycle.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		docs:      docstore.NewMemoryStore(),
		blobs:     blobstore.NewMemoryStore(),
		directory: identity.NewMemoryDirectory(),
		bus:       events.NewBus(),
	}
	register := func(username string, role core.Role) lifecycle.Actor {
		p, err := f.directory.Register(ctx, username, username+" Person", username+"@example.com", "secret-pass", role)
		require.NoError(t, err)
		return p.Actor()
	}
	f.author = register("alice", core.RoleContributor)
	f.qc1 = register("quentin", core.RoleQC)
	f.qc2 = register("queenie", core.RoleQC)
	f.rev1 = register("bob", core.RoleReviewer)
	f.rev2 = register("bella", core.RoleReviewer)
	f.approver = register("amara", core.RoleApprover)
	f.qm = register("quinn", core.RoleQualityManager)

	f.engine = New(Options{
		Docs:      f.docs,
		Blobs:     f.blobs,
		Directory: f.directory,
		Events:    f.bus,
	})
	return f
}

func pdf(name string) Upload {
	return Upload{Filename: name, ContentType: "application/pdf", Data: []byte("%PDF " + name)}
}

func (f *fixture) create(t *testing.T) *core.Document {
	t.Helper()
	doc, err := f.engine.Create(context.Background(), f.author,
		core.TMFMetadata{StudyID: "STUDY-001", TMFZone: "02"}, pdf("protocol.pdf"))
	require.NoError(t, err)
	return doc
}

// approve drives a fresh document through the full workflow to Approved.
func (f *fixture) approve(t *testing.T, docID string) *core.Document {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.SubmitQC(ctx, docID, f.author, []string{f.qc1.ID, f.qc2.ID}, nil)
	require.NoError(t, err)
	_, _, err = f.engine.CastQCBallot(ctx, docID, f.qc1, core.DecisionPass, "clean")
	require.NoError(t, err)
	_, _, err = f.engine.CastQCBallot(ctx, docID, f.qc2, core.DecisionPass, "clean")
	require.NoError(t, err)
	_, err = f.engine.SubmitReview(ctx, docID, f.author, []string{f.rev1.ID}, nil, false)
	require.NoError(t, err)
	_, _, err = f.engine.CastReviewBallot(ctx, docID, f.rev1, core.DecisionApproved, "sound")
	require.NoError(t, err)
	_, err = f.engine.SubmitApproval(ctx, docID, f.author, f.approver.ID, nil)
	require.NoError(t, err)
	doc, err := f.engine.FinalApproval(ctx, docID, f.approver, core.DecisionApproved, "effective")
	require.NoError(t, err)
	return doc
}

// ============================================================================
// HAPPY PATH
// ============================================================================

func TestFullApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.create(t)
	assert.Equal(t, core.StatusDraft, doc.Status)
	assert.Equal(t, "0.1", doc.Version())
	assert.Equal(t, "REG-TMF-00001", doc.DocNumber)

	approved := f.approve(t, doc.ID)
	assert.Equal(t, core.StatusApproved, approved.Status)
	assert.Equal(t, "1.0", approved.Version())
	require.NotNil(t, approved.Signature)
	assert.Equal(t, f.approver.ID, approved.Signature.SignerPrincipal)

	report, err := f.engine.VerifySignature(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	// The audit trail chained every history entry.
	valid, _ := f.engine.Trail().Validate(doc.ID)
	assert.True(t, valid)
	chain := f.engine.Trail().Chain(doc.ID)
	assert.Len(t, chain, len(approved.History))
}

func TestCreateEmitsEvent(t *testing.T) {
	f := newFixture(t)
	ch := f.bus.Subscribe(events.TypeDocumentCreated)

	doc := f.create(t)

	select {
	case ev := <-ch:
		assert.Equal(t, doc.ID, ev.Subject)
		assert.Equal(t, doc.DocNumber, ev.Data["doc_number"])
	case <-time.After(time.Second):
		t.Fatal("no document.created event")
	}
}

func TestDueDateDefaulting(t *testing.T) {
	f := newFixture(t)
	f.engine.defaultDueDays = 7
	doc := f.create(t)

	updated, err := f.engine.SubmitQC(context.Background(), doc.ID, f.author, []string{f.qc1.ID}, nil)
	require.NoError(t, err)
	require.NotNil(t, updated.DueDates.QC)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *updated.DueDates.QC, time.Minute)
}

// ============================================================================
// REJECTION AND REWORK
// ============================================================================

func TestQCRejectionAndRevisedUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	_, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID, f.qc2.ID}, nil)
	require.NoError(t, err)
	rejected, outcome, err := f.engine.CastQCBallot(ctx, doc.ID, f.qc1, core.DecisionFail, "wrong template")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageFailed, outcome)
	assert.Equal(t, core.StatusQCRejected, rejected.Status)

	revised, err := f.engine.UploadRevised(ctx, doc.ID, f.author, pdf("protocol-v2.pdf"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, revised.Status)
	assert.Equal(t, "0.2", revised.Version())
	assert.Len(t, revised.Revisions, 2)
}

func TestChangesRequestedAndCorrectedUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	_, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID}, nil)
	require.NoError(t, err)
	_, _, err = f.engine.CastQCBallot(ctx, doc.ID, f.qc1, core.DecisionPass, "clean")
	require.NoError(t, err)
	_, err = f.engine.SubmitReview(ctx, doc.ID, f.author, []string{f.rev1.ID, f.rev2.ID}, nil, false)
	require.NoError(t, err)

	under, outcome, err := f.engine.CastReviewBallot(ctx, doc.ID, f.rev1, core.DecisionRequestChanges, "section 3 unclear")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StageFailed, outcome)
	assert.Equal(t, core.StatusUnderRevision, under.Status)

	corrected, err := f.engine.UploadCorrected(ctx, doc.ID, f.author, pdf("protocol-fix.pdf"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusInReview, corrected.Status)
	assert.Equal(t, "0.2", corrected.Version())
	for _, b := range corrected.ReviewBallots {
		assert.Equal(t, core.DecisionPending, b.Decision)
	}
	// The earlier objection is preserved for traceability.
	i := core.FindBallot(corrected.ReviewBallots, f.rev1.ID)
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "section 3 unclear", corrected.ReviewBallots[i].PreviousComment)
}

func TestRefusedRevisionDropsBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	// Draft does not accept a corrected revision.
	_, err := f.engine.UploadCorrected(ctx, doc.ID, f.author, pdf("late.pdf"))
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)

	// Only the original blob remains.
	got, err := f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, got.Revisions, 1)
}

// ============================================================================
// AMENDMENT AND SUPERSESSION
// ============================================================================

func TestAmendmentSupersedesPredecessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.create(t)
	f.approve(t, doc.ID)

	free, _, err := f.engine.CanAmend(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, free)

	amendment, err := f.engine.Amend(ctx, f.author, doc.ID, "updated dosing schedule", pdf("protocol-a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, amendment.Status)
	assert.Equal(t, "1.1", amendment.Version())
	assert.Equal(t, doc.DocNumber, amendment.DocNumber)
	assert.Equal(t, doc.ID, amendment.AmendedFrom)

	// The slot is now taken.
	free, blocking, err := f.engine.CanAmend(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, free)
	require.NotNil(t, blocking)
	assert.Equal(t, amendment.ID, blocking.ID)

	_, err = f.engine.Amend(ctx, f.author, doc.ID, "second attempt", pdf("dup.pdf"))
	assert.ErrorIs(t, err, lifecycle.ErrDuplicateAmendment)

	approvedAmendment := f.approve(t, amendment.ID)
	assert.Equal(t, "2.0", approvedAmendment.Version())

	pred, err := f.engine.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuperseded, pred.Status)
	assert.Equal(t, amendment.ID, pred.SupersededBy)
	assert.Empty(t, pred.PendingSupersession)
}

// blindStore hides in-progress amendments from the advisory pre-check, so
// only the store's commit-time slot enforcement stands between concurrent
// amendments of one predecessor.
type blindStore struct {
	docstore.Store
}

func (s *blindStore) InProgressAmendment(context.Context, string) (*core.Document, error) {
	return nil, nil
}

func TestConcurrentAmendsKeepSlotUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)
	f.approve(t, doc.ID)

	f.engine.docs = &blindStore{Store: f.docs}

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Amend(ctx, f.author, doc.ID, "concurrent update",
				pdf(fmt.Sprintf("protocol-%d.pdf", i)))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, lifecycle.ErrDuplicateAmendment)
		}
	}
	assert.Equal(t, 1, successes)

	versions, err := f.engine.Lineage(ctx, doc.LineageID)
	require.NoError(t, err)
	inProgress := 0
	for _, v := range versions {
		if v.Status.InProgress() {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestReconcilerFinishesInterruptedSupersession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.create(t)
	f.approve(t, doc.ID)
	amendment, err := f.engine.Amend(ctx, f.author, doc.ID, "update", pdf("a.pdf"))
	require.NoError(t, err)
	f.approve(t, amendment.ID)

	// Simulate the crash window: predecessor carries the marker but the
	// flip never landed.
	pred, err := f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	pred.Status = core.StatusApproved
	pred.SupersededBy = ""
	pred.PendingSupersession = amendment.ID
	require.NoError(t, f.docs.Update(ctx, pred))

	require.NoError(t, f.engine.ReconcileOnce(ctx))

	pred, err = f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuperseded, pred.Status)
	assert.Equal(t, amendment.ID, pred.SupersededBy)
	assert.Empty(t, pred.PendingSupersession)
}

func TestReconcilerClearsStaleMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.create(t)
	f.approve(t, doc.ID)
	amendment, err := f.engine.Amend(ctx, f.author, doc.ID, "update", pdf("a.pdf"))
	require.NoError(t, err)
	_, err = f.engine.Withdraw(ctx, amendment.ID, f.author, "abandoned")
	require.NoError(t, err)

	pred, err := f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	pred.PendingSupersession = amendment.ID
	require.NoError(t, f.docs.Update(ctx, pred))

	require.NoError(t, f.engine.ReconcileOnce(ctx))

	pred, err = f.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, pred.Status)
	assert.Empty(t, pred.PendingSupersession)
}

// ============================================================================
// SIGNATURES SURVIVE KEY ROTATION
// ============================================================================

func TestVerificationSurvivesKeyRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.create(t)
	f.approve(t, doc.ID)

	require.NoError(t, f.directory.RotateKeys(ctx, f.approver.ID))

	report, err := f.engine.VerifySignature(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "snapshotted key keeps old signatures verifiable")
}

func TestVerifySignatureRequiresApproval(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)

	_, err := f.engine.VerifySignature(context.Background(), doc.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)
}

// signerCountingDirectory counts key-handle resolutions.
type signerCountingDirectory struct {
	*identity.MemoryDirectory
	signerLookups int
}

func (d *signerCountingDirectory) SignerFor(ctx context.Context, handle string) (docsign.Signer, error) {
	d.signerLookups++
	return d.MemoryDirectory.SignerFor(ctx, handle)
}

func TestFinalApprovalRefusalLeavesKeyUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	_, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID}, nil)
	require.NoError(t, err)
	_, _, err = f.engine.CastQCBallot(ctx, doc.ID, f.qc1, core.DecisionPass, "clean")
	require.NoError(t, err)
	_, err = f.engine.SubmitReview(ctx, doc.ID, f.author, []string{f.rev1.ID}, nil, false)
	require.NoError(t, err)
	_, _, err = f.engine.CastReviewBallot(ctx, doc.ID, f.rev1, core.DecisionApproved, "sound")
	require.NoError(t, err)
	_, err = f.engine.SubmitApproval(ctx, doc.ID, f.author, f.approver.ID, nil)
	require.NoError(t, err)

	counting := &signerCountingDirectory{MemoryDirectory: f.directory}
	f.engine.directory = counting

	// A principal who is not the assigned approver is refused before any
	// signing key is resolved.
	_, err = f.engine.FinalApproval(ctx, doc.ID, f.qm, core.DecisionApproved, "sneaky")
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)
	assert.Equal(t, 0, counting.signerLookups)

	approved, err := f.engine.FinalApproval(ctx, doc.ID, f.approver, core.DecisionApproved, "effective")
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, approved.Status)
	assert.Equal(t, 1, counting.signerLookups)
}

// ============================================================================
// CONCURRENCY
// ============================================================================

// conflictingStore refuses the first n Update calls with a concurrency
// conflict to exercise the retry loop.
type conflictingStore struct {
	docstore.Store
	remaining int
}

func (s *conflictingStore) Update(ctx context.Context, doc *core.Document) error {
	if s.remaining > 0 {
		s.remaining--
		return lifecycle.ErrConflict
	}
	return s.Store.Update(ctx, doc)
}

func TestTransitionRetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	f.engine.docs = &conflictingStore{Store: f.docs, remaining: 2}
	updated, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusInQC, updated.Status)
}

func TestTransitionGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)

	f.engine.docs = &conflictingStore{Store: f.docs, remaining: 10}
	_, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID}, nil)
	assert.ErrorIs(t, err, lifecycle.ErrConflict)
}

// ============================================================================
// DELETE & TERMINAL OPERATIONS
// ============================================================================

func TestDeleteDraftCleansBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)
	blobID := doc.Revisions[0].BlobID

	require.NoError(t, f.engine.Delete(ctx, doc.ID, f.author))

	_, err := f.engine.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	exists, err := f.blobs.Exists(ctx, blobID)
	require.NoError(t, err)
	assert.False(t, exists)

	// The trail keeps the record of the removal.
	chain := f.engine.Trail().Chain(doc.ID)
	require.NotEmpty(t, chain)
	assert.Equal(t, lifecycle.ActionDeleted, chain[len(chain)-1].Action)
}

func TestDeleteRefusedOutsideDraftAndWithdrawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)
	f.approve(t, doc.ID)

	err := f.engine.Delete(ctx, doc.ID, f.author)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidState)
}

func TestObsoleteRequiresQualityManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)
	f.approve(t, doc.ID)

	_, err := f.engine.MarkObsolete(ctx, doc.ID, f.author, "replaced by SOP-9")
	assert.ErrorIs(t, err, lifecycle.ErrUnauthorized)

	updated, err := f.engine.MarkObsolete(ctx, doc.ID, f.qm, "replaced by SOP-9")
	require.NoError(t, err)
	assert.Equal(t, core.StatusObsolete, updated.Status)
}

// ============================================================================
// TASKS & PREVIEW
// ============================================================================

func TestMyTasksAfterAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.create(t)
	_, err := f.engine.SubmitQC(ctx, doc.ID, f.author, []string{f.qc1.ID}, nil)
	require.NoError(t, err)

	tasks, err := f.engine.MyTasks(ctx, f.qc1.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.StageQC, tasks[0].Stage)

	tasks, err = f.engine.MyTasks(ctx, f.rev1.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Completed stages park the document back on the author, who owes the
	// next submit.
	_, _, err = f.engine.CastQCBallot(ctx, doc.ID, f.qc1, core.DecisionPass, "clean")
	require.NoError(t, err)
	tasks, err = f.engine.MyTasks(ctx, f.author.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.StatusQCComplete, tasks[0].Doc.Status)
	assert.Equal(t, core.StageNone, tasks[0].Stage)

	_, err = f.engine.SubmitReview(ctx, doc.ID, f.author, []string{f.rev1.ID}, nil, false)
	require.NoError(t, err)
	_, _, err = f.engine.CastReviewBallot(ctx, doc.ID, f.rev1, core.DecisionApproved, "sound")
	require.NoError(t, err)
	tasks, err = f.engine.MyTasks(ctx, f.author.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.StatusReviewComplete, tasks[0].Doc.Status)
}

func TestPreviewReturnsActivePayload(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)

	got, blob, err := f.engine.Preview(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, []byte("%PDF protocol.pdf"), blob.Data)
}
