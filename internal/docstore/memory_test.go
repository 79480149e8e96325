package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/lifecycle"
)

func memDoc(id, lineage, number string, major, minor int, status core.Status) *core.Document {
	return &core.Document{
		ID:           id,
		DocNumber:    number,
		LineageID:    lineage,
		MajorVersion: major,
		MinorVersion: minor,
		Status:       status,
		AuthorID:     "u1",
		CreatedAt:    time.Now().UTC(),
		Revisions:    []core.Revision{{BlobID: "b-" + id, Filename: "proto.pdf"}},
	}
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := memDoc("d1", "lin1", "REG-TMF-00001", 0, 1, core.StatusDraft)

	require.NoError(t, store.Insert(ctx, doc))
	assert.Equal(t, int64(1), doc.VersionCounter)

	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "REG-TMF-00001", got.DocNumber)

	// Mutating the returned copy does not touch the stored record.
	got.Status = core.StatusApproved
	again, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraft, again.Status)
}

func TestInsertDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, memDoc("d1", "lin1", "N", 0, 1, core.StatusDraft)))

	err := store.Insert(ctx, memDoc("d1", "lin2", "N", 0, 1, core.StatusDraft))
	assert.ErrorIs(t, err, lifecycle.ErrConflict)
}

func TestUpdateCASRefusesStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := memDoc("d1", "lin1", "N", 0, 1, core.StatusDraft)
	require.NoError(t, store.Insert(ctx, doc))

	// Two readers take the same snapshot.
	first, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "d1")
	require.NoError(t, err)

	first.Status = core.StatusInQC
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, int64(2), first.VersionCounter)

	second.Status = core.StatusWithdrawn
	err = store.Update(ctx, second)
	assert.ErrorIs(t, err, lifecycle.ErrConflict)

	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInQC, got.Status, "first committed write wins")
}

func TestLineageOrderedByVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, memDoc("d2", "lin1", "N", 1, 1, core.StatusDraft)))
	require.NoError(t, store.Insert(ctx, memDoc("d1", "lin1", "N", 1, 0, core.StatusApproved)))
	require.NoError(t, store.Insert(ctx, memDoc("d3", "lin1", "N", 2, 0, core.StatusApproved)))

	versions, err := store.Lineage(ctx, "lin1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []string{"d1", "d2", "d3"},
		[]string{versions[0].ID, versions[1].ID, versions[2].ID})

	_, err = store.Lineage(ctx, "missing")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestListReturnsLatestPerLineage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, memDoc("d1", "lin1", "REG-TMF-00001", 1, 0, core.StatusApproved)))
	require.NoError(t, store.Insert(ctx, memDoc("d2", "lin1", "REG-TMF-00001", 1, 1, core.StatusDraft)))
	require.NoError(t, store.Insert(ctx, memDoc("d3", "lin2", "REG-TMF-00002", 0, 1, core.StatusDraft)))

	docs, total, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	ids := []string{docs[0].ID, docs[1].ID}
	assert.Contains(t, ids, "d2")
	assert.Contains(t, ids, "d3")
	assert.NotContains(t, ids, "d1")
}

func TestListSearchAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		doc := memDoc(fmt.Sprintf("d%d", i), fmt.Sprintf("lin%d", i),
			fmt.Sprintf("REG-TMF-%05d", i), 0, 1, core.StatusDraft)
		require.NoError(t, store.Insert(ctx, doc))
	}

	docs, total, err := store.List(ctx, ListFilter{Search: "reg-tmf-00003"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, "d3", docs[0].ID)

	docs, total, err = store.List(ctx, ListFilter{Search: "proto"})
	require.NoError(t, err)
	assert.Equal(t, 5, total, "filename search matches every doc")

	docs, total, err = store.List(ctx, ListFilter{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, docs, 2)
}

func TestInProgressAmendmentQuery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pred := memDoc("d1", "lin1", "N", 1, 0, core.StatusApproved)
	require.NoError(t, store.Insert(ctx, pred))

	found, err := store.InProgressAmendment(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, found, "slot free before any amendment")

	amendment := memDoc("d2", "lin1", "N", 1, 1, core.StatusInReview)
	amendment.AmendedFrom = "d1"
	require.NoError(t, store.Insert(ctx, amendment))

	found, err = store.InProgressAmendment(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "d2", found.ID)

	// A terminal descendant frees the slot.
	found.Status = core.StatusWithdrawn
	require.NoError(t, store.Update(ctx, found))
	free, err := store.InProgressAmendment(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, free)
}

func TestInsertEnforcesAmendmentSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pred := memDoc("d1", "lin1", "N", 1, 0, core.StatusApproved)
	require.NoError(t, store.Insert(ctx, pred))

	first := memDoc("d2", "lin1", "N", 1, 1, core.StatusDraft)
	first.AmendedFrom = "d1"
	require.NoError(t, store.Insert(ctx, first))

	// A second in-progress descendant is refused at commit time even when
	// the caller never ran the advisory check.
	second := memDoc("d3", "lin1", "N", 1, 1, core.StatusDraft)
	second.AmendedFrom = "d1"
	err := store.Insert(ctx, second)
	assert.ErrorIs(t, err, lifecycle.ErrDuplicateAmendment)

	// A terminal descendant frees the slot.
	first.Status = core.StatusWithdrawn
	require.NoError(t, store.Update(ctx, first))
	require.NoError(t, store.Insert(ctx, second))
}

func TestPendingSupersessionScan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	doc := memDoc("d1", "lin1", "N", 1, 0, core.StatusApproved)
	doc.PendingSupersession = "d2"
	require.NoError(t, store.Insert(ctx, doc))
	require.NoError(t, store.Insert(ctx, memDoc("d3", "lin2", "M", 1, 0, core.StatusApproved)))

	pending, err := store.PendingSupersessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d1", pending[0].ID)
}

func TestMyTasksMembershipAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	soon := time.Now().UTC().Add(time.Hour)
	later := time.Now().UTC().Add(48 * time.Hour)

	inQC := memDoc("d1", "lin1", "N1", 0, 1, core.StatusInQC)
	inQC.QCBallots = []core.Ballot{{PrincipalID: "u2", Decision: core.DecisionPending}}
	inQC.DueDates.QC = &later
	require.NoError(t, store.Insert(ctx, inQC))

	inReview := memDoc("d2", "lin2", "N2", 0, 1, core.StatusInReview)
	inReview.ReviewBallots = []core.Ballot{{PrincipalID: "u2", Decision: core.DecisionPending}}
	inReview.DueDates.Review = &soon
	require.NoError(t, store.Insert(ctx, inReview))

	decided := memDoc("d3", "lin3", "N3", 0, 1, core.StatusInQC)
	decided.QCBallots = []core.Ballot{{PrincipalID: "u2", Decision: core.DecisionPass}}
	require.NoError(t, store.Insert(ctx, decided))

	draft := memDoc("d4", "lin4", "N4", 0, 1, core.StatusDraft)
	require.NoError(t, store.Insert(ctx, draft))

	qcDone := memDoc("d5", "lin5", "N5", 0, 1, core.StatusQCComplete)
	require.NoError(t, store.Insert(ctx, qcDone))

	tasks, err := store.MyTasks(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, tasks, 2, "decided ballots and others' drafts are not tasks")
	assert.Equal(t, "d2", tasks[0].Doc.ID, "earliest due date first")
	assert.Equal(t, "d1", tasks[1].Doc.ID)

	authorTasks, err := store.MyTasks(ctx, "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(authorTasks))
	for _, task := range authorTasks {
		ids = append(ids, task.Doc.ID)
	}
	assert.Contains(t, ids, "d4", "author owes action on their draft")
	assert.Contains(t, ids, "d5", "author owes the submit after QC completes")
}

func TestDeleteRemovesDocumentAndLineageEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, memDoc("d1", "lin1", "N", 0, 1, core.StatusDraft)))

	require.NoError(t, store.Delete(ctx, "d1"))

	_, err := store.Get(ctx, "d1")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	_, err = store.Lineage(ctx, "lin1")
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "d1"), lifecycle.ErrNotFound)
}

func TestSequenceAllocationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	number, err := AllocateDocNumber(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "REG-TMF-00001", number)

	number, err = AllocateDocNumber(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "REG-TMF-00002", number)

	other, err := store.NextSequence(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "sequences are independent")
}
