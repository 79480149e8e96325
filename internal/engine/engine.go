// Package engine orchestrates the document lifecycle: it commits blobs
// before document records, drives the pure state machine with optimistic
// concurrency retries, issues signatures at final approval, finalizes
// supersessions, and fans events out to the audit trail, the event bus,
// webhooks and notifications.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/regdoc/backend/internal/audit"
	"github.com/regdoc/backend/internal/blobstore"
	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docstore"
	"github.com/regdoc/backend/internal/events"
	"github.com/regdoc/backend/internal/identity"
	"github.com/regdoc/backend/internal/lifecycle"
	"github.com/regdoc/backend/internal/metrics"
	"github.com/regdoc/backend/internal/notify"
	"github.com/regdoc/backend/internal/webhooks"
)

// ============================================================================
// ENGINE
// ============================================================================

// casRetries bounds the optimistic concurrency retry loop. Each retry
// re-reads the document, so a retried event is re-validated against the
// state that beat it.
const casRetries = 3

// Options carries the engine's collaborators. Docs, Blobs and Directory are
// required; the rest default to no-ops.
type Options struct {
	Docs      docstore.Store
	Blobs     blobstore.Store
	Directory identity.Directory
	Trail     *audit.Trail
	Events    events.Emitter
	Webhooks  webhooks.Emitter
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics

	// DefaultDueDays is applied when a stage assignment carries no due
	// date. Zero leaves the due date unset.
	DefaultDueDays int
}

// Engine is the single entry point for every lifecycle operation.
type Engine struct {
	docs      docstore.Store
	blobs     blobstore.Store
	directory identity.Directory
	trail     *audit.Trail
	events    events.Emitter
	webhooks  webhooks.Emitter
	notifier  notify.Notifier
	metrics   *metrics.Metrics

	defaultDueDays int
	logger         *log.Logger
}

// New creates an engine. Nil optional collaborators are replaced with
// no-op implementations.
func New(opts Options) *Engine {
	if opts.Trail == nil {
		opts.Trail = audit.NewTrail()
	}
	if opts.Events == nil {
		opts.Events = events.NopEmitter{}
	}
	if opts.Webhooks == nil {
		opts.Webhooks = webhooks.NopEmitter{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NopNotifier{}
	}
	return &Engine{
		docs:           opts.Docs,
		blobs:          opts.Blobs,
		directory:      opts.Directory,
		trail:          opts.Trail,
		events:         opts.Events,
		webhooks:       opts.Webhooks,
		notifier:       opts.Notifier,
		metrics:        opts.Metrics,
		defaultDueDays: opts.DefaultDueDays,
		logger:         log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// Trail exposes the audit trail for the request surface.
func (e *Engine) Trail() *audit.Trail { return e.trail }

// ============================================================================
// CREATION & AMENDMENT
// ============================================================================

// Upload is one file payload arriving with a create, amend or revision
// operation.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	Comment     string
}

func (u Upload) validate() error {
	if u.Filename == "" {
		return fmt.Errorf("%w: missing filename", lifecycle.ErrInvalidInput)
	}
	if len(u.Data) == 0 {
		return fmt.Errorf("%w: empty file payload", lifecycle.ErrInvalidInput)
	}
	return nil
}

// commitBlob writes the upload to the blob store and returns the revision
// record referencing it. The blob always lands before the document record
// that points at it.
func (e *Engine) commitBlob(ctx context.Context, up Upload, actor lifecycle.Actor, now time.Time) (core.Revision, error) {
	if err := up.validate(); err != nil {
		return core.Revision{}, err
	}
	blob, err := e.blobs.Put(ctx, uuid.NewString(), up.Data, up.ContentType)
	if err != nil {
		return core.Revision{}, fmt.Errorf("%w: %v", lifecycle.ErrStorageFailure, err)
	}
	if e.metrics != nil {
		e.metrics.RecordBlobStored(blob.Size)
	}
	return core.Revision{
		BlobID:        blob.ID,
		Filename:      up.Filename,
		ContentType:   up.ContentType,
		AuthorComment: up.Comment,
		UploadedAt:    now,
		Uploader:      actor.ID,
	}, nil
}

// Create registers a new document as a Draft at version 0.1 with a freshly
// allocated document number and lineage.
func (e *Engine) Create(ctx context.Context, actor lifecycle.Actor, meta core.TMFMetadata, up Upload) (*core.Document, error) {
	now := time.Now().UTC()
	rev, err := e.commitBlob(ctx, up, actor, now)
	if err != nil {
		return nil, err
	}
	docNumber, err := docstore.AllocateDocNumber(ctx, e.docs)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate doc number: %v", lifecycle.ErrStorageFailure, err)
	}
	doc, err := lifecycle.NewDocument(uuid.NewString(), docNumber, uuid.NewString(), actor, meta, rev, now)
	if err != nil {
		return nil, err
	}
	if err := e.docs.Insert(ctx, doc); err != nil {
		return nil, err
	}

	e.trail.AppendAll(doc.ID, doc.DocNumber, doc.History)
	e.announce(events.TypeDocumentCreated, doc, map[string]interface{}{
		"filename": rev.Filename,
	})
	e.logger.Printf("✅ Created %s (%s) by %s", doc.DocNumber, rev.Filename, actor.Name)
	return doc, nil
}

// CanAmend reports whether the amendment slot of an approved document is
// free, and returns the blocking descendant when it is not.
func (e *Engine) CanAmend(ctx context.Context, predecessorID string) (bool, *core.Document, error) {
	pred, err := e.docs.Get(ctx, predecessorID)
	if err != nil {
		return false, nil, err
	}
	if pred.Status != core.StatusApproved {
		return false, nil, nil
	}
	existing, err := e.docs.InProgressAmendment(ctx, predecessorID)
	if err != nil {
		return false, nil, err
	}
	return existing == nil, existing, nil
}

// Amend creates a Draft descendant of an Approved document. At most one
// in-progress descendant may exist per predecessor; a second attempt is
// refused and names the existing one.
func (e *Engine) Amend(ctx context.Context, actor lifecycle.Actor, predecessorID, reason string, up Upload) (*core.Document, error) {
	pred, err := e.docs.Get(ctx, predecessorID)
	if err != nil {
		return nil, err
	}
	existing, err := e.docs.InProgressAmendment(ctx, predecessorID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s is already being amended by version %s (%s)",
			lifecycle.ErrDuplicateAmendment, pred.DocNumber, existing.Version(), existing.ID)
	}

	now := time.Now().UTC()
	rev, err := e.commitBlob(ctx, up, actor, now)
	if err != nil {
		return nil, err
	}
	doc, err := lifecycle.NewAmendment(uuid.NewString(), pred, actor, rev, reason, now)
	if err != nil {
		return nil, err
	}
	// The store enforces the amendment slot at commit time; a concurrent
	// amendment that won the race surfaces here as ErrDuplicateAmendment.
	if err := e.docs.Insert(ctx, doc); err != nil {
		if derr := e.blobs.Delete(ctx, rev.BlobID); derr != nil {
			e.logger.Printf("⚠️ Orphaned blob %s after refused amendment: %v", rev.BlobID, derr)
		}
		return nil, err
	}

	e.trail.AppendAll(doc.ID, doc.DocNumber, doc.History)
	e.announce(events.TypeDocumentCreated, doc, map[string]interface{}{
		"amended_from": pred.ID,
		"reason":       reason,
	})
	e.logger.Printf("✅ Amendment %s v%s of %s by %s", doc.DocNumber, doc.Version(), pred.Version(), actor.Name)
	return doc, nil
}

// ============================================================================
// READS
// ============================================================================

// Get returns one document record.
func (e *Engine) Get(ctx context.Context, id string) (*core.Document, error) {
	return e.docs.Get(ctx, id)
}

// List returns the latest version per lineage matching the filter, plus the
// total match count.
func (e *Engine) List(ctx context.Context, filter docstore.ListFilter) ([]*core.Document, int, error) {
	return e.docs.List(ctx, filter)
}

// Lineage returns the full version history of a lineage, oldest first.
func (e *Engine) Lineage(ctx context.Context, lineageID string) ([]*core.Document, error) {
	return e.docs.Lineage(ctx, lineageID)
}

// MyTasks returns the documents awaiting action from a principal, most
// urgent first.
func (e *Engine) MyTasks(ctx context.Context, principalID string) ([]docstore.Task, error) {
	return e.docs.MyTasks(ctx, principalID)
}

// Preview returns a document's active revision payload for inline viewing.
func (e *Engine) Preview(ctx context.Context, id string) (*core.Document, *blobstore.Blob, error) {
	doc, err := e.docs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rev, err := doc.ActiveRev()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", lifecycle.ErrInvalidState, err)
	}
	blob, err := e.blobs.Get(ctx, rev.BlobID)
	if err != nil {
		return nil, nil, err
	}
	return doc, blob, nil
}

// ============================================================================
// DELETION
// ============================================================================

// Delete hard-removes a Draft or Withdrawn document. Blob cleanup is best
// effort: an orphaned blob is logged, never a failed delete.
func (e *Engine) Delete(ctx context.Context, id string, actor lifecycle.Actor) error {
	doc, err := e.docs.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.CanDelete(doc, actor); err != nil {
		return err
	}
	if err := e.docs.Delete(ctx, id); err != nil {
		return err
	}
	for _, rev := range doc.Revisions {
		if err := e.blobs.Delete(ctx, rev.BlobID); err != nil {
			e.logger.Printf("⚠️ Orphaned blob %s after deleting %s: %v", rev.BlobID, doc.DocNumber, err)
		}
	}

	e.trail.Append(doc.ID, doc.DocNumber, core.AuditEntry{
		Action:    lifecycle.ActionDeleted,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Timestamp: time.Now().UTC(),
		Details:   fmt.Sprintf("deleted from status %q", doc.Status),
	})
	e.announce(events.TypeDocumentDeleted, doc, nil)
	e.logger.Printf("🗑️ Deleted %s (%s)", doc.DocNumber, doc.Status)
	return nil
}

// ============================================================================
// FAN-OUT
// ============================================================================

// announce publishes one committed change to the event bus and webhooks.
func (e *Engine) announce(eventType string, doc *core.Document, extra map[string]interface{}) {
	data := map[string]interface{}{
		"document_id": doc.ID,
		"doc_number":  doc.DocNumber,
		"version":     doc.Version(),
		"status":      string(doc.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	e.events.Emit(eventType, doc.ID, data)
	e.webhooks.Emit(eventType, doc.ID, data)
}

// notifyAssignees sends assignment notifications in the background. Failures
// are the notifier's problem; the transition has already committed.
func (e *Engine) notifyAssignees(doc *core.Document, stage core.Stage, assignees []string, requestedBy lifecycle.Actor, due *time.Time) {
	rev, err := doc.ActiveRev()
	if err != nil {
		return
	}
	for _, id := range assignees {
		principal, err := e.directory.Lookup(context.Background(), id)
		if err != nil {
			continue
		}
		n := notify.Notification{
			RecipientEmail: principal.Email,
			RecipientName:  principal.FullName,
			DocNumber:      doc.DocNumber,
			Filename:       rev.Filename,
			Stage:          string(stage),
			RequestedBy:    requestedBy.Name,
			DueDate:        due,
		}
		go func() {
			if err := e.notifier.Notify(context.Background(), n); err != nil {
				e.logger.Printf("⚠️ Notification to %s failed: %v", n.RecipientEmail, err)
			}
		}()
	}
}

// stageDue defaults an absent due date when the engine is configured with a
// default assignment window.
func (e *Engine) stageDue(due *time.Time, now time.Time) *time.Time {
	if due != nil || e.defaultDueDays <= 0 {
		return due
	}
	d := now.AddDate(0, 0, e.defaultDueDays)
	return &d
}
