package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
	"github.com/regdoc/backend/internal/docsign"
	"github.com/regdoc/backend/internal/events"
	"github.com/regdoc/backend/internal/lifecycle"
)

// ============================================================================
// FINAL APPROVAL & SIGNING
// ============================================================================

// reconcilerActor finalizes supersessions left behind by a crash.
var reconcilerActor = lifecycle.Actor{ID: "system", Name: "Lifecycle Reconciler", Role: core.RoleAdmin}

// FinalApproval records the approver's decision. An Approved decision signs
// the active revision with the approver's own key before the status flips;
// the two commit atomically. When the approved document is an amendment, the
// predecessor is superseded under the two-phase marker protocol: the marker
// lands on the predecessor first, then the approval commits, then the flip
// finalizes. The reconciler finishes any protocol run cut short by a crash.
func (e *Engine) FinalApproval(ctx context.Context, docID string, actor lifecycle.Actor, decision core.Decision, comment string) (*core.Document, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		doc, err := e.docs.Get(ctx, docID)
		if err != nil {
			return nil, err
		}
		// Refusals are decided before the approver's key is touched, so
		// no signature is ever minted for an actor the machine rejects.
		if err := lifecycle.CanFinalApprove(doc, actor); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		ev := lifecycle.Event{
			Kind:     lifecycle.EventFinalApproval,
			Decision: decision,
			Comment:  comment,
			Now:      now,
		}
		if decision == core.DecisionApproved {
			sig, err := e.signActiveRevision(ctx, doc, actor, now)
			if err != nil {
				return nil, err
			}
			ev.Signature = sig
		}

		res, err := lifecycle.Apply(doc, ev, actor)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordTransition(string(ev.Kind), false, 0)
			}
			return nil, err
		}

		// Phase one: the predecessor carries the marker before the
		// approval is visible, so a crash between the two writes leaves
		// a trail the reconciler can finish from.
		if res.SupersedePredecessor {
			if err := e.markSupersession(ctx, res.Doc.AmendedFrom, res.Doc.ID); err != nil {
				return nil, err
			}
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

		if decision == core.DecisionApproved {
			e.announce(events.TypeDocumentApproved, res.Doc, map[string]interface{}{
				"signed_by": actor.Name,
			})
			if res.SupersedePredecessor {
				if err := e.finalizeSupersession(ctx, res.Doc.AmendedFrom, res.Doc.ID, actor, "inline"); err != nil {
					// The marker survives; the reconciler picks it up.
					e.logger.Printf("⚠️ Supersession of %s deferred to reconciler: %v", res.Doc.AmendedFrom, err)
				}
			}
		} else {
			e.announce(events.TypeDocumentRejected, res.Doc, map[string]interface{}{
				"comment": comment,
			})
		}
		return res.Doc, nil
	}
	return nil, fmt.Errorf("%w: document %s kept changing under the event", lastErr, docID)
}

// signActiveRevision produces the detached signature binding the approver's
// key to the active revision's bytes.
func (e *Engine) signActiveRevision(ctx context.Context, doc *core.Document, actor lifecycle.Actor, now time.Time) (*core.Signature, error) {
	rev, err := doc.ActiveRev()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrInvalidState, err)
	}
	blob, err := e.blobs.Get(ctx, rev.BlobID)
	if err != nil {
		return nil, err
	}
	principal, err := e.directory.Lookup(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	signer, err := e.directory.SignerFor(ctx, principal.KeyHandle)
	if err != nil {
		e.recordSignature("sign", false)
		return nil, err
	}
	sigB64, err := signer.Sign(blob.Data)
	if err != nil {
		e.recordSignature("sign", false)
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrSignatureFailed, err)
	}
	e.recordSignature("sign", true)
	return &core.Signature{
		SignatureB64:      sigB64,
		SignerPrincipal:   principal.ID,
		SignerName:        principal.FullName,
		PublicKeySnapshot: principal.PublicKeyPEM,
		SignedAt:          now,
		SignedBlobID:      blob.ID,
	}, nil
}

func (e *Engine) recordSignature(operation string, ok bool) {
	if e.metrics != nil {
		e.metrics.RecordSignature(operation, ok)
	}
}

// ============================================================================
// SIGNATURE VERIFICATION
// ============================================================================

// VerificationReport is the outcome of re-checking a stored signature
// against the stored payload bytes.
type VerificationReport struct {
	Valid           bool      `json:"valid"`
	Reason          string    `json:"reason,omitempty"`
	SignerPrincipal string    `json:"signer_principal"`
	SignerName      string    `json:"signer_name"`
	SignedAt        time.Time `json:"signed_at"`
	SignedBlobID    string    `json:"signed_blob_id"`
}

// VerifySignature re-verifies a document's approval signature using the
// snapshotted public key, so the check survives later key rotation.
func (e *Engine) VerifySignature(ctx context.Context, docID string) (*VerificationReport, error) {
	doc, err := e.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Signature == nil {
		return nil, fmt.Errorf("%w: document %s carries no signature", lifecycle.ErrInvalidState, doc.DocNumber)
	}
	sig := doc.Signature
	report := &VerificationReport{
		SignerPrincipal: sig.SignerPrincipal,
		SignerName:      sig.SignerName,
		SignedAt:        sig.SignedAt,
		SignedBlobID:    sig.SignedBlobID,
	}

	blob, err := e.blobs.Get(ctx, sig.SignedBlobID)
	if err != nil {
		return nil, err
	}
	valid, err := docsign.Verify(sig.PublicKeySnapshot, blob.Data, sig.SignatureB64)
	if err != nil {
		e.recordSignature("verify", false)
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrSignatureFailed, err)
	}
	e.recordSignature("verify", valid)
	report.Valid = valid
	if !valid {
		report.Reason = "signature does not match stored payload"
	}
	return report, nil
}

// ============================================================================
// TWO-PHASE SUPERSESSION
// ============================================================================

// markSupersession writes the pending marker onto the predecessor.
func (e *Engine) markSupersession(ctx context.Context, predID, successorID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		pred, err := e.docs.Get(ctx, predID)
		if err != nil {
			return err
		}
		if pred.PendingSupersession == successorID || pred.Status == core.StatusSuperseded {
			return nil
		}
		pred.PendingSupersession = successorID
		if err := e.docs.Update(ctx, pred); err != nil {
			if errors.Is(err, lifecycle.ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: could not mark predecessor %s", lifecycle.ErrConflict, predID)
}

// finalizeSupersession flips the predecessor to Superseded and clears the
// marker. Idempotent: an already-superseded predecessor is left alone.
func (e *Engine) finalizeSupersession(ctx context.Context, predID, successorID string, actor lifecycle.Actor, path string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		pred, err := e.docs.Get(ctx, predID)
		if err != nil {
			return err
		}
		if pred.Status == core.StatusSuperseded {
			return nil
		}
		next, err := lifecycle.Supersede(pred, successorID, actor, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := e.docs.Update(ctx, next); err != nil {
			if errors.Is(err, lifecycle.ErrConflict) {
				continue
			}
			return err
		}
		e.trail.AppendAll(next.ID, next.DocNumber, next.History[len(pred.History):])
		e.announce(events.TypeDocumentSuperseded, next, map[string]interface{}{
			"superseded_by": successorID,
		})
		if e.metrics != nil {
			e.metrics.RecordSupersession(path)
		}
		e.logger.Printf("✅ %s v%s superseded by %s", next.DocNumber, next.Version(), successorID)
		return nil
	}
	return fmt.Errorf("%w: could not supersede predecessor %s", lifecycle.ErrConflict, predID)
}

// ============================================================================
// RECONCILER
// ============================================================================

// ReconcileOnce scans for pending supersession markers and finishes or
// clears each one. A marker whose successor was approved is finalized; a
// marker whose successor never made it (or was deleted) is cleared.
func (e *Engine) ReconcileOnce(ctx context.Context) error {
	pending, err := e.docs.PendingSupersessions(ctx)
	if err != nil {
		return err
	}
	for _, pred := range pending {
		successorID := pred.PendingSupersession
		successor, err := e.docs.Get(ctx, successorID)
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			e.clearMarker(ctx, pred.ID)
			continue
		case err != nil:
			return err
		}
		if successor.EverApproved() {
			if err := e.finalizeSupersession(ctx, pred.ID, successorID, reconcilerActor, "reconciler"); err != nil {
				e.logger.Printf("⚠️ Reconcile of %s failed: %v", pred.DocNumber, err)
			}
		} else if !successor.Status.InProgress() {
			// The amendment died without approval; the marker is stale.
			e.clearMarker(ctx, pred.ID)
		}
	}
	return nil
}

func (e *Engine) clearMarker(ctx context.Context, predID string) {
	for attempt := 0; attempt < casRetries; attempt++ {
		pred, err := e.docs.Get(ctx, predID)
		if err != nil {
			return
		}
		pred.PendingSupersession = ""
		if err := e.docs.Update(ctx, pred); err != nil {
			if errors.Is(err, lifecycle.ErrConflict) {
				continue
			}
			e.logger.Printf("⚠️ Could not clear stale marker on %s: %v", predID, err)
		}
		return
	}
}

// RunReconciler loops ReconcileOnce until the context is cancelled.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ReconcileOnce(ctx); err != nil {
				e.logger.Printf("⚠️ Reconciler pass failed: %v", err)
			}
		}
	}
}
