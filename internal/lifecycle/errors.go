package lifecycle

import "errors"

// ============================================================================
// ERROR TAXONOMY
// ============================================================================
//
// The state machine returns typed errors; the request surface maps them to
// user-visible codes. Nothing is silently swallowed.

var (
	// ErrNotFound: unknown document, lineage, principal or blob.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized: actor lacks the role or ownership for the event.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState: status precondition not satisfied.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidInput: missing required field, empty reviewer list,
	// unknown decision.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateAmendment: an in-progress amendment already exists for
	// the predecessor.
	ErrDuplicateAmendment = errors.New("duplicate amendment")

	// ErrConflict: the transition was computed from a stale snapshot and
	// the caller should retry.
	ErrConflict = errors.New("conflict")

	// ErrSignatureFailed: the crypto primitive refused or the signer's
	// key was unavailable.
	ErrSignatureFailed = errors.New("signature failed")

	// ErrStorageFailure: the blob or document store is unavailable.
	ErrStorageFailure = errors.New("storage failure")
)
