package lifecycle

import (
	"fmt"
	"time"

	"github.com/regdoc/backend/internal/core"
)

// ============================================================================
// STAGE TALLY
// ============================================================================
//
// QC and Technical Review are structurally identical stages; only the
// decision alphabets differ. The outcome is computed deterministically from
// the committed ballot set, never from response ordering.

// StageOutcome is the aggregate result of a review stage.
type StageOutcome int

const (
	// StageOpen means at least one ballot is still Pending and no ballot
	// has failed the stage.
	StageOpen StageOutcome = iota

	// StagePassed means every ballot carries the stage's pass decision.
	StagePassed

	// StageFailed means at least one ballot carries the stage's fail
	// decision. A single fail is decisive regardless of Pending ballots.
	StageFailed
)

func (o StageOutcome) String() string {
	switch o {
	case StageOpen:
		return "OPEN"
	case StagePassed:
		return "PASSED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// tally aggregates a stage's ballots under the any-fail / all-pass rule.
func tally(ballots []core.Ballot, pass, fail core.Decision) StageOutcome {
	if len(ballots) == 0 {
		return StageOpen
	}
	allPassed := true
	for i := range ballots {
		switch ballots[i].Decision {
		case fail:
			return StageFailed
		case pass:
			// counted toward all-pass
		default:
			allPassed = false
		}
	}
	if allPassed {
		return StagePassed
	}
	return StageOpen
}

// tallyQC aggregates the QC stage (Pass / Fail alphabet).
func tallyQC(ballots []core.Ballot) StageOutcome {
	return tally(ballots, core.DecisionPass, core.DecisionFail)
}

// tallyReview aggregates the technical-review stage
// (Approved / RequestChanges alphabet).
func tallyReview(ballots []core.Ballot) StageOutcome {
	return tally(ballots, core.DecisionApproved, core.DecisionRequestChanges)
}

// castBallot records decision for the actor in the ballot set. A principal
// occurs at most once per stage; re-casting updates the entry in place with
// an advancing timestamp. Admins not enumerated by the author are appended on
// the fly. Non-admin actors must appear in the set.
func castBallot(ballots []core.Ballot, actor Actor, decision core.Decision, comment string, now time.Time) ([]core.Ballot, error) {
	idx := core.FindBallot(ballots, actor.ID)
	if idx < 0 {
		if !actor.IsAdmin() {
			return nil, fmt.Errorf("%w: %s is not an assigned reviewer", ErrUnauthorized, actor.ID)
		}
		ballots = append(ballots, core.Ballot{PrincipalID: actor.ID})
		idx = len(ballots) - 1
	}
	decidedAt := now
	ballots[idx].Decision = decision
	ballots[idx].DecidedAt = &decidedAt
	ballots[idx].Comment = comment
	return ballots, nil
}

// newBallots builds a fresh Pending ballot per enumerated principal,
// dropping duplicates.
func newBallots(principals []string) []core.Ballot {
	out := make([]core.Ballot, 0, len(principals))
	for _, p := range principals {
		if core.FindBallot(out, p) >= 0 {
			continue
		}
		out = append(out, core.Ballot{PrincipalID: p, Decision: core.DecisionPending})
	}
	return out
}

// resetBallots returns every ballot to Pending for a new revision. A decided
// ballot's comment is moved to previous_comment so reviewer feedback stays
// traceable across revisions.
func resetBallots(ballots []core.Ballot) []core.Ballot {
	for i := range ballots {
		if ballots[i].Comment != "" {
			ballots[i].PreviousComment = ballots[i].Comment
		}
		ballots[i].Decision = core.DecisionPending
		ballots[i].DecidedAt = nil
		ballots[i].Comment = ""
	}
	return ballots
}
