package engine

import (
	"errors"
	"fmt"
)

// ErrDraftNotFound reports an edit against a draft id that does not exist.
var ErrDraftNotFound = errors.New("draft not found")

// RevisionConflictError rejects an edit whose base revision is stale. The
// caller must re-read the draft and resubmit against the current revision.
type RevisionConflictError struct {
	DraftID  string
	Expected int64
	Actual   int64
}

func (e *RevisionConflictError) Error() string {
	return fmt.Sprintf("draft %s is at revision %d, edit was based on %d", e.DraftID, e.Actual, e.Expected)
}

// AlreadyResolvedError rejects resolution of a decision that is no longer
// pending.
type AlreadyResolvedError struct {
	DecisionID string
	Status     string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("decision %s is already %s", e.DecisionID, e.Status)
}

// InvalidOptionError rejects an option id that is not one of the decision's
// offered options.
type InvalidOptionError struct {
	DecisionID string
	OptionID   string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("decision %s has no option %q", e.DecisionID, e.OptionID)
}

// ApprovalBlockedError rejects approving a draft that still has pending
// blocking decisions.
type ApprovalBlockedError struct {
	DraftID string
	Pending int
}

func (e *ApprovalBlockedError) Error() string {
	return fmt.Sprintf("draft %s has %d pending decision(s) blocking approval", e.DraftID, e.Pending)
}

// InvalidTransitionError rejects a draft status change outside the allowed
// transition table.
type InvalidTransitionError struct {
	DraftID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("draft %s cannot move from %s to %s", e.DraftID, e.From, e.To)
}
