package model

import "errors"

// Error kinds surfaced by the session engine and ledger. Validation errors
// go straight back to the caller; ErrSessionAlreadyTerminal from a losing
// concurrent finalize/expire is benign and treated as a no-op by callers.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrDuplicateActiveSession = errors.New("an active session already exists for this assignment")
	ErrEmptyAssignment        = errors.New("assignment has no questions")
	ErrSessionNotActive       = errors.New("session is not active")
	ErrSessionAlreadyTerminal = errors.New("session already reached a terminal state")
	ErrUnknownQuestion        = errors.New("question is not part of this session")
	ErrDuplicateSubmission    = errors.New("question was already answered in this session")
	ErrSessionNotTerminal     = errors.New("session is not in a terminal state")
	ErrAssignmentUnavailable  = errors.New("assignment is no longer available")
	ErrNothingToRefund        = errors.New("no consumption to refund for this session")
)
