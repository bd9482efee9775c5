package engine

import (
	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Retaker creates follow-up attempts linked to a prior session. All
// retakes of one assignment chain to the same lineage root, so listing a
// lineage never walks a parent chain.
type Retaker struct {
	store     *store.Store
	lifecycle *Lifecycle
}

// NewRetaker creates the retake coordinator.
func NewRetaker(st *store.Store, lifecycle *Lifecycle) *Retaker {
	return &Retaker{store: st, lifecycle: lifecycle}
}

// Retake starts a new attempt descending from prior. The prior session
// must be terminal and the assignment still available. Returns the new
// runner state and the attempt count for the lineage.
func (r *Retaker) Retake(priorSessionID int64) (*model.RunnerState, int, error) {
	prior, err := r.store.GetSession(priorSessionID)
	if err != nil {
		return nil, 0, err
	}
	if !prior.Status.Terminal() {
		return nil, 0, model.ErrSessionNotTerminal
	}

	assignment, err := r.store.GetAssignment(prior.AssignmentID)
	if err != nil {
		return nil, 0, err
	}
	if !assignment.Active {
		return nil, 0, model.ErrAssignmentUnavailable
	}

	root := prior.Lineage()
	maxOrdinal, err := r.store.MaxAttemptOrdinal(root)
	if err != nil {
		return nil, 0, err
	}
	ordinal := maxOrdinal + 1

	state, err := r.lifecycle.start(prior.UserID, prior.AssignmentID, &root, ordinal)
	if err != nil {
		return nil, 0, err
	}
	return state, ordinal, nil
}

// Lineage lists a user's sessions for an assignment ordered by attempt
// ordinal within each lineage.
func (r *Retaker) Lineage(userID, assignmentID int64) ([]model.Session, error) {
	return r.store.ListUserSessions(userID, assignmentID)
}
