package engine

import (
	"testing"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

func TestSweepExpiresOverdueSessions(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	qID, _ := e.seedChoiceQuestion(t, "Q1", "basics")

	// Create a session whose deadline already passed.
	deadline := time.Now().Add(-time.Minute)
	sessionID, err := e.store.CreateSession(model.Session{
		AssignmentID:   1,
		UserID:         userID,
		Mode:           model.ModeInterview,
		Status:         model.StatusInProgress,
		AttemptOrdinal: 1,
		StartedAt:      time.Now().Add(-time.Hour),
		Deadline:       &deadline,
	}, []int64{qID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sweeper := NewSweeper(e.store, e.lifecycle, e.analytics, e.ledger, time.Minute)
	sweeper.Sweep()

	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.StatusExpired {
		t.Errorf("expected expired, got %q", sess.Status)
	}
	if sess.IncorrectCount != 1 {
		t.Errorf("expected unanswered item counted incorrect, got %d", sess.IncorrectCount)
	}
	if !sess.Settled {
		t.Error("expected expired session to be settled")
	}

	// The sweep's analytics pass must have ingested it.
	ingested, err := e.store.Ingested(sessionID)
	if err != nil {
		t.Fatalf("Ingested: %v", err)
	}
	if !ingested {
		t.Error("expected sweep to ingest the expired session")
	}

	// A second pass finds nothing to do.
	sweeper.Sweep()
	sess, err = e.store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession after second sweep: %v", err)
	}
	if sess.Status != model.StatusExpired {
		t.Errorf("expected status unchanged, got %q", sess.Status)
	}
}
