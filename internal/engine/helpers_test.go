package engine

import (
	"testing"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

type testEngine struct {
	store     *store.Store
	ledger    *Ledger
	analytics *Aggregator
	lifecycle *Lifecycle
	monitor   *Monitor
	retaker   *Retaker
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestEngine: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ledger := NewLedger(s)
	analytics := NewAggregator(s)
	lifecycle := NewLifecycle(s, ledger, analytics)
	return &testEngine{
		store:     s,
		ledger:    ledger,
		analytics: analytics,
		lifecycle: lifecycle,
		monitor:   NewMonitor(s),
		retaker:   NewRetaker(s, lifecycle),
	}
}

func (e *testEngine) seedUser(t *testing.T, username string, credits int64) int64 {
	t.Helper()
	id, err := e.store.CreateUser(model.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		Role:         model.UserRoleMember,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("seedUser: %v", err)
	}
	if credits > 0 {
		if _, err := e.ledger.Grant(id, credits, model.LedgerPurchase, nil); err != nil {
			t.Fatalf("seedUser grant: %v", err)
		}
	}
	return id
}

// seedChoiceQuestion inserts a single-choice question whose second option
// is correct, returning the question id and the correct option id.
func (e *testEngine) seedChoiceQuestion(t *testing.T, text, topic string) (int64, int64) {
	t.Helper()
	id, err := e.store.InsertQuestion(model.Question{
		Type:       model.TypeSingleChoice,
		Topic:      topic,
		Difficulty: model.DifficultyEasy,
		Text:       text,
		Options: []model.Option{
			{Text: "wrong"},
			{Text: "right", Correct: true},
			{Text: "also wrong"},
		},
	})
	if err != nil {
		t.Fatalf("seedChoiceQuestion: %v", err)
	}
	q, err := e.store.GetQuestion(id)
	if err != nil {
		t.Fatalf("seedChoiceQuestion get: %v", err)
	}
	return id, q.CorrectOptionIDs()[0]
}

func (e *testEngine) seedWrittenQuestion(t *testing.T, text, reference string) int64 {
	t.Helper()
	id, err := e.store.InsertQuestion(model.Question{
		Type:          model.TypeWritten,
		Topic:         "writing",
		Difficulty:    model.DifficultyMedium,
		Text:          text,
		ReferenceText: reference,
	})
	if err != nil {
		t.Fatalf("seedWrittenQuestion: %v", err)
	}
	return id
}

func (e *testEngine) seedAssignment(t *testing.T, a model.Assignment) int64 {
	t.Helper()
	if a.Name == "" {
		a.Name = "test assignment"
	}
	if a.Mode == "" {
		a.Mode = model.ModeInterview
	}
	a.Active = true
	id, err := e.store.CreateAssignment(a)
	if err != nil {
		t.Fatalf("seedAssignment: %v", err)
	}
	return id
}

func mustStart(t *testing.T, e *testEngine, userID, assignmentID int64) *model.RunnerState {
	t.Helper()
	state, err := e.lifecycle.Start(userID, assignmentID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return state
}

func finishTime(t *testing.T, e *testEngine, sessionID int64) time.Time {
	t.Helper()
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.FinishedAt == nil {
		t.Fatal("expected finished_at to be set")
	}
	return *sess.FinishedAt
}
