package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertWrittenQuestion(t *testing.T, s *Store, text, topic string, difficulty model.Difficulty) int64 {
	t.Helper()
	id, err := s.InsertQuestion(model.Question{
		Type:          model.TypeWritten,
		Topic:         topic,
		Difficulty:    difficulty,
		Text:          text,
		ReferenceText: "reference for " + text,
		Explanation:   "explanation for " + text,
	})
	if err != nil {
		t.Fatalf("insertWrittenQuestion: %v", err)
	}
	return id
}

func insertChoiceQuestion(t *testing.T, s *Store, text string, correct int) int64 {
	t.Helper()
	q := model.Question{
		Type:       model.TypeSingleChoice,
		Topic:      "basics",
		Difficulty: model.DifficultyEasy,
		Text:       text,
	}
	for i, opt := range []string{"alpha", "beta", "gamma"} {
		q.Options = append(q.Options, model.Option{Text: opt, Correct: i == correct})
	}
	id, err := s.InsertQuestion(q)
	if err != nil {
		t.Fatalf("insertChoiceQuestion: %v", err)
	}
	return id
}

func createTestUser(t *testing.T, s *Store, username string) int64 {
	t.Helper()
	id, err := s.CreateUser(model.User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		Role:         model.UserRoleMember,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("createTestUser: %v", err)
	}
	return id
}

func createTestSession(t *testing.T, s *Store, userID, assignmentID int64, questionIDs []int64) int64 {
	t.Helper()
	id, err := s.CreateSession(model.Session{
		AssignmentID:   assignmentID,
		UserID:         userID,
		Mode:           model.ModeInterview,
		Status:         model.StatusInProgress,
		AttemptOrdinal: 1,
		StartedAt:      time.Now(),
	}, questionIDs)
	if err != nil {
		t.Fatalf("createTestSession: %v", err)
	}
	return id
}

func TestQuestionCRUD(t *testing.T) {
	s := newTestStore(t)

	count, err := s.QuestionCount()
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}

	id := insertChoiceQuestion(t, s, "Pick beta", 1)
	q, err := s.GetQuestion(id)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Text != "Pick beta" {
		t.Errorf("expected text 'Pick beta', got %q", q.Text)
	}
	if len(q.Options) != 3 {
		t.Fatalf("expected 3 options, got %d", len(q.Options))
	}
	correct := q.CorrectOptionIDs()
	if len(correct) != 1 || correct[0] != q.Options[1].ID {
		t.Errorf("expected correct option %d, got %v", q.Options[1].ID, correct)
	}

	_, err = s.GetQuestion(9999)
	if err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestListQuestionsFiltered(t *testing.T) {
	s := newTestStore(t)
	insertWrittenQuestion(t, s, "Q1", "algorithms", model.DifficultyEasy)
	insertWrittenQuestion(t, s, "Q2", "algorithms", model.DifficultyHard)
	insertWrittenQuestion(t, s, "Q3", "systems", model.DifficultyEasy)

	tests := []struct {
		name       string
		topic      string
		difficulty model.Difficulty
		wantCount  int
	}{
		{"no filter", "", "", 3},
		{"by topic", "algorithms", "", 2},
		{"by difficulty", "", model.DifficultyEasy, 2},
		{"by both", "algorithms", model.DifficultyEasy, 1},
		{"no match", "systems", model.DifficultyHard, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := s.ListQuestionsFiltered(tt.topic, tt.difficulty)
			if err != nil {
				t.Fatalf("ListQuestionsFiltered: %v", err)
			}
			if len(ids) != tt.wantCount {
				t.Errorf("expected %d questions, got %d", tt.wantCount, len(ids))
			}
		})
	}
}

func TestAssignmentCRUD(t *testing.T) {
	s := newTestStore(t)
	q1 := insertChoiceQuestion(t, s, "Q1", 0)
	q2 := insertChoiceQuestion(t, s, "Q2", 1)

	id, err := s.CreateAssignment(model.Assignment{
		Name:             "Backend screen",
		Mode:             model.ModeInterview,
		QuestionIDs:      []int64{q2, q1},
		TimeLimit:        45,
		Cost:             2,
		WrittenThreshold: 80,
		ViolationCeiling: 5,
		Active:           true,
	})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	a, err := s.GetAssignment(id)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if a.Name != "Backend screen" {
		t.Errorf("expected name 'Backend screen', got %q", a.Name)
	}
	// Item order must match insertion order.
	if len(a.QuestionIDs) != 2 || a.QuestionIDs[0] != q2 || a.QuestionIDs[1] != q1 {
		t.Errorf("expected items [%d %d], got %v", q2, q1, a.QuestionIDs)
	}

	if err := s.SetAssignmentActive(id, false); err != nil {
		t.Fatalf("SetAssignmentActive: %v", err)
	}
	a, err = s.GetAssignment(id)
	if err != nil {
		t.Fatalf("GetAssignment after deactivate: %v", err)
	}
	if a.Active {
		t.Error("expected assignment to be inactive")
	}
}

func TestCreateSessionRejectsDuplicateActive(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q := insertChoiceQuestion(t, s, "Q1", 0)
	assignmentID, err := s.CreateAssignment(model.Assignment{
		Name: "A", Mode: model.ModeInterview, QuestionIDs: []int64{q}, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	first := createTestSession(t, s, userID, assignmentID, []int64{q})

	_, err = s.CreateSession(model.Session{
		AssignmentID:   assignmentID,
		UserID:         userID,
		Mode:           model.ModeInterview,
		Status:         model.StatusInProgress,
		AttemptOrdinal: 1,
		StartedAt:      time.Now(),
	}, []int64{q})
	if !errors.Is(err, model.ErrDuplicateActiveSession) {
		t.Fatalf("expected ErrDuplicateActiveSession, got %v", err)
	}

	// Once the first session is terminal, a new one is allowed.
	ok, err := s.FinishSession(first, model.StatusCompleted, 100, time.Now())
	if err != nil || !ok {
		t.Fatalf("FinishSession: ok=%v err=%v", ok, err)
	}
	if _, err := s.CreateSession(model.Session{
		AssignmentID:   assignmentID,
		UserID:         userID,
		Mode:           model.ModeInterview,
		Status:         model.StatusInProgress,
		AttemptOrdinal: 1,
		StartedAt:      time.Now(),
	}, []int64{q}); err != nil {
		t.Fatalf("expected second session after finish, got %v", err)
	}
}

func TestFinishSessionIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q := insertChoiceQuestion(t, s, "Q1", 0)
	sessionID := createTestSession(t, s, userID, 1, []int64{q})

	ok, err := s.FinishSession(sessionID, model.StatusCompleted, 100, time.Now())
	if err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	if !ok {
		t.Fatal("expected first finish to apply")
	}

	// A racing expire must lose.
	ok, err = s.FinishSession(sessionID, model.StatusExpired, 0, time.Now())
	if err != nil {
		t.Fatalf("FinishSession second: %v", err)
	}
	if ok {
		t.Fatal("expected second finish to be rejected")
	}

	sess, err := s.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.StatusCompleted {
		t.Errorf("expected status completed, got %q", sess.Status)
	}
	if sess.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestSetSessionStatus(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q := insertChoiceQuestion(t, s, "Q1", 0)
	sessionID := createTestSession(t, s, userID, 1, []int64{q})

	ok, err := s.SetSessionStatus(sessionID, model.StatusPaused, model.StatusInProgress)
	if err != nil || !ok {
		t.Fatalf("pause: ok=%v err=%v", ok, err)
	}

	// Pausing a paused session matches nothing.
	ok, err = s.SetSessionStatus(sessionID, model.StatusPaused, model.StatusInProgress)
	if err != nil {
		t.Fatalf("second pause: %v", err)
	}
	if ok {
		t.Fatal("expected second pause to be rejected")
	}

	ok, err = s.SetSessionStatus(sessionID, model.StatusInProgress, model.StatusPaused)
	if err != nil || !ok {
		t.Fatalf("resume: ok=%v err=%v", ok, err)
	}
}

func TestUpsertAnswerRecomputesCounts(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q1 := insertChoiceQuestion(t, s, "Q1", 0)
	q2 := insertChoiceQuestion(t, s, "Q2", 1)
	sessionID := createTestSession(t, s, userID, 1, []int64{q1, q2})

	now := time.Now()
	if err := s.UpsertAnswer(model.Answer{
		SessionID: sessionID, QuestionID: q1, IsCorrect: true, TimeSpentMs: 1000, AnsweredAt: now,
	}); err != nil {
		t.Fatalf("UpsertAnswer q1: %v", err)
	}
	if err := s.UpsertAnswer(model.Answer{
		SessionID: sessionID, QuestionID: q2, IsCorrect: false, TimeSpentMs: 2000, AnsweredAt: now,
	}); err != nil {
		t.Fatalf("UpsertAnswer q2: %v", err)
	}

	sess, err := s.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.CorrectCount != 1 || sess.IncorrectCount != 1 {
		t.Errorf("expected counts 1/1, got %d/%d", sess.CorrectCount, sess.IncorrectCount)
	}
	if sess.TotalTimeMs != 3000 {
		t.Errorf("expected total time 3000, got %d", sess.TotalTimeMs)
	}

	// Overwriting q2 as correct must not inflate the counts.
	if err := s.UpsertAnswer(model.Answer{
		SessionID: sessionID, QuestionID: q2, IsCorrect: true, TimeSpentMs: 500, AnsweredAt: now,
	}); err != nil {
		t.Fatalf("UpsertAnswer overwrite: %v", err)
	}
	sess, err = s.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession after overwrite: %v", err)
	}
	if sess.CorrectCount != 2 || sess.IncorrectCount != 0 {
		t.Errorf("expected counts 2/0, got %d/%d", sess.CorrectCount, sess.IncorrectCount)
	}
	if sess.TotalTimeMs != 1500 {
		t.Errorf("expected total time 1500, got %d", sess.TotalTimeMs)
	}

	answer, err := s.GetAnswer(sessionID, q2)
	if err != nil {
		t.Fatalf("GetAnswer: %v", err)
	}
	if answer == nil || !answer.IsCorrect {
		t.Errorf("expected overwritten answer to be correct, got %+v", answer)
	}

	missing, err := s.GetAnswer(sessionID, 9999)
	if err != nil {
		t.Fatalf("GetAnswer missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unanswered question, got %+v", missing)
	}
}

func TestLedgerReserveAndRefund(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	now := time.Now()

	if _, err := s.Grant(userID, 5, model.LedgerPurchase, nil, now); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	balance, err := s.Balance(userID, now)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 5 {
		t.Fatalf("expected balance 5, got %d", balance)
	}

	if err := s.Reserve(userID, 2, 1, now); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// A repeat reservation for the same session is a no-op.
	if err := s.Reserve(userID, 2, 1, now); err != nil {
		t.Fatalf("repeat Reserve: %v", err)
	}
	balance, _ = s.Balance(userID, now)
	if balance != 3 {
		t.Fatalf("expected balance 3 after single consumption, got %d", balance)
	}

	if err := s.Reserve(userID, 10, 2, now); !errors.Is(err, model.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if err := s.Refund(1, now); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := s.Refund(1, now); !errors.Is(err, model.ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund on second refund, got %v", err)
	}
	if err := s.Refund(99, now); !errors.Is(err, model.ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund for unknown session, got %v", err)
	}

	net, err := s.SessionNet(1)
	if err != nil {
		t.Fatalf("SessionNet: %v", err)
	}
	if net != 0 {
		t.Errorf("expected net 0 after refund, got %d", net)
	}
	balance, _ = s.Balance(userID, now)
	if balance != 5 {
		t.Errorf("expected balance restored to 5, got %d", balance)
	}
}

func TestExpiredGrantsLeaveBalance(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	now := time.Now()

	past := now.Add(-time.Hour)
	if _, err := s.Grant(userID, 3, model.LedgerBonus, &past, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Grant expiring: %v", err)
	}
	if _, err := s.Grant(userID, 4, model.LedgerPurchase, nil, now); err != nil {
		t.Fatalf("Grant permanent: %v", err)
	}

	balance, err := s.Balance(userID, now)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 4 {
		t.Fatalf("expected expired grant excluded, balance 4, got %d", balance)
	}

	n, err := s.ExpireGrants(now)
	if err != nil {
		t.Fatalf("ExpireGrants: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 grant closed, got %d", n)
	}
	// The audit entry must not change the balance, and a repeat pass
	// closes nothing.
	balance, _ = s.Balance(userID, now)
	if balance != 4 {
		t.Errorf("expected balance 4 after expiration entry, got %d", balance)
	}
	n, err = s.ExpireGrants(now)
	if err != nil {
		t.Fatalf("second ExpireGrants: %v", err)
	}
	if n != 0 {
		t.Errorf("expected repeat pass to close 0 grants, got %d", n)
	}
}

func TestIntegrityEventCounts(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q := insertChoiceQuestion(t, s, "Q1", 0)
	sessionID := createTestSession(t, s, userID, 1, []int64{q})

	now := time.Now()
	for _, typ := range []model.IntegrityEventType{
		model.EventTabSwitch, model.EventTabSwitch, model.EventFocusGained,
	} {
		if _, err := s.AddIntegrityEvent(model.IntegrityEvent{
			SessionID: sessionID, Type: typ, CreatedAt: now,
		}); err != nil {
			t.Fatalf("AddIntegrityEvent: %v", err)
		}
	}

	count, err := s.CountViolations(sessionID, []model.IntegrityEventType{model.EventTabSwitch})
	if err != nil {
		t.Fatalf("CountViolations: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 tab switches, got %d", count)
	}

	events, err := s.ListIntegrityEvents(sessionID)
	if err != nil {
		t.Fatalf("ListIntegrityEvents: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestIngestSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	deltas := []SliceDelta{
		{Dimension: model.SliceByTopic, Key: "algorithms", Correct: 2, Total: 3},
	}

	applied, err := s.IngestSession(1, deltas, now)
	if err != nil {
		t.Fatalf("IngestSession: %v", err)
	}
	if !applied {
		t.Fatal("expected first ingest to apply")
	}

	applied, err = s.IngestSession(1, deltas, now)
	if err != nil {
		t.Fatalf("repeat IngestSession: %v", err)
	}
	if applied {
		t.Fatal("expected repeat ingest to be a no-op")
	}

	slices, err := s.Slices(model.SliceByTopic)
	if err != nil {
		t.Fatalf("Slices: %v", err)
	}
	if len(slices) != 1 || slices[0].Correct != 2 || slices[0].Total != 3 {
		t.Errorf("expected single slice 2/3, got %+v", slices)
	}

	// A second session accumulates into the same bucket.
	if _, err := s.IngestSession(2, deltas, now); err != nil {
		t.Fatalf("IngestSession second session: %v", err)
	}
	slices, _ = s.Slices(model.SliceByTopic)
	if slices[0].Correct != 4 || slices[0].Total != 6 {
		t.Errorf("expected accumulated slice 4/6, got %+v", slices[0])
	}
}

func TestMaxAttemptOrdinal(t *testing.T) {
	s := newTestStore(t)
	userID := createTestUser(t, s, "alice")
	q := insertChoiceQuestion(t, s, "Q1", 0)

	root := createTestSession(t, s, userID, 1, []int64{q})
	if ok, err := s.FinishSession(root, model.StatusCompleted, 50, time.Now()); err != nil || !ok {
		t.Fatalf("FinishSession: ok=%v err=%v", ok, err)
	}

	_, err := s.CreateSession(model.Session{
		AssignmentID:   1,
		UserID:         userID,
		Mode:           model.ModeInterview,
		Status:         model.StatusInProgress,
		RootID:         &root,
		AttemptOrdinal: 2,
		StartedAt:      time.Now(),
	}, []int64{q})
	if err != nil {
		t.Fatalf("CreateSession retake: %v", err)
	}

	n, err := s.MaxAttemptOrdinal(root)
	if err != nil {
		t.Fatalf("MaxAttemptOrdinal: %v", err)
	}
	if n != 2 {
		t.Errorf("expected max ordinal 2, got %d", n)
	}
}

func TestMetadataImportHash(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.GetImportedFileHash("catalog.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Fatalf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash("catalog.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, err = s.GetImportedFileHash("catalog.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash after set: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("expected hash 'abc123', got %q", hash)
	}
}
