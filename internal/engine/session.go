package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Lifecycle owns a session's progression from creation to a terminal,
// settled state. All mutating operations on one session id are serialized
// through a per-session mutex; answers, counters, and ledger settlement
// only ever change under that lock.
type Lifecycle struct {
	store     *store.Store
	ledger    *Ledger
	analytics *Aggregator
	now       func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewLifecycle creates the session state machine.
func NewLifecycle(st *store.Store, ledger *Ledger, analytics *Aggregator) *Lifecycle {
	return &Lifecycle{
		store:     st,
		ledger:    ledger,
		analytics: analytics,
		now:       time.Now,
		locks:     make(map[int64]*sync.Mutex),
	}
}

func (l *Lifecycle) lockFor(sessionID int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Start begins a new first-attempt session for the user on an assignment.
func (l *Lifecycle) Start(userID, assignmentID int64) (*model.RunnerState, error) {
	return l.start(userID, assignmentID, nil, 1)
}

// start materializes the item sequence, reserves credits, and creates the
// session in in_progress. Retakes pass their lineage root and ordinal.
func (l *Lifecycle) start(userID, assignmentID int64, rootID *int64, ordinal int) (*model.RunnerState, error) {
	assignment, err := l.store.GetAssignment(assignmentID)
	if err == sql.ErrNoRows {
		return nil, model.ErrAssignmentUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if !assignment.Active {
		return nil, model.ErrAssignmentUnavailable
	}

	questionIDs := assignment.QuestionIDs
	if len(questionIDs) == 0 {
		questionIDs, err = l.store.ListQuestionsFiltered(assignment.Topic, assignment.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
	}
	if len(questionIDs) == 0 {
		return nil, model.ErrEmptyAssignment
	}

	now := l.now()

	// Fast-fail before creating anything; Reserve re-checks inside its
	// transaction, so this is not the authoritative check.
	if assignment.Cost > 0 {
		balance, err := l.store.Balance(userID, now)
		if err != nil {
			return nil, fmt.Errorf("check balance: %w", err)
		}
		if balance < assignment.Cost {
			return nil, model.ErrInsufficientCredits
		}
	}

	if assignment.RandomOrder {
		shuffled := make([]int64, len(questionIDs))
		copy(shuffled, questionIDs)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		questionIDs = shuffled
	}

	sess := model.Session{
		AssignmentID:   assignmentID,
		UserID:         userID,
		Mode:           assignment.Mode,
		Status:         model.StatusInProgress,
		RootID:         rootID,
		AttemptOrdinal: ordinal,
		StartedAt:      now,
	}
	if assignment.TimeLimit > 0 {
		deadline := now.Add(time.Duration(assignment.TimeLimit) * time.Minute)
		sess.Deadline = &deadline
	}

	sessionID, err := l.store.CreateSession(sess, questionIDs)
	if err != nil {
		return nil, err
	}

	if assignment.Cost > 0 {
		if err := l.store.Reserve(userID, assignment.Cost, sessionID, now); err != nil {
			// Lost a concurrent race past the balance; the session never ran.
			if _, ferr := l.store.FinishSession(sessionID, model.StatusAbandoned, 0, now); ferr != nil {
				slog.Error("failed to abandon unreserved session", "session_id", sessionID, "error", ferr)
			} else {
				_ = l.store.MarkSessionSettled(sessionID)
			}
			return nil, err
		}
	}

	return l.RunnerState(sessionID)
}

// RunnerState loads the session and its item sequence with answer keys
// redacted, for the client to drive navigation.
func (l *Lifecycle) RunnerState(sessionID int64) (*model.RunnerState, error) {
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	itemIDs, err := l.store.SessionItems(sessionID)
	if err != nil {
		return nil, err
	}
	questions, err := l.store.GetQuestions(itemIDs)
	if err != nil {
		return nil, err
	}
	answers, err := l.store.ListAnswers(sessionID)
	if err != nil {
		return nil, err
	}
	answered := make(map[int64]bool, len(answers))
	for _, a := range answers {
		answered[a.QuestionID] = true
	}

	items := make([]model.RunnerItem, 0, len(questions))
	for i, q := range questions {
		items = append(items, model.RunnerItem{
			Position: i,
			Question: redact(q),
			Answered: answered[q.ID],
		})
	}
	return &model.RunnerState{Session: sess, Items: items}, nil
}

// redact strips the answer key from a question before it leaves the engine.
func redact(q model.Question) model.Question {
	q.ReferenceText = ""
	q.Explanation = ""
	opts := make([]model.Option, len(q.Options))
	for i, o := range q.Options {
		o.Correct = false
		opts[i] = o
	}
	q.Options = opts
	return q
}

// SubmitAnswer grades and stores one answer. The session pointer is not
// advanced; navigation belongs to the client. Interview sessions reject
// resubmission, practice sessions overwrite.
func (l *Lifecycle) SubmitAnswer(sessionID, questionID int64, sub Submission, elapsedMs int64) (Outcome, error) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return l.submitLocked(sessionID, questionID, sub, elapsedMs)
}

func (l *Lifecycle) submitLocked(sessionID, questionID int64, sub Submission, elapsedMs int64) (Outcome, error) {
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	if sess.Status != model.StatusInProgress {
		return Outcome{}, model.ErrSessionNotActive
	}

	itemIDs, err := l.store.SessionItems(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	member := false
	for _, id := range itemIDs {
		if id == questionID {
			member = true
			break
		}
	}
	if !member {
		return Outcome{}, model.ErrUnknownQuestion
	}

	if sess.Mode == model.ModeInterview {
		prev, err := l.store.GetAnswer(sessionID, questionID)
		if err != nil {
			return Outcome{}, err
		}
		if prev != nil {
			return Outcome{}, model.ErrDuplicateSubmission
		}
	}

	question, err := l.store.GetQuestion(questionID)
	if err != nil {
		return Outcome{}, err
	}
	assignment, err := l.store.GetAssignment(sess.AssignmentID)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Evaluate(question, sub, assignment.WrittenThreshold)
	err = l.store.UpsertAnswer(model.Answer{
		SessionID:    sessionID,
		QuestionID:   questionID,
		SelectedIDs:  sub.SelectedIDs,
		WrittenText:  sub.WrittenText,
		IsCorrect:    outcome.IsCorrect,
		MatchPercent: outcome.MatchPercent,
		TimeSpentMs:  elapsedMs,
		AnsweredAt:   l.now(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("store answer: %w", err)
	}
	return outcome, nil
}

// ItemSubmission pairs a question with its payload for bulk submission.
type ItemSubmission struct {
	QuestionID int64      `json:"question_id"`
	Submission Submission `json:"submission"`
	ElapsedMs  int64      `json:"elapsed_ms"`
}

// SubmitAll grades every item in one round trip and finalizes the session;
// used to close an interview without per-answer calls.
func (l *Lifecycle) SubmitAll(sessionID int64, items []ItemSubmission) (*model.Summary, error) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for _, item := range items {
		if _, err := l.submitLocked(sessionID, item.QuestionID, item.Submission, item.ElapsedMs); err != nil {
			// Bulk interview submission writes each answer once; a duplicate
			// here means the client already submitted it individually.
			if errors.Is(err, model.ErrDuplicateSubmission) {
				continue
			}
			return nil, err
		}
	}
	return l.finalizeLocked(sessionID)
}

// Finalize completes an active session: computes the score, settles the
// ledger, and hands the session to analytics.
func (l *Lifecycle) Finalize(sessionID int64) (*model.Summary, error) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return l.finalizeLocked(sessionID)
}

func (l *Lifecycle) finalizeLocked(sessionID int64) (*model.Summary, error) {
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, model.ErrSessionAlreadyTerminal
	}

	score := 0.0
	if sess.TotalItems > 0 {
		score = float64(sess.CorrectCount) / float64(sess.TotalItems) * 100
	}

	now := l.now()
	ok, err := l.store.FinishSession(sessionID, model.StatusCompleted, score, now)
	if err != nil {
		return nil, fmt.Errorf("finish session: %w", err)
	}
	if !ok {
		return nil, model.ErrSessionAlreadyTerminal
	}

	l.settle(sessionID, model.StatusCompleted)
	l.analytics.Enqueue(sessionID)

	return l.summary(sessionID, sess.StartedAt, now)
}

// Expire moves an overdue session to expired, counting unanswered items as
// incorrect. Safe to race with a client's own finalize: the loser gets
// ErrSessionAlreadyTerminal and the ledger settles exactly once.
func (l *Lifecycle) Expire(sessionID int64) error {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return model.ErrSessionAlreadyTerminal
	}

	score := 0.0
	if sess.TotalItems > 0 {
		score = float64(sess.CorrectCount) / float64(sess.TotalItems) * 100
	}

	ok, err := l.store.FinishSession(sessionID, model.StatusExpired, score, l.now())
	if err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	if !ok {
		return model.ErrSessionAlreadyTerminal
	}
	if err := l.store.MarkRemainingIncorrect(sessionID); err != nil {
		slog.Error("failed to mark remaining items incorrect", "session_id", sessionID, "error", err)
	}

	l.settle(sessionID, model.StatusExpired)
	l.analytics.Enqueue(sessionID)
	return nil
}

// Abandon terminates a session without billing it: the user bailed out, or
// the integrity monitor forced termination. Credits are refunded in full.
func (l *Lifecycle) Abandon(sessionID int64) error {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return model.ErrSessionAlreadyTerminal
	}

	ok, err := l.store.FinishSession(sessionID, model.StatusAbandoned, 0, l.now())
	if err != nil {
		return fmt.Errorf("abandon session: %w", err)
	}
	if !ok {
		return model.ErrSessionAlreadyTerminal
	}

	l.settle(sessionID, model.StatusAbandoned)
	return nil
}

// Pause suspends an in-progress session.
func (l *Lifecycle) Pause(sessionID int64) error {
	return l.transition(sessionID, model.StatusPaused, model.StatusInProgress)
}

// Resume reactivates a paused session.
func (l *Lifecycle) Resume(sessionID int64) error {
	return l.transition(sessionID, model.StatusInProgress, model.StatusPaused)
}

func (l *Lifecycle) transition(sessionID int64, to model.SessionStatus, from model.SessionStatus) error {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	ok, err := l.store.SetSessionStatus(sessionID, to, from)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return model.ErrSessionAlreadyTerminal
	}
	return model.ErrSessionNotActive
}

// settle closes the session's ledger position. Completed and expired
// sessions keep the consumption written at start; abandoned sessions get a
// full refund. A storage failure leaves the session unsettled and the
// sweeper retries until the ledger invariant holds.
func (l *Lifecycle) settle(sessionID int64, status model.SessionStatus) {
	if err := l.settleOnce(sessionID, status); err != nil {
		slog.Error("ledger settlement failed, leaving session pending",
			"session_id", sessionID, "status", status, "error", err)
		return
	}
	if err := l.store.MarkSessionSettled(sessionID); err != nil {
		slog.Error("failed to mark session settled", "session_id", sessionID, "error", err)
	}
}

func (l *Lifecycle) settleOnce(sessionID int64, status model.SessionStatus) error {
	if status != model.StatusAbandoned {
		return nil
	}
	err := l.ledger.Refund(sessionID)
	if errors.Is(err, model.ErrNothingToRefund) {
		// Free assignment or already refunded; nothing owed.
		return nil
	}
	return err
}

// SettlePending retries ledger settlement for terminal sessions that
// failed to settle; invoked by the sweeper.
func (l *Lifecycle) SettlePending() error {
	pending, err := l.store.ListPendingSettlement()
	if err != nil {
		return err
	}
	for _, sess := range pending {
		l.settle(sess.ID, sess.Status)
	}
	return nil
}

func (l *Lifecycle) summary(sessionID int64, startedAt, finishedAt time.Time) (*model.Summary, error) {
	sess, err := l.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	slices, err := l.analytics.SessionSlices(sessionID)
	if err != nil {
		return nil, err
	}
	return &model.Summary{
		Session:    sess,
		Slices:     slices,
		DurationMs: finishedAt.Sub(startedAt).Milliseconds(),
	}, nil
}
