package store

import (
	"database/sql"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

const sessionColumns = `id, assignment_id, user_id, mode, status, root_id, attempt_ordinal,
	total_items, correct_count, incorrect_count, total_time_ms, score, settled,
	started_at, deadline, finished_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var sess model.Session
	err := row.Scan(
		&sess.ID, &sess.AssignmentID, &sess.UserID, &sess.Mode, &sess.Status,
		&sess.RootID, &sess.AttemptOrdinal, &sess.TotalItems, &sess.CorrectCount,
		&sess.IncorrectCount, &sess.TotalTimeMs, &sess.Score, &sess.Settled,
		&sess.StartedAt, &sess.Deadline, &sess.FinishedAt,
	)
	return sess, err
}

// CreateSession creates a session with its materialized item sequence.
// It fails with ErrDuplicateActiveSession when the user already has an
// active session for the same assignment; the check runs in the same
// transaction as the insert.
func (s *Store) CreateSession(sess model.Session, questionIDs []int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM sessions
		 WHERE user_id = ? AND assignment_id = ? AND status IN ('in_progress', 'paused')`,
		sess.UserID, sess.AssignmentID,
	).Scan(&active)
	if err != nil {
		return 0, err
	}
	if active > 0 {
		return 0, model.ErrDuplicateActiveSession
	}

	res, err := tx.Exec(
		`INSERT INTO sessions (assignment_id, user_id, mode, status, root_id, attempt_ordinal,
		                       total_items, started_at, deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.AssignmentID, sess.UserID, sess.Mode, sess.Status, sess.RootID,
		sess.AttemptOrdinal, len(questionIDs), sess.StartedAt, sess.Deadline,
	)
	if err != nil {
		return 0, err
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, qID := range questionIDs {
		if _, err := tx.Exec(
			`INSERT INTO session_items (session_id, position, question_id) VALUES (?, ?, ?)`,
			sessionID, i, qID,
		); err != nil {
			return 0, err
		}
	}

	return sessionID, tx.Commit()
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id int64) (model.Session, error) {
	return scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// SessionItems returns the session's ordered question ids.
func (s *Store) SessionItems(sessionID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT question_id FROM session_items WHERE session_id = ? ORDER BY position`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSessionStatus moves a session between non-terminal states. The
// transition only applies when the current status is one of from;
// it returns false when no row matched.
func (s *Store) SetSessionStatus(id int64, to model.SessionStatus, from ...model.SessionStatus) (bool, error) {
	query := `UPDATE sessions SET status = ? WHERE id = ? AND status IN (`
	args := []any{to, id}
	for i, f := range from {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, f)
	}
	query += `)`
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishSession atomically moves an active session to a terminal status,
// recording score and finish time. Returns false when the session was
// already terminal, so concurrent finalize/expire callers race safely.
func (s *Store) FinishSession(id int64, status model.SessionStatus, score float64, finishedAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, score = ?, finished_at = ?
		 WHERE id = ? AND status IN ('in_progress', 'paused')`,
		status, score, finishedAt, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRemainingIncorrect counts every unanswered item as incorrect; used
// when a session expires with ungraded items left.
func (s *Store) MarkRemainingIncorrect(id int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET incorrect_count = total_items - correct_count WHERE id = ?`, id,
	)
	return err
}

// MarkSessionSettled records that the session's ledger settlement is done.
func (s *Store) MarkSessionSettled(id int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET settled = 1 WHERE id = ?`, id)
	return err
}

// ListPendingSettlement returns terminal sessions whose ledger settlement
// has not completed yet.
func (s *Store) ListPendingSettlement() ([]model.Session, error) {
	return s.querySessions(
		`SELECT ` + sessionColumns + ` FROM sessions
		 WHERE settled = 0 AND status IN ('completed', 'expired', 'abandoned') ORDER BY id`,
	)
}

// ListOverdueSessions returns active sessions whose deadline has passed.
func (s *Store) ListOverdueSessions(now time.Time) ([]model.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('in_progress', 'paused') AND deadline IS NOT NULL AND deadline < ? ORDER BY id`,
		now,
	)
}

// ListUserSessions returns a user's sessions for an assignment (all
// assignments when assignmentID is 0), ordered by lineage root and
// attempt ordinal.
func (s *Store) ListUserSessions(userID, assignmentID int64) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ?`
	args := []any{userID}
	if assignmentID != 0 {
		query += ` AND assignment_id = ?`
		args = append(args, assignmentID)
	}
	query += ` ORDER BY COALESCE(root_id, id), attempt_ordinal`
	return s.querySessions(query, args...)
}

// ListFinishedSessions returns completed or expired sessions finished
// within [from, to), for analytics backfill and export.
func (s *Store) ListFinishedSessions(from, to time.Time) ([]model.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status IN ('completed', 'expired') AND finished_at >= ? AND finished_at < ?
		 ORDER BY finished_at`,
		from, to,
	)
}

func (s *Store) querySessions(query string, args ...any) ([]model.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpsertAnswer writes or overwrites the answer for a (session, question)
// pair, then recomputes the session's running counts from the stored
// answer set so retries never drift the counters.
func (s *Store) UpsertAnswer(a model.Answer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO answers (session_id, question_id, selected_ids, written_text, is_correct, match_percent, time_spent_ms, answered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, question_id) DO UPDATE SET
		   selected_ids = excluded.selected_ids,
		   written_text = excluded.written_text,
		   is_correct = excluded.is_correct,
		   match_percent = excluded.match_percent,
		   time_spent_ms = excluded.time_spent_ms,
		   answered_at = excluded.answered_at`,
		a.SessionID, a.QuestionID, marshalIDs(a.SelectedIDs), a.WrittenText,
		a.IsCorrect, a.MatchPercent, a.TimeSpentMs, a.AnsweredAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE sessions SET
		   correct_count = (SELECT COUNT(*) FROM answers WHERE session_id = ? AND is_correct = 1),
		   incorrect_count = (SELECT COUNT(*) FROM answers WHERE session_id = ? AND is_correct = 0),
		   total_time_ms = (SELECT COALESCE(SUM(time_spent_ms), 0) FROM answers WHERE session_id = ?)
		 WHERE id = ?`,
		a.SessionID, a.SessionID, a.SessionID, a.SessionID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetAnswer returns the stored answer for a (session, question) pair,
// or nil when the question has not been answered.
func (s *Store) GetAnswer(sessionID, questionID int64) (*model.Answer, error) {
	var a model.Answer
	var selected string
	err := s.db.QueryRow(
		`SELECT session_id, question_id, selected_ids, written_text, is_correct, match_percent, time_spent_ms, answered_at
		 FROM answers WHERE session_id = ? AND question_id = ?`,
		sessionID, questionID,
	).Scan(&a.SessionID, &a.QuestionID, &selected, &a.WrittenText, &a.IsCorrect, &a.MatchPercent, &a.TimeSpentMs, &a.AnsweredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.SelectedIDs = unmarshalIDs(selected)
	return &a, nil
}

// ListAnswers returns all answers for a session ordered by question id.
func (s *Store) ListAnswers(sessionID int64) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT session_id, question_id, selected_ids, written_text, is_correct, match_percent, time_spent_ms, answered_at
		 FROM answers WHERE session_id = ? ORDER BY question_id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		var selected string
		if err := rows.Scan(&a.SessionID, &a.QuestionID, &selected, &a.WrittenText, &a.IsCorrect, &a.MatchPercent, &a.TimeSpentMs, &a.AnsweredAt); err != nil {
			return nil, err
		}
		a.SelectedIDs = unmarshalIDs(selected)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// MaxAttemptOrdinal returns the highest attempt ordinal in a lineage.
func (s *Store) MaxAttemptOrdinal(rootID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(attempt_ordinal), 0) FROM sessions WHERE id = ? OR root_id = ?`,
		rootID, rootID,
	).Scan(&n)
	return n, err
}
