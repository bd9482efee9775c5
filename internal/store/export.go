package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

// ExportFinishedSessions builds export-ready results for all sessions that
// reached a terminal state.
func (s *Store) ExportFinishedSessions() ([]model.SessionResult, error) {
	sessions, err := s.querySessions(
		`SELECT ` + sessionColumns + ` FROM sessions
		 WHERE status IN ('completed', 'expired', 'abandoned') ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var results []model.SessionResult
	for _, sess := range sessions {
		user, err := s.GetUserByID(sess.UserID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", sess.UserID, err)
		}
		assignment, err := s.GetAssignment(sess.AssignmentID)
		if err != nil {
			return nil, fmt.Errorf("get assignment %d: %w", sess.AssignmentID, err)
		}
		answers, err := s.ListAnswers(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("list answers for session %d: %w", sess.ID, err)
		}

		var answerResults []model.AnswerResult
		for _, a := range answers {
			q, err := s.GetQuestion(a.QuestionID)
			if err != nil {
				return nil, fmt.Errorf("get question %d: %w", a.QuestionID, err)
			}
			answerResults = append(answerResults, model.AnswerResult{
				QuestionText: q.Text,
				Topic:        q.Topic,
				Difficulty:   q.Difficulty,
				Type:         q.Type,
				IsCorrect:    a.IsCorrect,
				MatchPercent: a.MatchPercent,
				TimeSpentMs:  a.TimeSpentMs,
			})
		}

		result := model.SessionResult{
			SessionID:      sess.ID,
			Assignment:     assignment.Name,
			Mode:           sess.Mode,
			Status:         sess.Status,
			AttemptOrdinal: sess.AttemptOrdinal,
			Score:          sess.Score,
			StartedAt:      sess.StartedAt,
			FinishedAt:     sess.FinishedAt,
			Answers:        answerResults,
		}
		if user != nil {
			result.Username = user.Username
			result.DisplayName = user.DisplayName
		}
		results = append(results, result)
	}

	return results, nil
}

// ExportResults wraps finished sessions in the export envelope.
func (s *Store) ExportResults() (model.ResultsExport, error) {
	sessions, err := s.ExportFinishedSessions()
	if err != nil {
		return model.ResultsExport{}, err
	}
	return model.ResultsExport{
		ExportedAt: time.Now(),
		Sessions:   sessions,
	}, nil
}
