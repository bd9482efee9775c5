package store

import (
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

// SliceDelta is one (dimension, key) accumulation produced by ingesting a
// session's answers.
type SliceDelta struct {
	Dimension model.SliceDimension
	Key       string
	Correct   int
	Total     int
}

// IngestSession folds slice deltas into the denormalized analytics store.
// Ingestion is keyed by session id: a repeat call is a no-op, so retries
// and concurrent workers never double-count. Returns whether the deltas
// were applied.
func (s *Store) IngestSession(sessionID int64, deltas []SliceDelta, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO analytics_ingests (session_id, ingested_at) VALUES (?, ?)`,
		sessionID, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for _, d := range deltas {
		if _, err := tx.Exec(
			`INSERT INTO analytics_slices (dimension, key, correct, total) VALUES (?, ?, ?, ?)
			 ON CONFLICT(dimension, key) DO UPDATE SET
			   correct = correct + excluded.correct,
			   total = total + excluded.total`,
			d.Dimension, d.Key, d.Correct, d.Total,
		); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// Ingested reports whether a session's answers were already folded in.
func (s *Store) Ingested(sessionID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM analytics_ingests WHERE session_id = ?`, sessionID,
	).Scan(&count)
	return count > 0, err
}

// ListUningestedSessions returns finished sessions not yet ingested, for
// the sweeper's at-least-once retry pass.
func (s *Store) ListUningestedSessions() ([]model.Session, error) {
	return s.querySessions(
		`SELECT ` + sessionColumns + ` FROM sessions
		 WHERE status IN ('completed', 'expired')
		   AND id NOT IN (SELECT session_id FROM analytics_ingests)
		 ORDER BY id`,
	)
}

// Slices returns the accumulated buckets for one breakdown dimension.
func (s *Store) Slices(dimension model.SliceDimension) ([]model.Slice, error) {
	rows, err := s.db.Query(
		`SELECT key, correct, total FROM analytics_slices WHERE dimension = ? ORDER BY key`, dimension,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var slices []model.Slice
	for rows.Next() {
		var sl model.Slice
		if err := rows.Scan(&sl.Key, &sl.Correct, &sl.Total); err != nil {
			return nil, err
		}
		slices = append(slices, sl)
	}
	return slices, rows.Err()
}

// TrendPoints buckets finished sessions per day within [from, to).
func (s *Store) TrendPoints(from, to time.Time) ([]model.TrendPoint, error) {
	rows, err := s.db.Query(
		`SELECT date(finished_at), COUNT(*), AVG(score) FROM sessions
		 WHERE status IN ('completed', 'expired') AND finished_at >= ? AND finished_at < ?
		 GROUP BY date(finished_at) ORDER BY date(finished_at)`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var points []model.TrendPoint
	for rows.Next() {
		var p model.TrendPoint
		if err := rows.Scan(&p.Date, &p.Sessions, &p.AvgScore); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// TopTemplates ranks assignments by finished-session count within [from, to).
func (s *Store) TopTemplates(from, to time.Time, limit int) ([]model.Ranking, error) {
	return s.queryRankings(
		`SELECT a.id, a.name, COUNT(*), AVG(s.score) FROM sessions s
		 JOIN assignments a ON a.id = s.assignment_id
		 WHERE s.status IN ('completed', 'expired') AND s.finished_at >= ? AND s.finished_at < ?
		 GROUP BY a.id, a.name ORDER BY COUNT(*) DESC, AVG(s.score) DESC LIMIT ?`,
		from, to, limit,
	)
}

// TopUsers ranks users by average score within [from, to).
func (s *Store) TopUsers(from, to time.Time, limit int) ([]model.Ranking, error) {
	return s.queryRankings(
		`SELECT u.id, u.display_name, COUNT(*), AVG(s.score) FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.status IN ('completed', 'expired') AND s.finished_at >= ? AND s.finished_at < ?
		 GROUP BY u.id, u.display_name ORDER BY AVG(s.score) DESC, COUNT(*) DESC LIMIT ?`,
		from, to, limit,
	)
}

func (s *Store) queryRankings(query string, args ...any) ([]model.Ranking, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rankings []model.Ranking
	for rows.Next() {
		var r model.Ranking
		if err := rows.Scan(&r.ID, &r.Name, &r.Sessions, &r.AvgScore); err != nil {
			return nil, err
		}
		rankings = append(rankings, r)
	}
	return rankings, rows.Err()
}
