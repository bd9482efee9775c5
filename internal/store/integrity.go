package store

import (
	"github.com/pavelanni/prepdeck/internal/model"
)

// AddIntegrityEvent appends a proctoring event to a session's audit log.
func (s *Store) AddIntegrityEvent(e model.IntegrityEvent) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO integrity_events (session_id, type, created_at) VALUES (?, ?, ?)`,
		e.SessionID, e.Type, e.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListIntegrityEvents returns all events recorded for a session in order.
func (s *Store) ListIntegrityEvents(sessionID int64) ([]model.IntegrityEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, created_at FROM integrity_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []model.IntegrityEvent
	for rows.Next() {
		var e model.IntegrityEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountViolations returns how many events of the given types a session has.
func (s *Store) CountViolations(sessionID int64, types []model.IntegrityEventType) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM integrity_events WHERE session_id = ? AND type IN (`
	args := []any{sessionID}
	for i, t := range types {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, t)
	}
	query += `)`
	var count int
	err := s.db.QueryRow(query, args...).Scan(&count)
	return count, err
}
