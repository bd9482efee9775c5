package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/prepdeck/internal/model"
)

// balanceQuery derives the available balance: the sum of all non-expiration
// entries that have not aged out. Expiration entries are audit records and
// excluded by type; the grants they close are excluded by expires_at.
const balanceQuery = `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
	WHERE user_id = ? AND type != 'expiration' AND (expires_at IS NULL OR expires_at > ?)`

// Balance returns the user's available credit balance at the given time.
func (s *Store) Balance(userID int64, now time.Time) (int64, error) {
	var balance int64
	err := s.db.QueryRow(balanceQuery, userID, now).Scan(&balance)
	return balance, err
}

// Reserve consumes credits for a session. The balance check, the
// one-consumption-per-session check, and the entry insert all run in one
// transaction, so two concurrent reservations cannot both pass a user's
// limit.
func (s *Store) Reserve(userID, amount, sessionID int64, now time.Time) error {
	if amount == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries WHERE session_id = ? AND type = 'consumption'`, sessionID,
	).Scan(&existing)
	if err != nil {
		return err
	}
	if existing > 0 {
		// Already consumed for this session; keep the single-consumption invariant.
		return nil
	}

	var balance int64
	if err := tx.QueryRow(balanceQuery, userID, now).Scan(&balance); err != nil {
		return err
	}
	if balance < amount {
		return model.ErrInsufficientCredits
	}

	_, err = tx.Exec(
		`INSERT INTO ledger_entries (ref, user_id, type, delta, session_id, created_at)
		 VALUES (?, ?, 'consumption', ?, ?, ?)`,
		uuid.NewString(), userID, -amount, sessionID, now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Refund compensates the consumption recorded against a session with a
// positive entry of the same amount. It fails with ErrNothingToRefund when
// no consumption exists or it was already refunded.
func (s *Store) Refund(sessionID int64, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID, amount int64
	err = tx.QueryRow(
		`SELECT user_id, -delta FROM ledger_entries WHERE session_id = ? AND type = 'consumption'`, sessionID,
	).Scan(&userID, &amount)
	if err == sql.ErrNoRows {
		return model.ErrNothingToRefund
	}
	if err != nil {
		return err
	}

	var refunded int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries WHERE session_id = ? AND type = 'refund'`, sessionID,
	).Scan(&refunded)
	if err != nil {
		return err
	}
	if refunded > 0 {
		return model.ErrNothingToRefund
	}

	_, err = tx.Exec(
		`INSERT INTO ledger_entries (ref, user_id, type, delta, session_id, created_at)
		 VALUES (?, ?, 'refund', ?, ?, ?)`,
		uuid.NewString(), userID, amount, sessionID, now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Grant appends a positive credit entry (purchase or bonus).
func (s *Store) Grant(userID, amount int64, typ model.LedgerType, expiresAt *time.Time, now time.Time) (string, error) {
	ref := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO ledger_entries (ref, user_id, type, delta, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ref, userID, typ, amount, expiresAt, now,
	)
	return ref, err
}

// SessionNet returns the net credit delta linked to a session. The ledger
// invariant keeps it at 0 (unsettled or refunded) or a single negative
// consumption.
func (s *Store) SessionNet(sessionID int64) (int64, error) {
	var net int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE session_id = ?`, sessionID,
	).Scan(&net)
	return net, err
}

// SessionEntries returns all ledger entries linked to a session.
func (s *Store) SessionEntries(sessionID int64) ([]model.LedgerEntry, error) {
	return s.queryEntries(
		`SELECT id, ref, user_id, type, delta, session_id, expires_at, created_at
		 FROM ledger_entries WHERE session_id = ? ORDER BY id`, sessionID,
	)
}

// ListEntries returns a user's full ledger history, newest first.
func (s *Store) ListEntries(userID int64) ([]model.LedgerEntry, error) {
	return s.queryEntries(
		`SELECT id, ref, user_id, type, delta, session_id, expires_at, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY id DESC`, userID,
	)
}

func (s *Store) queryEntries(query string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Ref, &e.UserID, &e.Type, &e.Delta, &e.SessionID, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExpireGrants writes audit entries for grants that aged out since the
// last sweep. Expired grants fall out of the balance by expires_at alone;
// the expiration entry records the event. Returns the number of grants
// closed.
func (s *Store) ExpireGrants(now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT ref, user_id, delta FROM ledger_entries
		 WHERE type IN ('purchase', 'bonus') AND expires_at IS NOT NULL AND expires_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM ledger_entries x WHERE x.type = 'expiration' AND x.ref = ledger_entries.ref || ':expired'
		   )`,
		now,
	)
	if err != nil {
		return 0, err
	}
	type grant struct {
		ref    string
		userID int64
		delta  int64
	}
	var grants []grant
	for rows.Next() {
		var g grant
		if err := rows.Scan(&g.ref, &g.userID, &g.delta); err != nil {
			rows.Close()
			return 0, err
		}
		grants = append(grants, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, g := range grants {
		if _, err := tx.Exec(
			`INSERT INTO ledger_entries (ref, user_id, type, delta, created_at)
			 VALUES (?, ?, 'expiration', ?, ?)`,
			g.ref+":expired", g.userID, -g.delta, now,
		); err != nil {
			return 0, err
		}
	}
	return len(grants), tx.Commit()
}
