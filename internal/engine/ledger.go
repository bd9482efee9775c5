package engine

import (
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Ledger is the credit accounting service. Every mutation is an immutable
// append; balances are always derived, never stored, so concurrent writers
// cannot lose an update.
type Ledger struct {
	store *store.Store
	now   func() time.Time
}

// NewLedger creates the credit ledger service.
func NewLedger(st *store.Store) *Ledger {
	return &Ledger{store: st, now: time.Now}
}

// AvailableBalance returns the user's spendable credits: the sum of all
// non-expired, non-expiration entries.
func (g *Ledger) AvailableBalance(userID int64) (int64, error) {
	return g.store.Balance(userID, g.now())
}

// Reserve consumes amount credits against a session. Fails with
// ErrInsufficientCredits when the balance is short; the check and the
// append run under one transaction.
func (g *Ledger) Reserve(userID, amount, sessionID int64) error {
	return g.store.Reserve(userID, amount, sessionID, g.now())
}

// Refund returns the full amount previously consumed for a session.
func (g *Ledger) Refund(sessionID int64) error {
	return g.store.Refund(sessionID, g.now())
}

// Grant credits a user (purchase or bonus), optionally with an expiry.
func (g *Ledger) Grant(userID, amount int64, typ model.LedgerType, expiresAt *time.Time) (string, error) {
	return g.store.Grant(userID, amount, typ, expiresAt, g.now())
}

// History returns the user's ledger entries, newest first.
func (g *Ledger) History(userID int64) ([]model.LedgerEntry, error) {
	return g.store.ListEntries(userID)
}

// ExpireGrants writes expiration audit entries for grants that aged out.
func (g *Ledger) ExpireGrants() (int, error) {
	return g.store.ExpireGrants(g.now())
}
