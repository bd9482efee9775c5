package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Sweeper is the periodic maintenance pass: it expires overdue sessions,
// retries pending ledger settlements, re-ingests missed analytics, ages
// out credit grants, and prunes expired auth sessions. Every step is
// idempotent, so the sweep may run concurrently with client traffic.
type Sweeper struct {
	store     *store.Store
	lifecycle *Lifecycle
	analytics *Aggregator
	ledger    *Ledger
	interval  time.Duration
	now       func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewSweeper creates the maintenance sweeper.
func NewSweeper(st *store.Store, lifecycle *Lifecycle, analytics *Aggregator, ledger *Ledger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:     st,
		lifecycle: lifecycle,
		analytics: analytics,
		ledger:    ledger,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Sweep runs one maintenance pass. Errors are logged and never abort the
// remaining steps.
func (s *Sweeper) Sweep() {
	overdue, err := s.store.ListOverdueSessions(s.now())
	if err != nil {
		slog.Error("sweep: list overdue sessions", "error", err)
	}
	for _, sess := range overdue {
		err := s.lifecycle.Expire(sess.ID)
		if errors.Is(err, model.ErrSessionAlreadyTerminal) {
			// The client's own finalize won the race; nothing to do.
			continue
		}
		if err != nil {
			slog.Error("sweep: expire session", "session_id", sess.ID, "error", err)
			continue
		}
		slog.Info("expired overdue session", "session_id", sess.ID)
	}

	if err := s.lifecycle.SettlePending(); err != nil {
		slog.Error("sweep: settle pending sessions", "error", err)
	}

	if err := s.analytics.IngestMissed(); err != nil {
		slog.Error("sweep: ingest missed sessions", "error", err)
	}

	if n, err := s.ledger.ExpireGrants(); err != nil {
		slog.Error("sweep: expire credit grants", "error", err)
	} else if n > 0 {
		slog.Info("expired credit grants", "count", n)
	}

	if err := s.store.CleanupExpiredAuthSessions(); err != nil {
		slog.Error("sweep: cleanup auth sessions", "error", err)
	}
}
