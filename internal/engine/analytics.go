package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Aggregator folds finished sessions into per-topic, per-type, and
// per-difficulty accuracy slices. Ingestion is keyed by session id and
// idempotent, so the background worker and the sweeper's retry pass can
// both process a session without double-counting.
type Aggregator struct {
	store *store.Store
	now   func() time.Time

	queue    chan int64
	stopOnce sync.Once
	done     chan struct{}
}

// NewAggregator creates the analytics aggregator.
func NewAggregator(st *store.Store) *Aggregator {
	return &Aggregator{
		store: st,
		now:   time.Now,
		queue: make(chan int64, 256),
		done:  make(chan struct{}),
	}
}

// Start launches the background ingestion worker.
func (a *Aggregator) Start() {
	go func() {
		for {
			select {
			case sessionID := <-a.queue:
				if err := a.Ingest(sessionID); err != nil {
					// The sweeper re-ingests missed sessions, so a failure
					// here only delays the slices.
					slog.Error("analytics ingestion failed", "session_id", sessionID, "error", err)
				}
			case <-a.done:
				return
			}
		}
	}()
}

// Stop terminates the background worker.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// Enqueue hands a finished session to the worker without blocking the
// caller. A full queue drops the id; the sweeper picks it up later.
func (a *Aggregator) Enqueue(sessionID int64) {
	select {
	case a.queue <- sessionID:
	default:
		slog.Warn("analytics queue full, deferring to sweeper", "session_id", sessionID)
	}
}

// Ingest folds one session's answers into the aggregate slices. Repeat
// calls for the same session are no-ops.
func (a *Aggregator) Ingest(sessionID int64) error {
	deltas, err := a.deltas(sessionID)
	if err != nil {
		return err
	}
	applied, err := a.store.IngestSession(sessionID, deltas, a.now())
	if err != nil {
		return err
	}
	if applied {
		slog.Debug("ingested session into analytics", "session_id", sessionID)
	}
	return nil
}

// IngestMissed re-ingests finished sessions the worker never processed.
func (a *Aggregator) IngestMissed() error {
	sessions, err := a.store.ListUningestedSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := a.Ingest(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

// deltas computes the per-slice accumulation for one session's answers.
func (a *Aggregator) deltas(sessionID int64) ([]store.SliceDelta, error) {
	answers, err := a.store.ListAnswers(sessionID)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		dim model.SliceDimension
		key string
	}
	acc := make(map[bucket]*store.SliceDelta)
	add := func(dim model.SliceDimension, key string, correct bool) {
		b := bucket{dim, key}
		d, ok := acc[b]
		if !ok {
			d = &store.SliceDelta{Dimension: dim, Key: key}
			acc[b] = d
		}
		d.Total++
		if correct {
			d.Correct++
		}
	}

	for _, ans := range answers {
		q, err := a.store.GetQuestion(ans.QuestionID)
		if err != nil {
			return nil, err
		}
		add(model.SliceByTopic, q.Topic, ans.IsCorrect)
		add(model.SliceByType, string(q.Type), ans.IsCorrect)
		add(model.SliceByDifficulty, string(q.Difficulty), ans.IsCorrect)
	}

	deltas := make([]store.SliceDelta, 0, len(acc))
	for _, d := range acc {
		deltas = append(deltas, *d)
	}
	return deltas, nil
}

// SessionSlices groups one session's answers into the summary breakdown
// returned by finalize.
func (a *Aggregator) SessionSlices(sessionID int64) (map[string][]model.Slice, error) {
	deltas, err := a.deltas(sessionID)
	if err != nil {
		return nil, err
	}
	out := map[string][]model.Slice{
		string(model.SliceByTopic):      nil,
		string(model.SliceByType):       nil,
		string(model.SliceByDifficulty): nil,
	}
	for _, d := range deltas {
		out[string(d.Dimension)] = append(out[string(d.Dimension)], model.Slice{
			Key:     d.Key,
			Correct: d.Correct,
			Total:   d.Total,
		})
	}
	for dim := range out {
		slices := out[dim]
		sort.Slice(slices, func(i, j int) bool { return slices[i].Key < slices[j].Key })
	}
	return out, nil
}

// Overview builds the admin dashboard report for [from, to): a per-day
// trend and top-N rankings by template and by user. Served from the
// session table and the denormalized slices, not the state machine.
func (a *Aggregator) Overview(from, to time.Time, limit int) (*model.Overview, error) {
	if limit <= 0 {
		limit = 10
	}
	trend, err := a.store.TrendPoints(from, to)
	if err != nil {
		return nil, err
	}
	templates, err := a.store.TopTemplates(from, to, limit)
	if err != nil {
		return nil, err
	}
	users, err := a.store.TopUsers(from, to, limit)
	if err != nil {
		return nil, err
	}
	return &model.Overview{
		From:         from.Format("2006-01-02"),
		To:           to.Format("2006-01-02"),
		Trend:        trend,
		TopTemplates: templates,
		TopUsers:     users,
	}, nil
}

// Slices returns the global accumulated buckets for one dimension.
func (a *Aggregator) Slices(dimension model.SliceDimension) ([]model.Slice, error) {
	return a.store.Slices(dimension)
}
