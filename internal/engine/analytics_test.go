package engine

import (
	"testing"
	"time"

	"github.com/pavelanni/prepdeck/internal/model"
)

func TestIngestBuildsSlices(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	q1, correct1 := e.seedChoiceQuestion(t, "Q1", "algorithms")
	q2, _ := e.seedChoiceQuestion(t, "Q2", "algorithms")
	q3 := e.seedWrittenQuestion(t, "Q3", "consistent hashing")
	assignmentID := e.seedAssignment(t, model.Assignment{QuestionIDs: []int64{q1, q2, q3}})

	state := mustStart(t, e, userID, assignmentID)
	sessionID := state.Session.ID
	if _, err := e.lifecycle.SubmitAnswer(sessionID, q1, Submission{SelectedIDs: []int64{correct1}}, 0); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	if _, err := e.lifecycle.SubmitAnswer(sessionID, q2, Submission{SelectedIDs: []int64{999}}, 0); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	if _, err := e.lifecycle.SubmitAnswer(sessionID, q3, Submission{WrittenText: "consistent hashing"}, 0); err != nil {
		t.Fatalf("submit q3: %v", err)
	}
	if _, err := e.lifecycle.Finalize(sessionID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := e.analytics.Ingest(sessionID); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	byTopic, err := e.analytics.Slices(model.SliceByTopic)
	if err != nil {
		t.Fatalf("Slices by topic: %v", err)
	}
	topics := make(map[string]model.Slice, len(byTopic))
	for _, sl := range byTopic {
		topics[sl.Key] = sl
	}
	if sl := topics["algorithms"]; sl.Correct != 1 || sl.Total != 2 {
		t.Errorf("expected algorithms 1/2, got %+v", sl)
	}
	if sl := topics["writing"]; sl.Correct != 1 || sl.Total != 1 {
		t.Errorf("expected writing 1/1, got %+v", sl)
	}

	byType, err := e.analytics.Slices(model.SliceByType)
	if err != nil {
		t.Fatalf("Slices by type: %v", err)
	}
	types := make(map[string]model.Slice, len(byType))
	for _, sl := range byType {
		types[sl.Key] = sl
	}
	if sl := types[string(model.TypeWritten)]; sl.Correct != 1 || sl.Total != 1 {
		t.Errorf("expected written 1/1, got %+v", sl)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	qID, correct := e.seedChoiceQuestion(t, "Q1", "algorithms")
	assignmentID := e.seedAssignment(t, model.Assignment{QuestionIDs: []int64{qID}})

	state := mustStart(t, e, userID, assignmentID)
	if _, err := e.lifecycle.SubmitAnswer(state.Session.ID, qID, Submission{SelectedIDs: []int64{correct}}, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.lifecycle.Finalize(state.Session.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := e.analytics.Ingest(state.Session.ID); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	slices, err := e.analytics.Slices(model.SliceByTopic)
	if err != nil {
		t.Fatalf("Slices: %v", err)
	}
	if len(slices) != 1 || slices[0].Total != 1 {
		t.Errorf("expected single-count slice after repeated ingests, got %+v", slices)
	}
}

func TestIngestMissedBackfills(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	qID, correct := e.seedChoiceQuestion(t, "Q1", "algorithms")
	assignmentID := e.seedAssignment(t, model.Assignment{QuestionIDs: []int64{qID}})

	state := mustStart(t, e, userID, assignmentID)
	if _, err := e.lifecycle.SubmitAnswer(state.Session.ID, qID, Submission{SelectedIDs: []int64{correct}}, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Finalize enqueues, but no worker runs: the session stays uningested.
	if _, err := e.lifecycle.Finalize(state.Session.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	ingested, err := e.store.Ingested(state.Session.ID)
	if err != nil {
		t.Fatalf("Ingested: %v", err)
	}
	if ingested {
		t.Fatal("expected session to be uningested without a worker")
	}

	if err := e.analytics.IngestMissed(); err != nil {
		t.Fatalf("IngestMissed: %v", err)
	}
	ingested, err = e.store.Ingested(state.Session.ID)
	if err != nil {
		t.Fatalf("Ingested after backfill: %v", err)
	}
	if !ingested {
		t.Error("expected backfill to ingest the session")
	}
}

func TestSessionSlicesGroupsByDimension(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	q1, correct1 := e.seedChoiceQuestion(t, "Q1", "algorithms")
	q2 := e.seedWrittenQuestion(t, "Q2", "raft")
	assignmentID := e.seedAssignment(t, model.Assignment{QuestionIDs: []int64{q1, q2}})

	state := mustStart(t, e, userID, assignmentID)
	if _, err := e.lifecycle.SubmitAnswer(state.Session.ID, q1, Submission{SelectedIDs: []int64{correct1}}, 0); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	if _, err := e.lifecycle.SubmitAnswer(state.Session.ID, q2, Submission{WrittenText: "paxos"}, 0); err != nil {
		t.Fatalf("submit q2: %v", err)
	}

	slices, err := e.analytics.SessionSlices(state.Session.ID)
	if err != nil {
		t.Fatalf("SessionSlices: %v", err)
	}
	for _, dim := range []model.SliceDimension{model.SliceByTopic, model.SliceByType, model.SliceByDifficulty} {
		if _, ok := slices[string(dim)]; !ok {
			t.Errorf("expected dimension %q in summary", dim)
		}
	}
	if got := len(slices[string(model.SliceByTopic)]); got != 2 {
		t.Errorf("expected 2 topic slices, got %d", got)
	}
}

func TestOverview(t *testing.T) {
	e := newTestEngine(t)
	userID := e.seedUser(t, "alice", 0)
	qID, correct := e.seedChoiceQuestion(t, "Q1", "algorithms")
	assignmentID := e.seedAssignment(t, model.Assignment{Name: "Screen", QuestionIDs: []int64{qID}})

	state := mustStart(t, e, userID, assignmentID)
	if _, err := e.lifecycle.SubmitAnswer(state.Session.ID, qID, Submission{SelectedIDs: []int64{correct}}, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.lifecycle.Finalize(state.Session.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	now := time.Now()
	overview, err := e.analytics.Overview(now.Add(-24*time.Hour), now.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(overview.Trend) != 1 {
		t.Fatalf("expected 1 trend point, got %d", len(overview.Trend))
	}
	if overview.Trend[0].Sessions != 1 || overview.Trend[0].AvgScore != 100 {
		t.Errorf("expected 1 session at avg 100, got %+v", overview.Trend[0])
	}
	if len(overview.TopTemplates) != 1 || overview.TopTemplates[0].Name != "Screen" {
		t.Errorf("expected top template 'Screen', got %+v", overview.TopTemplates)
	}
	if len(overview.TopUsers) != 1 || overview.TopUsers[0].Sessions != 1 {
		t.Errorf("expected one ranked user, got %+v", overview.TopUsers)
	}
}
