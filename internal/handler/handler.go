package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prepdeck/internal/engine"
	"github.com/pavelanni/prepdeck/internal/feedback"
	appI18n "github.com/pavelanni/prepdeck/internal/i18n"
	"github.com/pavelanni/prepdeck/internal/model"
	"github.com/pavelanni/prepdeck/internal/store"
)

// Config holds runtime handler parameters set via CLI flags.
type Config struct {
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
	Lang          string // Default response language
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	lifecycle *engine.Lifecycle
	monitor   *engine.Monitor
	retaker   *engine.Retaker
	analytics *engine.Aggregator
	ledger    *engine.Ledger
	explainer *feedback.Client // nil when no LLM endpoint is configured
	config    Config
}

// New creates a new Handler.
func New(s *store.Store, lifecycle *engine.Lifecycle, monitor *engine.Monitor, retaker *engine.Retaker,
	analytics *engine.Aggregator, ledger *engine.Ledger, explainer *feedback.Client, cfg Config) *Handler {
	return &Handler{
		store:     s,
		lifecycle: lifecycle,
		monitor:   monitor,
		retaker:   retaker,
		analytics: analytics,
		ledger:    ledger,
		explainer: explainer,
		config:    cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/api/assignments", h.handleListAssignments)
		r.Get("/api/credits", h.handleBalance)

		r.Post("/api/sessions", h.handleStartSession)
		r.Get("/api/sessions", h.handleListSessions)
		r.Get("/api/sessions/{sessionID}", h.handleGetSession)
		r.Post("/api/sessions/{sessionID}/answers", h.handleSubmitAnswer)
		r.Post("/api/sessions/{sessionID}/submit", h.handleSubmitAll)
		r.Post("/api/sessions/{sessionID}/finalize", h.handleFinalize)
		r.Post("/api/sessions/{sessionID}/abandon", h.handleAbandon)
		r.Post("/api/sessions/{sessionID}/pause", h.handlePause)
		r.Post("/api/sessions/{sessionID}/resume", h.handleResume)
		r.Post("/api/sessions/{sessionID}/retake", h.handleRetake)
		r.Post("/api/sessions/{sessionID}/events", h.handleIntegrityEvent)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/api/admin/overview", h.handleOverview)
			r.Get("/api/admin/slices", h.handleSlices)
			r.Get("/api/admin/users/{userID}/ledger", h.handleLedger)
			r.Post("/api/admin/users/{userID}/credits", h.handleGrantCredits)
			r.Post("/api/admin/assignments/{assignmentID}/active", h.handleSetAssignmentActive)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		status = http.StatusPaymentRequired
	case errors.Is(err, model.ErrDuplicateActiveSession),
		errors.Is(err, model.ErrDuplicateSubmission),
		errors.Is(err, model.ErrSessionAlreadyTerminal),
		errors.Is(err, model.ErrSessionNotActive),
		errors.Is(err, model.ErrSessionNotTerminal):
		status = http.StatusConflict
	case errors.Is(err, model.ErrEmptyAssignment),
		errors.Is(err, model.ErrUnknownQuestion),
		errors.Is(err, model.ErrNothingToRefund):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAssignmentUnavailable):
		status = http.StatusGone
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// sessionForUser loads the session from the URL and verifies ownership.
// Admins may touch any session.
func (h *Handler) sessionForUser(r *http.Request) (model.Session, error) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		return model.Session{}, sql.ErrNoRows
	}
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	user := model.UserFromContext(r.Context())
	if user == nil || (user.ID != sess.UserID && user.Role != model.UserRoleAdmin) {
		return model.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.store.ListAssignments()
	if err != nil {
		writeError(w, err)
		return
	}
	visible := make([]model.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.Active {
			visible = append(visible, a)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssignmentID int64 `json:"assignment_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	user := model.UserFromContext(r.Context())

	state, err := h.lifecycle.Start(user.ID, req.AssignmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("started session", "session_id", state.Session.ID, "user_id", user.ID,
		"assignment_id", req.AssignmentID, "mode", state.Session.Mode)
	writeJSON(w, http.StatusCreated, state)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	var assignmentID int64
	if v := r.URL.Query().Get("assignment_id"); v != "" {
		assignmentID, _ = strconv.ParseInt(v, 10, 64)
	}
	sessions, err := h.retaker.Lineage(user.ID, assignmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := h.lifecycle.RunnerState(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		QuestionID  int64   `json:"question_id"`
		SelectedIDs []int64 `json:"selected_ids,omitempty"`
		WrittenText string  `json:"written_text,omitempty"`
		ElapsedMs   int64   `json:"elapsed_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	outcome, err := h.lifecycle.SubmitAnswer(sess.ID, req.QuestionID, engine.Submission{
		SelectedIDs: req.SelectedIDs,
		WrittenText: req.WrittenText,
	}, req.ElapsedMs)
	if err != nil {
		writeError(w, err)
		return
	}

	result := model.SubmitResult{Accepted: true}
	if sess.Mode == model.ModePractice {
		isCorrect := outcome.IsCorrect
		result.IsCorrect = &isCorrect
		result.MatchPercent = outcome.MatchPercent
		result.Explanation = h.explainAnswer(r.Context(), req.QuestionID, req.WrittenText, outcome)
	}
	writeJSON(w, http.StatusOK, result)
}

// explainAnswer builds the practice-mode feedback string: a localized
// verdict, the catalog explanation for misses, and an LLM elaboration for
// missed written answers when an endpoint is configured.
func (h *Handler) explainAnswer(ctx context.Context, questionID int64, submitted string, outcome engine.Outcome) string {
	if outcome.IsCorrect {
		return appI18n.T(ctx, "feedback.correct")
	}

	text := appI18n.T(ctx, "feedback.incorrect")
	if outcome.MatchPercent != nil {
		text = appI18n.Td(ctx, "feedback.match", map[string]any{
			"Percent": int(*outcome.MatchPercent),
		}) + " " + text
	}

	q, err := h.store.GetQuestion(questionID)
	if err != nil {
		return text
	}
	if q.Explanation != "" {
		text += "\n" + q.Explanation
	}
	if h.explainer != nil && q.Type == model.TypeWritten && submitted != "" {
		if expl, err := h.explainer.Explain(ctx, q, submitted, h.config.Lang); err != nil {
			slog.Warn("LLM explanation failed", "question_id", questionID, "error", err)
		} else if expl != "" {
			text += "\n" + expl
		}
	}
	return text
}

func (h *Handler) handleSubmitAll(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Items []engine.ItemSubmission `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	summary, err := h.lifecycle.SubmitAll(sess.ID, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.lifecycle.Finalize(sess.ID)
	if errors.Is(err, model.ErrSessionAlreadyTerminal) {
		// Someone else finished it first; report the terminal state as success.
		current, gerr := h.store.GetSession(sess.ID)
		if gerr != nil {
			writeError(w, gerr)
			return
		}
		writeJSON(w, http.StatusOK, model.Summary{Session: current})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.lifecycle.Abandon(sess.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(model.StatusAbandoned),
		"message": appI18n.T(r.Context(), "session.abandoned"),
	})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.lifecycle.Pause, model.StatusPaused)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.lifecycle.Resume, model.StatusInProgress)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, op func(int64) error, to model.SessionStatus) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(sess.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(to)})
}

func (h *Handler) handleRetake(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	state, attempts, err := h.retaker.Retake(sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("created retake", "prior_session_id", sess.ID,
		"session_id", state.Session.ID, "attempt", attempts)
	writeJSON(w, http.StatusCreated, map[string]any{
		"state":    state,
		"attempts": attempts,
	})
}

func (h *Handler) handleIntegrityEvent(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Type model.IntegrityEventType `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	assignment, err := h.store.GetAssignment(sess.AssignmentID)
	if err != nil {
		writeError(w, err)
		return
	}

	decision, err := h.monitor.RecordEvent(sess, assignment.ViolationCeiling, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"recorded":   decision.Recorded,
		"violations": decision.Violations,
		"terminated": false,
	}
	if decision.ForceAbandon {
		err := h.lifecycle.Abandon(sess.ID)
		if err != nil && !errors.Is(err, model.ErrSessionAlreadyTerminal) {
			writeError(w, err)
			return
		}
		slog.Warn("session terminated by integrity monitor",
			"session_id", sess.ID, "violations", decision.Violations)
		resp["terminated"] = true
		resp["message"] = appI18n.T(r.Context(), "session.terminated")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	balance, err := h.ledger.AvailableBalance(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}
