package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/prepdeck/internal/model"
)

const defaultOverviewWindow = 30 * 24 * time.Hour

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-defaultOverviewWindow)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'from' date, want YYYY-MM-DD"})
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid 'to' date, want YYYY-MM-DD"})
			return
		}
		to = t.Add(24 * time.Hour) // inclusive end of day
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	overview, err := h.analytics.Overview(from, to, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (h *Handler) handleSlices(w http.ResponseWriter, r *http.Request) {
	dim := model.SliceDimension(r.URL.Query().Get("dimension"))
	switch dim {
	case model.SliceByTopic, model.SliceByType, model.SliceByDifficulty:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown dimension"})
		return
	}
	slices, err := h.analytics.Slices(dim)
	if err != nil {
		writeError(w, err)
		return
	}
	if slices == nil {
		slices = []model.Slice{}
	}
	writeJSON(w, http.StatusOK, slices)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user ID"})
		return
	}
	entries, err := h.ledger.History(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := h.ledger.AvailableBalance(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": balance,
		"entries": entries,
	})
}

func (h *Handler) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid user ID"})
		return
	}

	var req struct {
		Amount    int64      `json:"amount"`
		Type      string     `json:"type"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive"})
		return
	}
	typ := model.LedgerType(req.Type)
	if typ != model.LedgerPurchase && typ != model.LedgerBonus {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "type must be purchase or bonus"})
		return
	}

	user, err := h.store.GetUserByID(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
		return
	}

	ref, err := h.ledger.Grant(userID, req.Amount, typ, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	admin := model.UserFromContext(r.Context())
	slog.Info("granted credits", "user_id", userID, "amount", req.Amount,
		"type", typ, "ref", ref, "granted_by", admin.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

func (h *Handler) handleSetAssignmentActive(w http.ResponseWriter, r *http.Request) {
	assignmentID, err := strconv.ParseInt(chi.URLParam(r, "assignmentID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid assignment ID"})
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := h.store.SetAssignmentActive(assignmentID, req.Active); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("set assignment active", "assignment_id", assignmentID, "active", req.Active)
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}
