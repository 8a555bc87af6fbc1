package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

// ReminderHandler serves the pull interface used by the external
// notification adapter.
type ReminderHandler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewReminderHandler creates a new reminder handler.
func NewReminderHandler(st *store.Store, log *logger.Logger) *ReminderHandler {
	return &ReminderHandler{store: st, logger: log}
}

// List handles GET /reminders: due, not-yet-sent reminders for both levels.
func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var out []model.DueReminder
	for level := 1; level <= 2; level++ {
		due, err := h.store.DueReminders(r.Context(), level, limit)
		if err != nil {
			h.logger.Error("failed to list due reminders", zap.Int("level", level), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list reminders")
			return
		}
		for _, d := range due {
			out = append(out, model.DueReminder{
				HandoverID:     d.ID,
				ConversationID: d.ConversationID,
				ClientID:       d.ClientID,
				Level:          level,
				Summary:        d.Summary,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reminders": out,
		"count":     len(out),
	})
}

// markSentRequest acknowledges delivery of one reminder level.
type markSentRequest struct {
	Level int `json:"level"`
}

// MarkSent handles POST /reminders/{handover_id}/sent. The stamp predicate
// makes repeated acknowledgements no-ops.
func (h *ReminderHandler) MarkSent(w http.ResponseWriter, r *http.Request) {
	handoverID, err := uuid.Parse(chi.URLParam(r, "handover_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid handover ID format")
		return
	}

	req := markSentRequest{Level: 1}
	if r.Body != nil {
		// Body is optional; without one level 1 is assumed.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Level != 1 && req.Level != 2 {
		writeError(w, http.StatusBadRequest, "level must be 1 or 2")
		return
	}

	won, err := h.store.StampReminderSent(r.Context(), h.store.Pool(), handoverID, req.Level)
	if err != nil {
		h.logger.Error("failed to stamp reminder",
			zap.String("handover_id", handoverID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge reminder")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged": won,
	})
}
