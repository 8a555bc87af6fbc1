package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/middleware"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

// ActionApplier applies a manager action to a conversation.
type ActionApplier interface {
	Apply(ctx context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error)
}

// CallbackHandler handles manager actions from the operator surface.
type CallbackHandler struct {
	service ActionApplier
	logger  *logger.Logger
}

// NewCallbackHandler creates a new callback handler.
func NewCallbackHandler(svc ActionApplier, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{service: svc, logger: log}
}

// conflictResponse is the 409 body carrying the current holder.
type conflictResponse struct {
	Error      string `json:"error"`
	HolderID   string `json:"holder_id"`
	HolderName string `json:"holder_name,omitempty"`
}

// invalidTransitionResponse is the 400 body for disallowed transitions.
type invalidTransitionResponse struct {
	Error    string `json:"error"`
	OldState string `json:"old_state"`
	Action   string `json:"action"`
	Hint     string `json:"hint,omitempty"`
}

// Callback handles POST /callback.
func (h *CallbackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req model.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ConversationID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if !req.Action.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if req.ManagerID == "" {
		req.ManagerID = middleware.GetManagerID(r.Context())
	}
	if err := middleware.ValidateManagerID(req.ManagerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Apply(r.Context(), &req)
	if err != nil {
		var conflict *fsm.ConflictError
		var invalid *fsm.InvalidTransitionError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, conflictResponse{
				Error:      "handover already taken",
				HolderID:   conflict.HolderID,
				HolderName: conflict.HolderName,
			})
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, invalidTransitionResponse{
				Error:    "invalid transition",
				OldState: string(invalid.From),
				Action:   string(req.Action),
				Hint:     invalid.Hint,
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("callback failed",
				zap.String("conversation_id", req.ConversationID.String()),
				zap.String("action", string(req.Action)),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to apply action")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
