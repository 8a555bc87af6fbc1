// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/middleware"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/service"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

// InboundProcessor runs the inbound message pipeline.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, req *model.InboundRequest) (*model.InboundResponse, error)
}

// WebhookHandler handles channel webhook traffic.
type WebhookHandler struct {
	service InboundProcessor
	logger  *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(svc InboundProcessor, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{service: svc, logger: log}
}

// Message handles POST /message. Non-2xx is reserved for malformed requests;
// business outcomes ride in the response state.
func (h *WebhookHandler) Message(w http.ResponseWriter, r *http.Request) {
	var req model.InboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ClientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateRemoteJID(req.RemoteJID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel != model.ChannelWhatsApp && req.Channel != model.ChannelTelegram {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	resp, err := h.service.HandleInbound(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "client not found")
		case errors.Is(err, service.ErrClientDisabled):
			writeError(w, http.StatusForbidden, "client is disabled")
		default:
			h.logger.Error("inbound processing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
