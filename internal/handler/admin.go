package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/middleware"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/service"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

// AdminHandler serves the token-gated admin surface: tenant CRUD, settings,
// prompts, learned responses, force transitions, and inspection endpoints.
type AdminHandler struct {
	store    *store.Store
	settings *store.SettingsProvider
	callback *service.CallbackService
	health   *service.HealthService
	logger   *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(st *store.Store, settings *store.SettingsProvider, cb *service.CallbackService, health *service.HealthService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		store:    st,
		settings: settings,
		callback: cb,
		health:   health,
		logger:   log,
	}
}

// --- clients ---

type createClientRequest struct {
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	CompanyID *uuid.UUID `json:"company_id,omitempty"`
}

// CreateClient handles POST /admin/clients.
func (h *AdminHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateSlug(req.Slug); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	client, err := h.store.CreateClient(r.Context(), &model.Client{
		Slug:      req.Slug,
		Name:      req.Name,
		CompanyID: req.CompanyID,
		Status:    model.ClientActive,
	})
	if err != nil {
		h.logger.Error("failed to create client", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create client")
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

// ListClients handles GET /admin/clients.
func (h *AdminHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.ListClients(r.Context())
	if err != nil {
		h.logger.Error("failed to list clients", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": clients, "count": len(clients)})
}

// parseClientRef classifies a client path segment as a uuid or a slug.
// Admin tooling addresses tenants by slug; machine callers use the id.
func parseClientRef(ref string) (uuid.UUID, string, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, "", nil
	}
	if err := middleware.ValidateSlug(ref); err != nil {
		return uuid.Nil, "", err
	}
	return uuid.Nil, ref, nil
}

// GetClient handles GET /admin/clients/{id}. The path segment accepts the
// client uuid or its slug.
func (h *AdminHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	id, slug, err := parseClientRef(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client reference")
		return
	}

	var client *model.Client
	if slug != "" {
		client, err = h.store.GetClientBySlug(r.Context(), slug)
	} else {
		client, err = h.store.GetClient(r.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "client not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get client", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get client")
		return
	}
	writeJSON(w, http.StatusOK, client)
}

type updateClientStatusRequest struct {
	Status model.ClientStatus `json:"status"`
}

// UpdateClientStatus handles PUT /admin/clients/{id}/status.
func (h *AdminHandler) UpdateClientStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateClientStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != model.ClientActive && req.Status != model.ClientDisabled {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if err := h.store.UpdateClientStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		h.logger.Error("failed to update client status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update client status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

// --- branches ---

type createBranchRequest struct {
	Slug           string        `json:"slug"`
	Channel        model.Channel `json:"channel"`
	InstanceID     string        `json:"instance_id"`
	Phone          string        `json:"phone,omitempty"`
	OperatorChatID string        `json:"operator_chat_id,omitempty"`
	KnowledgeTag   string        `json:"knowledge_tag,omitempty"`
}

// CreateBranch handles POST /admin/clients/{id}/branches.
func (h *AdminHandler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req createBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateSlug(req.Slug); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Channel != model.ChannelWhatsApp && req.Channel != model.ChannelTelegram {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}

	branch, err := h.store.CreateBranch(r.Context(), &model.Branch{
		ClientID:       clientID,
		Slug:           req.Slug,
		Channel:        req.Channel,
		InstanceID:     req.InstanceID,
		Phone:          req.Phone,
		OperatorChatID: req.OperatorChatID,
		KnowledgeTag:   req.KnowledgeTag,
		Active:         true,
	})
	if err != nil {
		h.logger.Error("failed to create branch", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create branch")
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

// ListBranches handles GET /admin/clients/{id}/branches.
func (h *AdminHandler) ListBranches(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	branches, err := h.store.ListBranches(r.Context(), clientID)
	if err != nil {
		h.logger.Error("failed to list branches", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list branches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches, "count": len(branches)})
}

// --- settings ---

// GetSettings handles GET /admin/clients/{id}/settings.
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	cs, err := h.store.GetSettings(r.Context(), clientID)
	if err != nil {
		h.logger.Error("failed to get settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settingsView(cs))
}

// settingsPayload carries timer fields in seconds on the wire.
type settingsPayload struct {
	OperatorChatID       string `json:"operator_chat_id,omitempty"`
	OperatorBotToken     string `json:"operator_bot_token,omitempty"`
	OwnerEscalationID    string `json:"owner_escalation_id,omitempty"`
	Reminder1DelaySec    int    `json:"reminder_1_delay_sec"`
	Reminder2DelaySec    int    `json:"reminder_2_delay_sec"`
	AutoCloseDelaySec    int    `json:"auto_close_delay_sec"`
	AdminMuteSec         int    `json:"admin_mute_sec"`
	ResolveGraceSec      int    `json:"resolve_grace_sec"`
	EscalationAck        string `json:"escalation_ack,omitempty"`
	LearnFromResolutions bool   `json:"learn_from_resolutions"`
}

func settingsView(cs *model.ClientSettings) settingsPayload {
	return settingsPayload{
		OperatorChatID:       cs.OperatorChatID,
		OperatorBotToken:     cs.OperatorBotToken,
		OwnerEscalationID:    cs.OwnerEscalationID,
		Reminder1DelaySec:    int(cs.Reminder1Delay.Seconds()),
		Reminder2DelaySec:    int(cs.Reminder2Delay.Seconds()),
		AutoCloseDelaySec:    int(cs.AutoCloseDelay.Seconds()),
		AdminMuteSec:         int(cs.AdminMuteDuration.Seconds()),
		ResolveGraceSec:      int(cs.ResolveGraceWindow.Seconds()),
		EscalationAck:        cs.EscalationAck,
		LearnFromResolutions: cs.LearnFromResolutions,
	}
}

// UpdateSettings handles PUT /admin/clients/{id}/settings.
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reminder1DelaySec < 0 || req.Reminder2DelaySec < 0 || req.AutoCloseDelaySec < 0 {
		writeError(w, http.StatusBadRequest, "timer delays must be non-negative")
		return
	}

	cs, err := h.store.UpsertSettings(r.Context(), &model.ClientSettings{
		ClientID:             clientID,
		OperatorChatID:       req.OperatorChatID,
		OperatorBotToken:     req.OperatorBotToken,
		OwnerEscalationID:    req.OwnerEscalationID,
		Reminder1Delay:       time.Duration(req.Reminder1DelaySec) * time.Second,
		Reminder2Delay:       time.Duration(req.Reminder2DelaySec) * time.Second,
		AutoCloseDelay:       time.Duration(req.AutoCloseDelaySec) * time.Second,
		AdminMuteDuration:    time.Duration(req.AdminMuteSec) * time.Second,
		ResolveGraceWindow:   time.Duration(req.ResolveGraceSec) * time.Second,
		EscalationAck:        req.EscalationAck,
		LearnFromResolutions: req.LearnFromResolutions,
	})
	if err != nil {
		h.logger.Error("failed to update settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update settings")
		return
	}
	h.settings.Invalidate(clientID)
	writeJSON(w, http.StatusOK, settingsView(cs))
}

// --- prompts ---

type promptRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Active  bool   `json:"active"`
}

// UpsertPrompt handles PUT /admin/clients/{id}/prompts.
func (h *AdminHandler) UpsertPrompt(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	p, err := h.store.UpsertPrompt(r.Context(), &model.Prompt{
		ClientID: clientID,
		Name:     req.Name,
		Content:  req.Content,
		Active:   req.Active,
	})
	if err != nil {
		h.logger.Error("failed to upsert prompt", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to upsert prompt")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListPrompts handles GET /admin/clients/{id}/prompts.
func (h *AdminHandler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	prompts, err := h.store.ListPrompts(r.Context(), clientID)
	if err != nil {
		h.logger.Error("failed to list prompts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts, "count": len(prompts)})
}

// --- learned responses ---

// ListLearnedResponses handles GET /admin/clients/{id}/learned.
func (h *AdminHandler) ListLearnedResponses(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	status := model.LearnedStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.LearnedPendingApproval
	}
	lrs, err := h.store.ListLearnedResponses(r.Context(), clientID, status)
	if err != nil {
		h.logger.Error("failed to list learned responses", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list learned responses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"learned_responses": lrs, "count": len(lrs)})
}

type learnedStatusRequest struct {
	Status model.LearnedStatus `json:"status"`
}

// SetLearnedStatus handles PUT /admin/learned/{id}.
func (h *AdminHandler) SetLearnedStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req learnedStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != model.LearnedApproved && req.Status != model.LearnedRejected {
		writeError(w, http.StatusBadRequest, "status must be approved or rejected")
		return
	}
	if err := h.store.SetLearnedStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "learned response not found")
			return
		}
		h.logger.Error("failed to set learned status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to set learned status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

// --- conversations ---

// ListConversations handles GET /admin/clients/{id}/conversations.
func (h *AdminHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := 20, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	convs, err := h.store.ListConversations(r.Context(), clientID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs, "count": len(convs)})
}

// ListConversationMessages handles GET /admin/conversations/{id}/messages.
func (h *AdminHandler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	msgs, err := h.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}

type muteRequest struct {
	DurationSec int `json:"duration_sec"`
}

// MuteConversation handles POST /admin/conversations/{id}/mute.
func (h *AdminHandler) MuteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req muteRequest
	if r.Body != nil {
		// Body is optional; without one the tenant default applies.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.DurationSec < 0 {
		writeError(w, http.StatusBadRequest, "duration_sec must be non-negative")
		return
	}

	resp, err := h.callback.AdminMute(r.Context(), id, time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		var invalid *fsm.InvalidTransitionError
		switch {
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":     "invalid transition",
				"old_state": string(invalid.From),
				"hint":      invalid.Hint,
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		default:
			h.logger.Error("admin mute failed", zap.String("conversation_id", id.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to mute conversation")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ForceClose handles POST /admin/conversations/{id}/force-close.
func (h *AdminHandler) ForceClose(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	resp, err := h.callback.ForceClose(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Error("force close failed", zap.String("conversation_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to force close")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- outbox & health ---

// ListOutbox handles GET /admin/outbox.
func (h *AdminHandler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	status := model.OutboxStatus(r.URL.Query().Get("status"))
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	envelopes, err := h.store.ListOutbox(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list outbox", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list outbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"envelopes": envelopes, "count": len(envelopes)})
}

// GetOutbox handles GET /admin/outbox/{id}.
func (h *AdminHandler) GetOutbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}
	env, err := h.store.GetOutbox(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "envelope not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get envelope", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get envelope")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// HealthSnapshot handles GET /admin/health.
func (h *AdminHandler) HealthSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.health.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to build health snapshot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build health snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *AdminHandler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+" format")
		return uuid.Nil, false
	}
	return id, true
}
