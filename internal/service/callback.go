package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// CallbackService applies manager actions from the operator surface.
type CallbackService struct {
	store    Datastore
	settings SettingsSource
	events   EventSink
	logger   *logger.Logger
}

// NewCallbackService wires the callback service.
func NewCallbackService(st Datastore, settings SettingsSource, sink EventSink, log *logger.Logger) *CallbackService {
	return &CallbackService{store: st, settings: settings, events: sink, logger: log}
}

// buttonStatePayload drives operator-side button edits after an action.
type buttonStatePayload struct {
	HandoverID  string `json:"handover_id"`
	Action      string `json:"action"`
	Status      string `json:"status"`
	ManagerID   string `json:"manager_id"`
	ManagerName string `json:"manager_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// Apply runs one manager action in a single transaction and returns the
// applied transition. Transition violations surface as
// *fsm.InvalidTransitionError; take conflicts as *fsm.ConflictError.
func (s *CallbackService) Apply(ctx context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error) {
	event, ok := fsm.EventForAction(req.Action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}

	resp := &model.CallbackResponse{
		ConversationID: req.ConversationID,
		Action:         req.Action,
	}
	var (
		tenantID string
		ev       eventBuffer
	)

	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		conv, err := s.store.GetConversationForUpdate(ctx, tx, req.ConversationID)
		if err != nil {
			return err
		}
		resp.OldState = conv.State
		tenantID = conv.ClientID.String()

		h, err := s.store.GetOpenHandover(ctx, tx, conv.ID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		cs, err := s.settings.Get(ctx, conv.ClientID)
		if err != nil {
			return err
		}

		// The external manager id resolves to an agent row, provisioned on
		// first contact.
		agent, err := s.store.ResolveAgent(ctx, tx, conv.ClientID, model.ChannelTelegram, req.ManagerID, req.ManagerName)
		if err != nil {
			return err
		}

		g := fsm.Guards{
			Now:            time.Now().UTC(),
			MuteUntil:      conv.MuteUntil,
			AutoCloseDelay: cs.AutoCloseDelay,
			ActorID:        req.ManagerID,
		}
		if h != nil {
			g.HandoverStatus = h.Status
			g.HandoverCreatedAt = h.CreatedAt
			if h.TakenByID != nil {
				g.HandoverTakenBy = *h.TakenByID
			}
			if h.TakenByName != nil {
				g.HandoverTakenName = *h.TakenByName
			}
		}

		next, eff, err := fsm.Next(conv.State, event, g)
		if err != nil {
			return err
		}
		resp.NewState = next

		now := time.Now().UTC()
		if h != nil && eff.HandoverStatus != "" {
			hu := store.HandoverUpdate{Status: eff.HandoverStatus}
			switch eff.HandoverStatus {
			case model.HandoverTaken:
				hu.TakenByID = &req.ManagerID
				if req.ManagerName != "" {
					hu.TakenByName = &req.ManagerName
				}
			case model.HandoverResolved, model.HandoverSkipped, model.HandoverReturned, model.HandoverTimeout:
				hu.ResolvedByID = &req.ManagerID
				if req.ManagerName != "" {
					hu.ResolvedByName = &req.ManagerName
				}
				hu.ClosedAt = &now
			}
			if err := s.store.ApplyHandoverUpdate(ctx, tx, h.ID, hu); err != nil {
				return err
			}
			metrics.HandoversTotal.WithLabelValues(conv.ClientID.String(), string(eff.HandoverStatus)).Inc()
		}

		if next != conv.State || eff.ClearMute || eff.ClearActiveHandover {
			if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, store.ConversationUpdate{
				State:               next,
				ClearMute:           eff.ClearMute,
				ClearActiveHandover: eff.ClearActiveHandover,
			}); err != nil {
				return err
			}
		}

		if h != nil && eff.HandoverStatus.Terminal() {
			note := fmt.Sprintf("handover %s by %s", eff.HandoverStatus, agent.Name)
			if _, err := s.store.InsertMessage(ctx, tx, &model.Message{
				ID:             uuid.Must(uuid.NewV7()),
				ConversationID: conv.ID,
				ClientID:       conv.ClientID,
				Role:           model.RoleSystem,
				Content:        note,
			}); err != nil {
				return err
			}
		}

		// Resolutions that carry a manager answer feed the learning loop.
		if req.Action == model.ActionResolve && req.ResolutionText != "" && cs.LearnFromResolutions && h != nil {
			if err := s.recordLearnedResponse(ctx, tx, conv, h, req.ResolutionText); err != nil {
				return err
			}
		}

		if h != nil {
			if err := s.enqueueButtonState(ctx, tx, conv, h, cs, req, eff.HandoverStatus); err != nil {
				return err
			}
		}

		// A resolution that carries text is relayed to the end user; without
		// text the manager answered in-channel and no notice is needed.
		if eff.NotifyClosure && req.ResolutionText != "" {
			if err := s.enqueueResolutionText(ctx, tx, conv, req.ResolutionText); err != nil {
				return err
			}
		}

		if next != conv.State {
			metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(next)).Inc()
			ev.add(stateChanged(conv.ClientID, conv.ID, conv.State, next))
		}
		if h != nil && eff.HandoverStatus.Terminal() {
			ev.add(events.Event{
				ID:             uuid.New(),
				ClientID:       conv.ClientID,
				ConversationID: conv.ID,
				Type:           events.TypeHandoverClosed,
				OldState:       conv.State,
				NewState:       next,
				Metadata:       map[string]any{"handover_id": h.ID.String(), "status": string(eff.HandoverStatus)},
				CreatedAt:      now,
			})
		}
		return nil
	})
	if err != nil {
		return resp, err
	}
	ev.flush(ctx, s.events)

	resp.Success = true
	s.logger.WithConversation(tenantID, req.ConversationID.String()).Info("manager action applied",
		zap.String("action", string(req.Action)),
		zap.String("manager_id", req.ManagerID),
		zap.String("old_state", string(resp.OldState)),
		zap.String("new_state", string(resp.NewState)))
	return resp, nil
}

// AdminMute silences the bot on an active conversation for the given
// duration (the tenant's default when zero).
func (s *CallbackService) AdminMute(ctx context.Context, conversationID uuid.UUID, d time.Duration) (*model.CallbackResponse, error) {
	resp := &model.CallbackResponse{ConversationID: conversationID, Action: "admin_mute"}

	var ev eventBuffer
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		conv, err := s.store.GetConversationForUpdate(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		resp.OldState = conv.State

		if d <= 0 {
			cs, err := s.settings.Get(ctx, conv.ClientID)
			if err != nil {
				return err
			}
			d = cs.AdminMuteDuration
		}
		until := time.Now().UTC().Add(d)

		next, eff, err := fsm.Next(conv.State, fsm.EventAdminMute, fsm.Guards{
			Now:       time.Now().UTC(),
			MuteUntil: &until,
		})
		if err != nil {
			return err
		}
		resp.NewState = next

		if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, store.ConversationUpdate{
			State:     next,
			MuteUntil: eff.SetMuteUntil,
		}); err != nil {
			return err
		}
		metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(next)).Inc()
		ev.add(stateChanged(conv.ClientID, conv.ID, conv.State, next))
		return nil
	})
	if err != nil {
		return resp, err
	}
	ev.flush(ctx, s.events)
	resp.Success = true
	return resp, nil
}

// ForceClose resolves a conversation administratively, closing any open
// handover with a timeout status.
func (s *CallbackService) ForceClose(ctx context.Context, conversationID uuid.UUID) (*model.CallbackResponse, error) {
	resp := &model.CallbackResponse{ConversationID: conversationID, Action: "force_close"}

	var ev eventBuffer
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		conv, err := s.store.GetConversationForUpdate(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		resp.OldState = conv.State

		h, err := s.store.GetOpenHandover(ctx, tx, conv.ID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		g := fsm.Guards{Now: time.Now().UTC(), ActorIsAdmin: true}
		if h != nil {
			g.HandoverStatus = h.Status
		}
		next, eff, err := fsm.Next(conv.State, fsm.EventForceClose, g)
		if err != nil {
			return err
		}
		resp.NewState = next

		now := time.Now().UTC()
		if h != nil && eff.HandoverStatus != "" {
			if err := s.store.ApplyHandoverUpdate(ctx, tx, h.ID, store.HandoverUpdate{
				Status:   eff.HandoverStatus,
				ClosedAt: &now,
			}); err != nil {
				return err
			}
			metrics.HandoversTotal.WithLabelValues(conv.ClientID.String(), string(eff.HandoverStatus)).Inc()
		}
		if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, store.ConversationUpdate{
			State:               next,
			ClearMute:           eff.ClearMute,
			ClearActiveHandover: eff.ClearActiveHandover,
		}); err != nil {
			return err
		}
		if _, err := s.store.InsertMessage(ctx, tx, &model.Message{
			ID:             uuid.Must(uuid.NewV7()),
			ConversationID: conv.ID,
			ClientID:       conv.ClientID,
			Role:           model.RoleSystem,
			Content:        "conversation force-closed by admin",
		}); err != nil {
			return err
		}

		metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(next)).Inc()
		ev.add(stateChanged(conv.ClientID, conv.ID, conv.State, next))
		return nil
	})
	if err != nil {
		return resp, err
	}
	ev.flush(ctx, s.events)
	resp.Success = true
	return resp, nil
}

// recordLearnedResponse stores a pending Q/A pair from a resolved handover.
func (s *CallbackService) recordLearnedResponse(ctx context.Context, tx pgx.Tx, conv *model.Conversation, h *model.Handover, answer string) error {
	question, err := s.store.LastUserMessage(ctx, tx, conv.ID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.InsertLearnedResponse(ctx, tx, &model.LearnedResponse{
		ID:         uuid.Must(uuid.NewV7()),
		ClientID:   conv.ClientID,
		HandoverID: h.ID,
		Question:   question.Content,
		Answer:     answer,
		Status:     model.LearnedPendingApproval,
	})
}

// enqueueResolutionText relays the manager's written answer to the end user.
func (s *CallbackService) enqueueResolutionText(ctx context.Context, tx pgx.Tx, conv *model.Conversation, text string) error {
	user, err := s.store.GetUser(ctx, conv.UserID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	if _, err := s.store.InsertMessage(ctx, tx, &model.Message{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		Role:           model.RoleManager,
		Content:        text,
	}); err != nil {
		return err
	}
	_, _, err = s.store.Enqueue(ctx, tx, &model.OutboxMessage{
		ID:               uuid.Must(uuid.NewV7()),
		ClientID:         conv.ClientID,
		ConversationID:   conv.ID,
		InboundMessageID: uuid.Must(uuid.NewV7()),
		Kind:             model.OutboxClosureNotice,
		Channel:          userChannel(user),
		ChannelRef:       user.RemoteJID,
		Payload:          raw,
	})
	return err
}

// enqueueButtonState emits the operator-side button update envelope.
func (s *CallbackService) enqueueButtonState(ctx context.Context, tx pgx.Tx, conv *model.Conversation, h *model.Handover, cs *model.ClientSettings, req *model.CallbackRequest, status model.HandoverStatus) error {
	if status == "" {
		status = h.Status
	}
	payload := buttonStatePayload{
		HandoverID:  h.ID.String(),
		Action:      string(req.Action),
		Status:      string(status),
		ManagerID:   req.ManagerID,
		ManagerName: req.ManagerName,
	}
	if h.OperatorMessageID != nil {
		payload.MessageID = *h.OperatorMessageID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, _, err = s.store.Enqueue(ctx, tx, &model.OutboxMessage{
		ID:               uuid.Must(uuid.NewV7()),
		ClientID:         conv.ClientID,
		ConversationID:   conv.ID,
		InboundMessageID: uuid.Must(uuid.NewV7()),
		Kind:             model.OutboxOperatorButtons,
		Channel:          model.ChannelTelegram,
		ChannelRef:       cs.OperatorChatID,
		Payload:          raw,
	})
	return err
}
