// Package service implements the conversation lifecycle operations on top of
// the store, the state machine, and the external adapters.
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

// EscalationService opens and closes handover envelopes.
type EscalationService struct {
	store    Datastore
	settings SettingsSource
	events   EventSink
	logger   *logger.Logger
}

// NewEscalationService wires the escalation service.
func NewEscalationService(st Datastore, settings SettingsSource, sink EventSink, log *logger.Logger) *EscalationService {
	return &EscalationService{store: st, settings: settings, events: sink, logger: log}
}

// ComputeReminderDeadlines derives absolute due times from the handover's
// creation time and the tenant's timer settings.
func ComputeReminderDeadlines(h *model.Handover, s *model.ClientSettings) model.ReminderDeadlines {
	return model.ReminderDeadlines{
		Reminder1Due: h.CreatedAt.Add(s.Reminder1Delay),
		Reminder2Due: h.CreatedAt.Add(s.Reminder2Delay),
		AutoCloseDue: h.CreatedAt.Add(s.AutoCloseDelay),
	}
}

// operatorNotifyPayload is the opaque envelope payload for the operator
// notification sent when a handover opens.
type operatorNotifyPayload struct {
	HandoverID     string `json:"handover_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
	Summary        string `json:"summary,omitempty"`
	UserName       string `json:"user_name,omitempty"`
	UserRef        string `json:"user_ref,omitempty"`
	TopicID        int64  `json:"topic_id,omitempty"`
}

// Escalate opens a handover for the conversation inside the caller's
// transaction. When a non-terminal handover already exists it is returned
// unchanged; re-entry is idempotent. Lifecycle events go into ev for
// publication after the caller commits.
func (s *EscalationService) Escalate(ctx context.Context, tx pgx.Tx, conv *model.Conversation, user *model.User, reason, summary string, ev *eventBuffer) (*model.Handover, error) {
	if existing, err := s.store.GetOpenHandover(ctx, tx, conv.ID); err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	next, eff, err := fsm.Next(conv.State, fsm.EventEscalate, fsm.Guards{Now: time.Now().UTC()})
	if err != nil {
		return nil, err
	}

	h, err := s.store.CreateHandover(ctx, tx, &model.Handover{
		ID:             uuid.Must(uuid.NewV7()),
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Status:         model.HandoverPending,
		Reason:         reason,
		Summary:        summary,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handover: %w", err)
	}

	upd := store.ConversationUpdate{State: next, ActiveHandoverID: &h.ID}
	if eff.SetMuteForever {
		upd.MuteUntil = &model.MuteForever
	}
	if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, upd); err != nil {
		return nil, err
	}

	if eff.NotifyOperator {
		if err := s.enqueueOperatorNotify(ctx, tx, conv, user, h); err != nil {
			return nil, err
		}
	}

	metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(next)).Inc()
	metrics.HandoversTotal.WithLabelValues(conv.ClientID.String(), string(model.HandoverPending)).Inc()
	ev.add(events.Event{
		ID:             uuid.Must(uuid.NewV7()),
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Type:           events.TypeHandoverOpened,
		OldState:       conv.State,
		NewState:       next,
		Metadata:       map[string]any{"handover_id": h.ID.String(), "reason": reason},
		CreatedAt:      time.Now().UTC(),
	})
	s.logger.WithConversation(conv.ClientID.String(), conv.ID.String()).Info("handover opened",
		zap.String("handover_id", h.ID.String()), zap.String("reason", reason))

	conv.State = next
	return h, nil
}

// enqueueOperatorNotify writes the operator-facing notification envelope.
// The handover id doubles as the dedup key, so a re-run cannot notify twice.
func (s *EscalationService) enqueueOperatorNotify(ctx context.Context, tx pgx.Tx, conv *model.Conversation, user *model.User, h *model.Handover) error {
	cs, err := s.settings.Get(ctx, conv.ClientID)
	if err != nil {
		return err
	}
	payload := operatorNotifyPayload{
		HandoverID:     h.ID.String(),
		ConversationID: conv.ID.String(),
		Reason:         h.Reason,
		Summary:        h.Summary,
	}
	if user != nil {
		payload.UserName = user.Name
		payload.UserRef = user.RemoteJID
		if user.OperatorTopicID != nil {
			payload.TopicID = *user.OperatorTopicID
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, _, err = s.store.Enqueue(ctx, tx, &model.OutboxMessage{
		ID:               uuid.Must(uuid.NewV7()),
		ClientID:         conv.ClientID,
		ConversationID:   conv.ID,
		InboundMessageID: h.ID,
		Kind:             model.OutboxOperatorNotify,
		Channel:          model.ChannelTelegram,
		ChannelRef:       cs.OperatorChatID,
		Payload:          raw,
	})
	return err
}

// CancelEscalation closes a handover with a terminal status inside the
// caller's transaction: the conversation unmutes, the envelope closes, a
// bookkeeping message is recorded, and the user is notified.
func (s *EscalationService) CancelEscalation(ctx context.Context, tx pgx.Tx, conv *model.Conversation, h *model.Handover, status model.HandoverStatus, actorID, actorName string, ev *eventBuffer) error {
	now := time.Now().UTC()

	nextState := model.StateResolved
	if status == model.HandoverTimeout || status == model.HandoverReturned {
		nextState = model.StateBotActive
	}

	hu := store.HandoverUpdate{Status: status, ClosedAt: &now}
	if actorID != "" {
		hu.ResolvedByID = &actorID
	}
	if actorName != "" {
		hu.ResolvedByName = &actorName
	}
	if err := s.store.ApplyHandoverUpdate(ctx, tx, h.ID, hu); err != nil {
		return err
	}

	if err := s.store.ApplyConversationUpdate(ctx, tx, conv.ID, store.ConversationUpdate{
		State:               nextState,
		ClearMute:           true,
		ClearActiveHandover: true,
	}); err != nil {
		return err
	}

	note := fmt.Sprintf("handover closed: %s", status)
	if actorID != "" {
		note = fmt.Sprintf("handover closed: %s by %s", status, actorID)
	}
	if _, err := s.store.InsertMessage(ctx, tx, &model.Message{
		ID:             uuid.Must(uuid.NewV7()),
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		Role:           model.RoleSystem,
		Content:        note,
	}); err != nil {
		return err
	}

	metrics.StateTransitionsTotal.WithLabelValues(string(conv.State), string(nextState)).Inc()
	metrics.HandoversTotal.WithLabelValues(conv.ClientID.String(), string(status)).Inc()
	ev.add(events.Event{
		ID:             uuid.Must(uuid.NewV7()),
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Type:           events.TypeHandoverClosed,
		OldState:       conv.State,
		NewState:       nextState,
		Metadata:       map[string]any{"handover_id": h.ID.String(), "status": string(status)},
		CreatedAt:      now,
	})

	conv.State = nextState
	return nil
}

// AutoClose applies a timeout closure to a pending handover past its
// deadline. The predicate re-checks under the row lock, so duplicate sweeps
// are no-ops.
func (s *EscalationService) AutoClose(ctx context.Context, h *model.Handover) error {
	var ev eventBuffer
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		conv, err := s.store.GetConversationForUpdate(ctx, tx, h.ConversationID)
		if err != nil {
			return err
		}
		current, err := s.store.GetOpenHandover(ctx, tx, conv.ID)
		if err == store.ErrNotFound {
			return nil // closed by a manager between sweep select and lock
		}
		if err != nil {
			return err
		}
		if current.ID != h.ID || current.Status != model.HandoverPending {
			return nil
		}

		cs, err := s.settings.Get(ctx, conv.ClientID)
		if err != nil {
			return err
		}
		_, eff, err := fsm.Next(conv.State, fsm.EventAutoClose, fsm.Guards{
			Now:               time.Now().UTC(),
			HandoverStatus:    current.Status,
			HandoverCreatedAt: current.CreatedAt,
			AutoCloseDelay:    cs.AutoCloseDelay,
		})
		if err != nil {
			return err
		}

		if err := s.CancelEscalation(ctx, tx, conv, current, model.HandoverTimeout, "", "", &ev); err != nil {
			return err
		}
		if eff.NotifyClosure {
			return s.enqueueClosureNotice(ctx, tx, conv, cs)
		}
		return nil
	})
	if err != nil {
		return err
	}
	ev.flush(ctx, s.events)
	return nil
}

// reminderPayload is the operator reminder envelope body.
type reminderPayload struct {
	HandoverID     string `json:"handover_id"`
	ConversationID string `json:"conversation_id"`
	Level          int    `json:"level"`
	Summary        string `json:"summary,omitempty"`
}

// EmitReminder enqueues one operator reminder for a due handover. The stamp
// and the envelope commit together: a failed enqueue rolls the stamp back,
// so the reminder is retried on the next sweep rather than lost.
func (s *EscalationService) EmitReminder(ctx context.Context, h *model.Handover, level int) error {
	cs, err := s.settings.Get(ctx, h.ClientID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(reminderPayload{
		HandoverID:     h.ID.String(),
		ConversationID: h.ConversationID.String(),
		Level:          level,
		Summary:        h.Summary,
	})
	if err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx pgx.Tx) error {
		won, err := s.store.StampReminderSent(ctx, tx, h.ID, level)
		if err != nil {
			return err
		}
		if !won {
			return nil // stamped by the polling adapter or a concurrent sweep
		}
		_, _, err = s.store.Enqueue(ctx, tx, &model.OutboxMessage{
			ID:               uuid.Must(uuid.NewV7()),
			ClientID:         h.ClientID,
			ConversationID:   h.ConversationID,
			InboundMessageID: uuid.Must(uuid.NewV7()),
			Kind:             model.OutboxOperatorReminder,
			Channel:          model.ChannelTelegram,
			ChannelRef:       cs.OperatorChatID,
			Payload:          raw,
		})
		return err
	})
}

// enqueueClosureNotice tells the end user their question was closed without
// a manager reply.
func (s *EscalationService) enqueueClosureNotice(ctx context.Context, tx pgx.Tx, conv *model.Conversation, cs *model.ClientSettings) error {
	user, err := s.store.GetUser(ctx, conv.UserID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]string{
		"text": "К сожалению, менеджер не успел ответить. Напишите нам ещё раз, и мы обязательно поможем.",
	})
	if err != nil {
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

// userChannel infers the user's channel from the identifier shape: WhatsApp
// JIDs carry an @ suffix, Telegram ids are numeric.
func userChannel(u *model.User) model.Channel {
	for i := 0; i < len(u.RemoteJID); i++ {
		if u.RemoteJID[i] == '@' {
			return model.ChannelWhatsApp
		}
	}
	return model.ChannelTelegram
}
