package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/alert"
	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// HealthService detects and repairs inconsistent lifecycle state left behind
// by crashes: conversations stuck escalating without a handover, handovers
// outliving their resolved conversation, and envelopes stuck in flight.
type HealthService struct {
	store  Datastore
	alerts *alert.Notifier
	events EventSink
	logger *logger.Logger
}

// NewHealthService wires the health service.
func NewHealthService(st Datastore, alerts *alert.Notifier, sink EventSink, log *logger.Logger) *HealthService {
	return &HealthService{store: st, alerts: alerts, events: sink, logger: log}
}

// Snapshot is the admin-facing health summary.
type Snapshot struct {
	DatabaseOK      bool      `json:"database_ok"`
	DatabaseTime    time.Time `json:"database_time"`
	PendingOutbox   int       `json:"pending_outbox"`
	StuckEscalating int       `json:"stuck_escalating"`
	OrphanHandovers int       `json:"orphan_handovers"`
}

// Snapshot reports current inconsistencies without repairing them. The
// database round-trip reads the server clock, which the response echoes so
// clock skew between the API host and Postgres is visible.
func (s *HealthService) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	if dbNow, err := s.store.Now(ctx); err == nil {
		snap.DatabaseOK = true
		snap.DatabaseTime = dbNow
	}

	if n, err := s.store.CountPending(ctx); err == nil {
		snap.PendingOutbox = n
	}
	if convs, err := s.store.FindStuckEscalating(ctx); err == nil {
		snap.StuckEscalating = len(convs)
	}
	if hs, err := s.store.FindOrphanHandovers(ctx); err == nil {
		snap.OrphanHandovers = len(hs)
	}
	return snap, nil
}

// Run performs one heal pass. Each repair emits a WARN alert with the entity
// ids touched; one entity's failure never aborts the pass.
func (s *HealthService) Run(ctx context.Context) {
	s.healStuckEscalating(ctx)
	s.healOrphanHandovers(ctx)
}

// healStuckEscalating returns escalating conversations with no open handover
// to bot_active; the escalation context is lost, so reopening one would page
// an operator with nothing to act on.
func (s *HealthService) healStuckEscalating(ctx context.Context) {
	convs, err := s.store.FindStuckEscalating(ctx)
	if err != nil {
		s.logger.Error("stuck-escalating scan failed", zap.Error(err))
		metrics.SweepErrorsTotal.WithLabelValues("health").Inc()
		return
	}

	for i := range convs {
		conv := &convs[i]
		var ev eventBuffer
		err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
			locked, err := s.store.GetConversationForUpdate(ctx, tx, conv.ID)
			if err != nil {
				return err
			}
			if locked.State != model.StateEscalating {
				return nil
			}
			if _, err := s.store.GetOpenHandover(ctx, tx, locked.ID); err == nil {
				return nil // a handover appeared between scan and lock
			} else if err != store.ErrNotFound {
				return err
			}

			if err := s.store.ApplyConversationUpdate(ctx, tx, locked.ID, store.ConversationUpdate{
				State:               model.StateBotActive,
				ClearMute:           true,
				ClearActiveHandover: true,
			}); err != nil {
				return err
			}

			metrics.HealsTotal.WithLabelValues("stuck_escalating").Inc()
			metrics.StateTransitionsTotal.WithLabelValues(string(model.StateEscalating), string(model.StateBotActive)).Inc()
			ev.add(events.Event{
				ID:             uuid.New(),
				ClientID:       locked.ClientID,
				ConversationID: locked.ID,
				Type:           events.TypeConversationHeal,
				OldState:       model.StateEscalating,
				NewState:       model.StateBotActive,
				Metadata:       map[string]any{"heal": "stuck_escalating"},
				CreatedAt:      time.Now().UTC(),
			})
			s.alerts.Warn(ctx, "healed stuck escalating conversation", map[string]string{
				"conversation_id": locked.ID.String(),
				"client_id":       locked.ClientID.String(),
			})
			return nil
		})
		if err != nil {
			s.logger.Error("stuck-escalating heal failed",
				zap.String("conversation_id", conv.ID.String()), zap.Error(err))
			metrics.SweepErrorsTotal.WithLabelValues("health").Inc()
			continue
		}
		ev.flush(ctx, s.events)
	}
}

// healOrphanHandovers closes non-terminal handovers whose conversation has
// already resolved.
func (s *HealthService) healOrphanHandovers(ctx context.Context) {
	hs, err := s.store.FindOrphanHandovers(ctx)
	if err != nil {
		s.logger.Error("orphan-handover scan failed", zap.Error(err))
		metrics.SweepErrorsTotal.WithLabelValues("health").Inc()
		return
	}

	for i := range hs {
		h := &hs[i]
		err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			if err := s.store.ApplyHandoverUpdate(ctx, tx, h.ID, store.HandoverUpdate{
				Status:   model.HandoverTimeout,
				ClosedAt: &now,
			}); err != nil {
				return err
			}
			metrics.HealsTotal.WithLabelValues("orphan_handover").Inc()
			metrics.HandoversTotal.WithLabelValues(h.ClientID.String(), string(model.HandoverTimeout)).Inc()
			s.alerts.Warn(ctx, "closed orphan handover", map[string]string{
				"handover_id":     h.ID.String(),
				"conversation_id": h.ConversationID.String(),
			})
			return nil
		})
		if err != nil {
			s.logger.Error("orphan-handover heal failed",
				zap.String("handover_id", h.ID.String()), zap.Error(err))
			metrics.SweepErrorsTotal.WithLabelValues("health").Inc()
		}
	}
}
