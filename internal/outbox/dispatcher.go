// Package outbox dispatches persisted outbound envelopes to channel
// adapters with at-least-once delivery and exponential backoff.
package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/alert"
	"github.com/chatlift/conversation-engine/internal/channel"
	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// Config tunes the dispatcher.
type Config struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  int
	Visibility  time.Duration
}

// Dispatcher claims PENDING envelopes and pushes them through the channel
// adapter, recording the outcome on each envelope.
type Dispatcher struct {
	store  *store.Store
	sender channel.Sender
	alerts *alert.Notifier
	events *events.Publisher
	logger *logger.Logger
	cfg    Config
}

// NewDispatcher wires a dispatcher over the store and channel adapter.
func NewDispatcher(st *store.Store, sender channel.Sender, alerts *alert.Notifier, pub *events.Publisher, log *logger.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:  st,
		sender: sender,
		alerts: alerts,
		events: pub,
		logger: log,
		cfg:    cfg,
	}
}

// disposition is the outcome of one dispatch attempt.
type disposition int

const (
	dispositionSent disposition = iota
	dispositionRetry
	dispositionDead
)

// decide maps a dispatch result onto the envelope's next status. attempts is
// the count before this attempt.
func decide(attempts, maxAttempts int, sendErr *channel.SendError) disposition {
	if sendErr == nil {
		return dispositionSent
	}
	if !sendErr.Retryable {
		return dispositionDead
	}
	if attempts+1 >= maxAttempts {
		return dispositionDead
	}
	return dispositionRetry
}

// RunOnce claims one batch and dispatches it. Failures on individual
// envelopes are isolated; the batch keeps going. Returns the number of
// envelopes dispatched successfully.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.cfg.Visibility)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, &batch[i]) {
			sent++
		}
	}

	if depth, err := d.store.CountPending(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}
	return sent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, env *model.OutboxMessage) bool {
	start := time.Now()
	res, err := d.sender.Send(ctx, env.Channel, env.ChannelRef, env.Payload)
	elapsed := time.Since(start)

	var sendErr *channel.SendError
	if err != nil {
		sendErr = channel.Classify(err)
	}

	log := d.logger.With(
		zap.String("envelope_id", env.ID.String()),
		zap.String("conversation_id", env.ConversationID.String()),
		zap.String("kind", string(env.Kind)),
		zap.Int("attempts", env.Attempts))

	switch decide(env.Attempts, d.cfg.MaxAttempts, sendErr) {
	case dispositionSent:
		metrics.OutboxDispatchDuration.WithLabelValues(string(env.Channel), "sent").Observe(elapsed.Seconds())
		if err := d.store.MarkSent(ctx, env.ID); err != nil {
			log.Error("failed to mark envelope sent", zap.Error(err))
			return false
		}
		metrics.OutboxTransitionsTotal.WithLabelValues("SENT").Inc()
		if env.Kind == model.OutboxOperatorNotify {
			d.recordOperatorRefs(ctx, env, res, log)
		}
		return true

	case dispositionRetry:
		metrics.OutboxDispatchDuration.WithLabelValues(string(env.Channel), "retry").Observe(elapsed.Seconds())
		next := NextBackoff(time.Now(), env.Attempts, d.cfg.BackoffBase, d.cfg.BackoffCap, sendErr.RetryAfter)
		if err := d.store.MarkRetry(ctx, env.ID, next, sendErr.Error()); err != nil {
			log.Error("failed to mark envelope for retry", zap.Error(err))
			return false
		}
		metrics.OutboxTransitionsTotal.WithLabelValues("PENDING").Inc()
		log.Warn("envelope dispatch failed, will retry",
			zap.Time("next_attempt_at", next), zap.String("reason", sendErr.Reason))
		return false

	default: // dispositionDead
		metrics.OutboxDispatchDuration.WithLabelValues(string(env.Channel), "dead").Observe(elapsed.Seconds())
		if err := d.store.MarkDead(ctx, env.ID, sendErr.Error()); err != nil {
			log.Error("failed to mark envelope dead", zap.Error(err))
			return false
		}
		metrics.OutboxTransitionsTotal.WithLabelValues("DEAD").Inc()
		log.Error("envelope dead", zap.String("reason", sendErr.Reason))

		d.alerts.Warn(ctx, "outbox envelope dead", map[string]string{
			"envelope_id":     env.ID.String(),
			"conversation_id": env.ConversationID.String(),
			"kind":            string(env.Kind),
			"reason":          sendErr.Reason,
		})
		d.events.Publish(ctx, events.Event{
			ID:             uuid.New(),
			ClientID:       env.ClientID,
			ConversationID: env.ConversationID,
			Type:           events.TypeEnvelopeDead,
			Metadata:       map[string]any{"envelope_id": env.ID.String(), "reason": sendErr.Reason},
			CreatedAt:      time.Now().UTC(),
		})
		return false
	}
}

// recordOperatorRefs stamps channel-side references from an operator
// notification ack: the message id onto the handover (button edits target it)
// and the forum topic onto the user (later notifications reuse the thread).
// For operator notifications the dedup key is the handover id. Best effort;
// the envelope is already SENT.
func (d *Dispatcher) recordOperatorRefs(ctx context.Context, env *model.OutboxMessage, res channel.SendResult, log *logger.Logger) {
	if res.ExternalID != "" {
		if err := d.store.SetOperatorMessageID(ctx, env.InboundMessageID, res.ExternalID); err != nil {
			log.Warn("failed to record operator message id", zap.Error(err))
		}
	}
	if res.TopicID != 0 {
		conv, err := d.store.GetConversation(ctx, d.store.Pool(), env.ConversationID)
		if err != nil {
			log.Warn("failed to load conversation for topic stamp", zap.Error(err))
			return
		}
		if err := d.store.SetOperatorTopic(ctx, conv.UserID, res.TopicID); err != nil {
			log.Warn("failed to record operator topic", zap.Error(err))
		}
	}
}

// Janitor reopens envelopes stuck IN_FLIGHT past the visibility timeout
// (a worker died mid-dispatch). Returns how many were released.
func (d *Dispatcher) Janitor(ctx context.Context) (int, error) {
	ids, err := d.store.ReleaseStuck(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		d.logger.Warn("released stuck envelopes", zap.Int("count", len(ids)))
		metrics.OutboxTransitionsTotal.WithLabelValues("RELEASED").Add(float64(len(ids)))
		d.alerts.Warn(ctx, "stuck outbox envelopes released", map[string]string{
			"count": strconv.Itoa(len(ids)),
		})
	}
	return len(ids), nil
}
