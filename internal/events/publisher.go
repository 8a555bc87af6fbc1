package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// Type labels a lifecycle event.
type Type string

const (
	TypeStateChanged     Type = "state_changed"
	TypeHandoverOpened   Type = "handover_opened"
	TypeHandoverClosed   Type = "handover_closed"
	TypeEnvelopeDead     Type = "envelope_dead"
	TypeConversationHeal Type = "conversation_heal"
)

// Event is one lifecycle event on the feed.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	ClientID       uuid.UUID      `json:"client_id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Type           Type           `json:"type"`
	OldState       model.State    `json:"old_state,omitempty"`
	NewState       model.State    `json:"new_state,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Publisher publishes lifecycle events to JetStream.
type Publisher struct {
	client *Client
	logger *logger.Logger
}

// NewPublisher creates a publisher over an established client. A nil client
// produces a disabled publisher that drops events.
func NewPublisher(client *Client, log *logger.Logger) *Publisher {
	return &Publisher{client: client, logger: log}
}

// EnsureStream ensures the conversations stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	js := p.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject for an event.
func Subject(clientID, conversationID uuid.UUID, eventType Type) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, clientID, conversationID, eventType)
}

// Publish emits one event, fire-and-forget. Failures are logged, never
// propagated: the feed must not block the transaction that produced the
// event.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p.client == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV7())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("failed to marshal lifecycle event", zap.Error(err))
		return
	}

	subject := Subject(e.ClientID, e.ConversationID, e.Type)
	if _, err := p.client.JetStream().Publish(ctx, subject, data); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}
