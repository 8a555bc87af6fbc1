package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
)

// Datastore is the persistence surface the services depend on. *store.Store
// implements it; tests substitute an in-memory fake.
type Datastore interface {
	Pool() *pgxpool.Pool
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	Now(ctx context.Context) (time.Time, error)

	GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error)
	GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error)
	UpsertUser(ctx context.Context, db store.DB, clientID uuid.UUID, remoteJID string, profile model.UserProfile) (*model.User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)

	GetOrCreateConversation(ctx context.Context, db store.DB, clientID, userID uuid.UUID, branchID *uuid.UUID) (*model.Conversation, bool, error)
	GetConversationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Conversation, error)
	ApplyConversationUpdate(ctx context.Context, db store.DB, id uuid.UUID, u store.ConversationUpdate) error
	FindStuckEscalating(ctx context.Context) ([]model.Conversation, error)

	RecordInbound(ctx context.Context, db store.DB, m *model.Message) (*model.Message, bool, error)
	InsertMessage(ctx context.Context, db store.DB, m *model.Message) (*model.Message, error)
	TouchLastInbound(ctx context.Context, db store.DB, id uuid.UUID, at time.Time) error
	RecentMessages(ctx context.Context, db store.DB, conversationID uuid.UUID, n int) ([]model.Message, error)
	LastUserMessage(ctx context.Context, db store.DB, conversationID uuid.UUID) (*model.Message, error)
	GetActivePrompt(ctx context.Context, clientID uuid.UUID) (*model.Prompt, error)

	GetOpenHandover(ctx context.Context, db store.DB, conversationID uuid.UUID) (*model.Handover, error)
	CreateHandover(ctx context.Context, db store.DB, h *model.Handover) (*model.Handover, error)
	ApplyHandoverUpdate(ctx context.Context, db store.DB, id uuid.UUID, u store.HandoverUpdate) error
	StampReminderSent(ctx context.Context, db store.DB, handoverID uuid.UUID, level int) (bool, error)
	FindOrphanHandovers(ctx context.Context) ([]model.Handover, error)

	Enqueue(ctx context.Context, db store.DB, o *model.OutboxMessage) (*model.OutboxMessage, bool, error)
	CountPending(ctx context.Context) (int, error)

	ResolveAgent(ctx context.Context, db store.DB, clientID uuid.UUID, channel model.Channel, externalID, name string) (*model.Agent, error)
	InsertLearnedResponse(ctx context.Context, db store.DB, lr *model.LearnedResponse) error
}

// SettingsSource resolves per-tenant settings. *store.SettingsProvider
// implements it.
type SettingsSource interface {
	Get(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error)
}

// EventSink receives lifecycle events. *events.Publisher implements it.
type EventSink interface {
	Publish(ctx context.Context, e events.Event)
}

// eventBuffer collects lifecycle events raised inside a transaction for
// publication after commit. A rolled-back transaction must not leak events
// onto the feed.
type eventBuffer struct {
	pending []events.Event
}

func (b *eventBuffer) add(e events.Event) {
	b.pending = append(b.pending, e)
}

func (b *eventBuffer) flush(ctx context.Context, sink EventSink) {
	for _, e := range b.pending {
		sink.Publish(ctx, e)
	}
	b.pending = nil
}

func stateChanged(clientID, conversationID uuid.UUID, oldState, newState model.State) events.Event {
	return events.Event{
		ID:             uuid.Must(uuid.NewV7()),
		ClientID:       clientID,
		ConversationID: conversationID,
		Type:           events.TypeStateChanged,
		OldState:       oldState,
		NewState:       newState,
		CreatedAt:      time.Now().UTC(),
	}
}
