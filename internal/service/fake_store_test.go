package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatlift/conversation-engine/internal/events"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/store"
)

// fakeTx satisfies pgx.Tx for code paths that only thread the transaction
// through; the fake store never touches it.
type fakeTx struct {
	pgx.Tx
}

// fakeStore is an in-memory Datastore. WithTx snapshots all state before the
// callback and restores it on error, so rollback semantics hold.
type fakeStore struct {
	now time.Time

	clients   map[uuid.UUID]*model.Client
	users     map[uuid.UUID]*model.User
	convs     map[uuid.UUID]*model.Conversation
	messages  []*model.Message
	handovers map[uuid.UUID]*model.Handover
	outbox    []*model.OutboxMessage
	learned   []*model.LearnedResponse

	commits int

	// failEnqueue makes the next Enqueue fail, forcing a rollback.
	failEnqueue bool
}

var errEnqueueFailed = errors.New("enqueue failed")

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		clients:   make(map[uuid.UUID]*model.Client),
		users:     make(map[uuid.UUID]*model.User),
		convs:     make(map[uuid.UUID]*model.Conversation),
		handovers: make(map[uuid.UUID]*model.Handover),
	}
}

func (f *fakeStore) addClient() *model.Client {
	c := &model.Client{ID: uuid.New(), Slug: "acme", Name: "Acme", Status: model.ClientActive}
	f.clients[c.ID] = c
	return c
}

func (f *fakeStore) addConversation(clientID uuid.UUID, state model.State) (*model.Conversation, *model.User) {
	u := &model.User{ID: uuid.New(), ClientID: clientID, RemoteJID: "79990001122@s.whatsapp.net"}
	f.users[u.ID] = u
	c := &model.Conversation{
		ID:       uuid.New(),
		ClientID: clientID,
		UserID:   u.ID,
		State:    state,
	}
	f.convs[c.ID] = c
	return c, u
}

func (f *fakeStore) addHandover(conv *model.Conversation, status model.HandoverStatus) *model.Handover {
	h := &model.Handover{
		ID:             uuid.New(),
		ClientID:       conv.ClientID,
		ConversationID: conv.ID,
		Status:         status,
		CreatedAt:      f.now.Add(-time.Hour),
	}
	f.handovers[h.ID] = h
	conv.ActiveHandoverID = &h.ID
	return h
}

func (f *fakeStore) outboxByKind(kind model.OutboxKind) []*model.OutboxMessage {
	var out []*model.OutboxMessage
	for _, o := range f.outbox {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// --- snapshot / restore ---

type fakeSnapshot struct {
	users     map[uuid.UUID]*model.User
	convs     map[uuid.UUID]*model.Conversation
	messages  []*model.Message
	handovers map[uuid.UUID]*model.Handover
	outbox    []*model.OutboxMessage
	learned   []*model.LearnedResponse
}

func (f *fakeStore) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		users:     make(map[uuid.UUID]*model.User, len(f.users)),
		convs:     make(map[uuid.UUID]*model.Conversation, len(f.convs)),
		handovers: make(map[uuid.UUID]*model.Handover, len(f.handovers)),
	}
	for id, u := range f.users {
		cp := *u
		s.users[id] = &cp
	}
	for id, c := range f.convs {
		cp := *c
		s.convs[id] = &cp
	}
	for id, h := range f.handovers {
		cp := *h
		s.handovers[id] = &cp
	}
	for _, m := range f.messages {
		cp := *m
		s.messages = append(s.messages, &cp)
	}
	for _, o := range f.outbox {
		cp := *o
		s.outbox = append(s.outbox, &cp)
	}
	for _, lr := range f.learned {
		cp := *lr
		s.learned = append(s.learned, &cp)
	}
	return s
}

func (f *fakeStore) restore(s fakeSnapshot) {
	f.users = s.users
	f.convs = s.convs
	f.messages = s.messages
	f.handovers = s.handovers
	f.outbox = s.outbox
	f.learned = s.learned
}

// --- Datastore ---

func (f *fakeStore) Pool() *pgxpool.Pool { return nil }

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	snap := f.snapshot()
	if err := fn(fakeTx{}); err != nil {
		f.restore(snap)
		return err
	}
	f.commits++
	return nil
}

func (f *fakeStore) Now(ctx context.Context) (time.Time, error) {
	return f.now, nil
}

func (f *fakeStore) GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	c, ok := f.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) GetBranch(ctx context.Context, id uuid.UUID) (*model.Branch, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertUser(ctx context.Context, db store.DB, clientID uuid.UUID, remoteJID string, profile model.UserProfile) (*model.User, error) {
	for _, u := range f.users {
		if u.ClientID == clientID && u.RemoteJID == remoteJID {
			u.Name = profile.Name
			u.Phone = profile.Phone
			return u, nil
		}
	}
	u := &model.User{
		ID:        uuid.New(),
		ClientID:  clientID,
		RemoteJID: remoteJID,
		Name:      profile.Name,
		Phone:     profile.Phone,
	}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetOrCreateConversation(ctx context.Context, db store.DB, clientID, userID uuid.UUID, branchID *uuid.UUID) (*model.Conversation, bool, error) {
	for _, c := range f.convs {
		if c.ClientID == clientID && c.UserID == userID && !c.State.Terminal() {
			cp := *c
			return &cp, false, nil
		}
	}
	c := &model.Conversation{
		ID:       uuid.New(),
		ClientID: clientID,
		UserID:   userID,
		BranchID: branchID,
		State:    model.StateBotActive,
	}
	f.convs[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (f *fakeStore) GetConversationForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ApplyConversationUpdate(ctx context.Context, db store.DB, id uuid.UUID, u store.ConversationUpdate) error {
	c, ok := f.convs[id]
	if !ok {
		return store.ErrNotFound
	}
	c.State = u.State
	if u.MuteUntil != nil {
		c.MuteUntil = u.MuteUntil
	}
	if u.ClearMute {
		c.MuteUntil = nil
	}
	if u.ActiveHandoverID != nil {
		c.ActiveHandoverID = u.ActiveHandoverID
	}
	if u.ClearActiveHandover {
		c.ActiveHandoverID = nil
	}
	if u.LastBotReplyAt != nil {
		c.LastBotReplyAt = u.LastBotReplyAt
	}
	if u.Summary != nil {
		c.Summary = *u.Summary
	}
	return nil
}

func (f *fakeStore) FindStuckEscalating(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	for _, c := range f.convs {
		if c.State != model.StateEscalating {
			continue
		}
		if f.openHandover(c.ID) == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordInbound(ctx context.Context, db store.DB, m *model.Message) (*model.Message, bool, error) {
	if m.ExternalID != nil {
		for _, prev := range f.messages {
			if prev.ClientID == m.ClientID && prev.ExternalID != nil && *prev.ExternalID == *m.ExternalID {
				cp := *prev
				return &cp, false, nil
			}
		}
	}
	inserted, err := f.InsertMessage(ctx, db, m)
	return inserted, true, err
}

func (f *fakeStore) InsertMessage(ctx context.Context, db store.DB, m *model.Message) (*model.Message, error) {
	cp := *m
	cp.CreatedAt = f.now
	f.messages = append(f.messages, &cp)
	out := cp
	return &out, nil
}

func (f *fakeStore) TouchLastInbound(ctx context.Context, db store.DB, id uuid.UUID, at time.Time) error {
	if c, ok := f.convs[id]; ok {
		c.LastInboundAt = &at
	}
	return nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, db store.DB, conversationID uuid.UUID, n int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (f *fakeStore) LastUserMessage(ctx context.Context, db store.DB, conversationID uuid.UUID) (*model.Message, error) {
	for i := len(f.messages) - 1; i >= 0; i-- {
		m := f.messages[i]
		if m.ConversationID == conversationID && m.Role == model.RoleUser {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetActivePrompt(ctx context.Context, clientID uuid.UUID) (*model.Prompt, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) openHandover(conversationID uuid.UUID) *model.Handover {
	for _, h := range f.handovers {
		if h.ConversationID == conversationID && !h.Status.Terminal() {
			return h
		}
	}
	return nil
}

func (f *fakeStore) GetOpenHandover(ctx context.Context, db store.DB, conversationID uuid.UUID) (*model.Handover, error) {
	if h := f.openHandover(conversationID); h != nil {
		cp := *h
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateHandover(ctx context.Context, db store.DB, h *model.Handover) (*model.Handover, error) {
	cp := *h
	cp.CreatedAt = f.now
	f.handovers[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) ApplyHandoverUpdate(ctx context.Context, db store.DB, id uuid.UUID, u store.HandoverUpdate) error {
	h, ok := f.handovers[id]
	if !ok {
		return store.ErrNotFound
	}
	h.Status = u.Status
	if u.TakenByID != nil {
		h.TakenByID = u.TakenByID
	}
	if u.TakenByName != nil {
		h.TakenByName = u.TakenByName
	}
	if u.ResolvedByID != nil {
		h.ResolvedByID = u.ResolvedByID
	}
	if u.ResolvedByName != nil {
		h.ResolvedByName = u.ResolvedByName
	}
	if u.ClosedAt != nil {
		h.ClosedAt = u.ClosedAt
	}
	return nil
}

func (f *fakeStore) StampReminderSent(ctx context.Context, db store.DB, handoverID uuid.UUID, level int) (bool, error) {
	h, ok := f.handovers[handoverID]
	if !ok || h.Status != model.HandoverPending {
		return false, nil
	}
	switch level {
	case 1:
		if h.Reminder1SentAt != nil {
			return false, nil
		}
		h.Reminder1SentAt = &f.now
	case 2:
		if h.Reminder2SentAt != nil {
			return false, nil
		}
		h.Reminder2SentAt = &f.now
	default:
		return false, nil
	}
	return true, nil
}

func (f *fakeStore) FindOrphanHandovers(ctx context.Context) ([]model.Handover, error) {
	var out []model.Handover
	for _, h := range f.handovers {
		if h.Status.Terminal() {
			continue
		}
		if c, ok := f.convs[h.ConversationID]; ok && c.State.Terminal() {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (f *fakeStore) Enqueue(ctx context.Context, db store.DB, o *model.OutboxMessage) (*model.OutboxMessage, bool, error) {
	if f.failEnqueue {
		return nil, false, errEnqueueFailed
	}
	for _, prev := range f.outbox {
		if prev.ClientID == o.ClientID && prev.InboundMessageID == o.InboundMessageID {
			cp := *prev
			return &cp, false, nil
		}
	}
	cp := *o
	cp.Status = model.OutboxPending
	cp.CreatedAt = f.now
	f.outbox = append(f.outbox, &cp)
	out := cp
	return &out, true, nil
}

func (f *fakeStore) CountPending(ctx context.Context) (int, error) {
	n := 0
	for _, o := range f.outbox {
		if o.Status == model.OutboxPending {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ResolveAgent(ctx context.Context, db store.DB, clientID uuid.UUID, channel model.Channel, externalID, name string) (*model.Agent, error) {
	if name == "" {
		name = externalID
	}
	return &model.Agent{ID: uuid.New(), ClientID: clientID, Name: name}, nil
}

func (f *fakeStore) InsertLearnedResponse(ctx context.Context, db store.DB, lr *model.LearnedResponse) error {
	cp := *lr
	f.learned = append(f.learned, &cp)
	return nil
}

// recordingSink collects published lifecycle events.
type recordingSink struct {
	published []events.Event
}

func (r *recordingSink) Publish(ctx context.Context, e events.Event) {
	r.published = append(r.published, e)
}

// fakeSettings serves one settings struct for every tenant.
type fakeSettings struct {
	cs *model.ClientSettings
}

func (f *fakeSettings) Get(ctx context.Context, clientID uuid.UUID) (*model.ClientSettings, error) {
	if f.cs != nil {
		return f.cs, nil
	}
	return model.DefaultSettings(clientID), nil
}
