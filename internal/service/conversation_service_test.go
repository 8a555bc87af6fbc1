package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/llm"
	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// fakeLLM returns a canned completion; onComplete runs before returning, so
// tests can mutate state while the "model" is thinking.
type fakeLLM struct {
	reply      string
	onComplete func()
}

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.onComplete != nil {
		f.onComplete()
	}
	return &llm.CompletionResponse{Content: f.reply, Model: "fake"}, nil
}

func (f *fakeLLM) Name() string     { return "fake" }
func (f *fakeLLM) Models() []string { return nil }

func newConversationService(fs *fakeStore, client *fakeLLM, sink *recordingSink, log *logger.Logger) *ConversationService {
	settings := &fakeSettings{}
	esc := NewEscalationService(fs, settings, sink, log)
	return NewConversationService(fs, settings, nil, client, esc, sink, log)
}

func inboundRequest(client model.Client, messageID string) *model.InboundRequest {
	return &model.InboundRequest{
		ClientID:  client.ID,
		RemoteJID: "79990001122@s.whatsapp.net",
		Content:   "Какие у вас часы работы?",
		Channel:   model.ChannelWhatsApp,
		MessageID: messageID,
	}
}

func TestHandleInboundRetryDoesNotDoubleReply(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	sink := &recordingSink{}
	svc := newConversationService(fs, &fakeLLM{reply: `{"classification":"answer","text":"С 9 до 18"}`}, sink, testLogger(t))

	req := inboundRequest(*client, "wamid.retry-1")
	resp, err := svc.HandleInbound(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if resp.BotResponse != "С 9 до 18" {
		t.Fatalf("BotResponse = %q, want answer text", resp.BotResponse)
	}
	if got := len(fs.outboxByKind(model.OutboxBotReply)); got != 1 {
		t.Fatalf("bot_reply envelopes = %d, want 1", got)
	}
	if got := len(fs.messages); got != 2 {
		t.Fatalf("messages = %d, want user + assistant", got)
	}

	// The channel redelivers the same webhook.
	resp2, err := svc.HandleInbound(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleInbound retry: %v", err)
	}
	if !resp2.Success {
		t.Error("retry should succeed")
	}
	if resp2.ConversationID != resp.ConversationID {
		t.Error("retry landed on a different conversation")
	}
	if got := len(fs.outboxByKind(model.OutboxBotReply)); got != 1 {
		t.Errorf("bot_reply envelopes after retry = %d, want 1", got)
	}
	if got := len(fs.messages); got != 2 {
		t.Errorf("messages after retry = %d, want 2", got)
	}
}

func TestHandleInboundWithoutMessageIDRecordsEachDelivery(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	sink := &recordingSink{}
	svc := newConversationService(fs, &fakeLLM{reply: `{"classification":"answer","text":"ok"}`}, sink, testLogger(t))

	req := inboundRequest(*client, "")
	for i := 0; i < 2; i++ {
		if _, err := svc.HandleInbound(context.Background(), req); err != nil {
			t.Fatalf("HandleInbound #%d: %v", i+1, err)
		}
	}
	if got := len(fs.outboxByKind(model.OutboxBotReply)); got != 2 {
		t.Errorf("bot_reply envelopes = %d, want one per delivery", got)
	}
}

func TestHandleInboundSkipsReplyAfterTakeover(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	sink := &recordingSink{}
	mock := &fakeLLM{reply: `{"classification":"answer","text":"late answer"}`}
	mock.onComplete = func() {
		// A manager takes over while the completion is in flight.
		for _, c := range fs.convs {
			c.State = model.StateManagerActive
			c.MuteUntil = &model.MuteForever
		}
	}
	svc := newConversationService(fs, mock, sink, testLogger(t))

	resp, err := svc.HandleInbound(context.Background(), inboundRequest(*client, "wamid.take-1"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if resp.State != string(model.StateManagerActive) {
		t.Errorf("State = %q, want manager_active", resp.State)
	}
	if resp.BotResponse != "" {
		t.Errorf("BotResponse = %q, want empty after takeover", resp.BotResponse)
	}
	if got := len(fs.outbox); got != 0 {
		t.Errorf("outbox envelopes = %d, want 0", got)
	}
	for _, m := range fs.messages {
		if m.Role == model.RoleAssistant {
			t.Error("assistant message recorded despite takeover")
		}
	}
}

func TestEscalateIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	conv, user := fs.addConversation(client.ID, model.StateBotActive)
	sink := &recordingSink{}
	esc := NewEscalationService(fs, &fakeSettings{}, sink, testLogger(t))

	ctx := context.Background()
	open := func() error {
		var ev eventBuffer
		err := fs.WithTx(ctx, func(tx pgx.Tx) error {
			locked, err := fs.GetConversationForUpdate(ctx, tx, conv.ID)
			if err != nil {
				return err
			}
			_, err = esc.Escalate(ctx, tx, locked, user, "bot_cannot_answer", "question", &ev)
			return err
		})
		if err == nil {
			ev.flush(ctx, sink)
		}
		return err
	}

	if err := open(); err != nil {
		t.Fatalf("first escalate: %v", err)
	}
	if err := open(); err != nil {
		t.Fatalf("second escalate: %v", err)
	}

	if got := len(fs.handovers); got != 1 {
		t.Errorf("handovers = %d, want 1", got)
	}
	if got := len(fs.outboxByKind(model.OutboxOperatorNotify)); got != 1 {
		t.Errorf("operator_notify envelopes = %d, want 1", got)
	}
	if got := len(sink.published); got != 1 {
		t.Errorf("published events = %d, want 1", got)
	}
}

func TestCallbackTakeIdempotentAndConflict(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	conv, _ := fs.addConversation(client.ID, model.StateEscalating)
	conv.MuteUntil = &model.MuteForever
	h := fs.addHandover(conv, model.HandoverPending)
	sink := &recordingSink{}
	cb := NewCallbackService(fs, &fakeSettings{}, sink, testLogger(t))

	take := func(managerID string) (*model.CallbackResponse, error) {
		return cb.Apply(context.Background(), &model.CallbackRequest{
			ConversationID: conv.ID,
			Action:         model.ActionTake,
			ManagerID:      managerID,
			ManagerName:    "Manager " + managerID,
		})
	}

	resp, err := take("m1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if resp.NewState != model.StateManagerActive {
		t.Errorf("NewState = %q, want manager_active", resp.NewState)
	}
	if got := fs.handovers[h.ID]; got.Status != model.HandoverTaken || got.TakenByID == nil || *got.TakenByID != "m1" {
		t.Errorf("handover after take = %+v", got)
	}

	// The same manager pressing the button again is a no-op.
	if resp, err = take("m1"); err != nil {
		t.Fatalf("repeat take: %v", err)
	}
	if resp.NewState != model.StateManagerActive {
		t.Errorf("repeat take NewState = %q", resp.NewState)
	}

	// Another manager loses.
	_, err = take("m2")
	var conflict *fsm.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("take by second manager: err = %v, want ConflictError", err)
	}
	if conflict.HolderID != "m1" {
		t.Errorf("HolderID = %q, want m1", conflict.HolderID)
	}
	if got := fs.handovers[h.ID]; *got.TakenByID != "m1" {
		t.Errorf("handover holder changed to %q", *got.TakenByID)
	}
}

func TestEmitReminderStampRollsBackWithEnqueue(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	conv, _ := fs.addConversation(client.ID, model.StateEscalating)
	h := fs.addHandover(conv, model.HandoverPending)
	sink := &recordingSink{}
	esc := NewEscalationService(fs, &fakeSettings{}, sink, testLogger(t))
	ctx := context.Background()

	fs.failEnqueue = true
	if err := esc.EmitReminder(ctx, h, 1); err == nil {
		t.Fatal("EmitReminder should fail when the enqueue fails")
	}
	if fs.handovers[h.ID].Reminder1SentAt != nil {
		t.Error("reminder stamp survived a rolled-back enqueue")
	}

	fs.failEnqueue = false
	if err := esc.EmitReminder(ctx, h, 1); err != nil {
		t.Fatalf("EmitReminder: %v", err)
	}
	if fs.handovers[h.ID].Reminder1SentAt == nil {
		t.Error("reminder stamp missing after successful enqueue")
	}
	if got := len(fs.outboxByKind(model.OutboxOperatorReminder)); got != 1 {
		t.Fatalf("reminder envelopes = %d, want 1", got)
	}

	// Another sweep sees the stamp and stays quiet.
	if err := esc.EmitReminder(ctx, h, 1); err != nil {
		t.Fatalf("repeat EmitReminder: %v", err)
	}
	if got := len(fs.outboxByKind(model.OutboxOperatorReminder)); got != 1 {
		t.Errorf("reminder envelopes after repeat = %d, want 1", got)
	}
}

func TestEventsPublishedOnlyAfterCommit(t *testing.T) {
	fs := newFakeStore()
	client := fs.addClient()
	conv, _ := fs.addConversation(client.ID, model.StateEscalating)
	conv.MuteUntil = &model.MuteForever
	h := fs.addHandover(conv, model.HandoverPending)
	sink := &recordingSink{}
	cb := NewCallbackService(fs, &fakeSettings{}, sink, testLogger(t))

	req := &model.CallbackRequest{
		ConversationID: conv.ID,
		Action:         model.ActionTake,
		ManagerID:      "m1",
	}

	fs.failEnqueue = true
	if _, err := cb.Apply(context.Background(), req); err == nil {
		t.Fatal("Apply should fail when the button-state enqueue fails")
	}
	if got := len(sink.published); got != 0 {
		t.Fatalf("events published from a rolled-back transaction: %d", got)
	}
	if got := fs.convs[conv.ID].State; got != model.StateEscalating {
		t.Fatalf("conversation state after rollback = %q, want escalating", got)
	}
	if got := fs.handovers[h.ID].Status; got != model.HandoverPending {
		t.Fatalf("handover status after rollback = %q, want pending", got)
	}

	fs.failEnqueue = false
	if _, err := cb.Apply(context.Background(), req); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(sink.published); got != 1 {
		t.Fatalf("published events = %d, want 1", got)
	}
	if e := sink.published[0]; e.NewState != model.StateManagerActive {
		t.Errorf("event NewState = %q, want manager_active", e.NewState)
	}
}
