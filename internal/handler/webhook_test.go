package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/chatlift/conversation-engine/internal/model"
	"github.com/chatlift/conversation-engine/internal/service"
	"github.com/chatlift/conversation-engine/pkg/logger"
)

type fakeInbound struct {
	resp *model.InboundResponse
	err  error
	got  *model.InboundRequest
}

func (f *fakeInbound) HandleInbound(ctx context.Context, req *model.InboundRequest) (*model.InboundResponse, error) {
	f.got = req
	return f.resp, f.err
}

func newWebhookRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(raw))
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestWebhookMessage(t *testing.T) {
	convID := uuid.New()
	svc := &fakeInbound{resp: &model.InboundResponse{
		Success:        true,
		ConversationID: convID,
		State:          "bot_active",
		BotResponse:    "hello",
	}}
	h := NewWebhookHandler(svc, testLogger(t))

	req := newWebhookRequest(t, model.InboundRequest{
		ClientID:  uuid.New(),
		RemoteJID: "79991234567@s.whatsapp.net",
		Content:   "what are your opening hours?",
		Channel:   model.ChannelWhatsApp,
	})
	rec := httptest.NewRecorder()
	h.Message(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp model.InboundResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ConversationID != convID || resp.BotResponse != "hello" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if svc.got == nil || svc.got.Content != "what are your opening hours?" {
		t.Errorf("service received %+v", svc.got)
	}
}

func TestWebhookMessageValidation(t *testing.T) {
	h := NewWebhookHandler(&fakeInbound{}, testLogger(t))

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty content", model.InboundRequest{ClientID: uuid.New(), RemoteJID: "1", Channel: model.ChannelTelegram}},
		{"missing client", model.InboundRequest{RemoteJID: "1", Content: "hi", Channel: model.ChannelTelegram}},
		{"empty remote_jid", model.InboundRequest{ClientID: uuid.New(), Content: "hi", Channel: model.ChannelTelegram}},
		{"bad channel", model.InboundRequest{ClientID: uuid.New(), RemoteJID: "1", Content: "hi", Channel: "sms"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Message(rec, newWebhookRequest(t, tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestWebhookMessageMalformedBody(t *testing.T) {
	h := NewWebhookHandler(&fakeInbound{}, testLogger(t))
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.Message(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookMessageDisabledClient(t *testing.T) {
	h := NewWebhookHandler(&fakeInbound{err: service.ErrClientDisabled}, testLogger(t))
	req := newWebhookRequest(t, model.InboundRequest{
		ClientID:  uuid.New(),
		RemoteJID: "1",
		Content:   "hi",
		Channel:   model.ChannelTelegram,
	})
	rec := httptest.NewRecorder()
	h.Message(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
