package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/chatlift/conversation-engine/internal/fsm"
	"github.com/chatlift/conversation-engine/internal/model"
)

type fakeApplier struct {
	resp *model.CallbackResponse
	err  error
}

func (f *fakeApplier) Apply(ctx context.Context, req *model.CallbackRequest) (*model.CallbackResponse, error) {
	return f.resp, f.err
}

func newCallbackRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return httptest.NewRequest(http.MethodPost, "/callback", bytes.NewReader(raw))
}

func TestCallbackApplied(t *testing.T) {
	convID := uuid.New()
	h := NewCallbackHandler(&fakeApplier{resp: &model.CallbackResponse{
		Success:        true,
		ConversationID: convID,
		Action:         model.ActionTake,
		OldState:       model.StateEscalating,
		NewState:       model.StateManagerActive,
	}}, testLogger(t))

	rec := httptest.NewRecorder()
	h.Callback(rec, newCallbackRequest(t, model.CallbackRequest{
		ConversationID: convID,
		Action:         model.ActionTake,
		ManagerID:      "mgr-7",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp model.CallbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OldState != model.StateEscalating || resp.NewState != model.StateManagerActive {
		t.Errorf("unexpected transition in response: %+v", resp)
	}
}

func TestCallbackTakeConflict(t *testing.T) {
	h := NewCallbackHandler(&fakeApplier{err: &fsm.ConflictError{
		HolderID:   "mgr-1",
		HolderName: "Anna",
	}}, testLogger(t))

	rec := httptest.NewRecorder()
	h.Callback(rec, newCallbackRequest(t, model.CallbackRequest{
		ConversationID: uuid.New(),
		Action:         model.ActionTake,
		ManagerID:      "mgr-2",
	}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp conflictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.HolderID != "mgr-1" || resp.HolderName != "Anna" {
		t.Errorf("conflict body = %+v", resp)
	}
}

func TestCallbackInvalidTransition(t *testing.T) {
	h := NewCallbackHandler(&fakeApplier{err: &fsm.InvalidTransitionError{
		From:  model.StateResolved,
		Event: fsm.EventTake,
		Hint:  "conversation is resolved",
	}}, testLogger(t))

	rec := httptest.NewRecorder()
	h.Callback(rec, newCallbackRequest(t, model.CallbackRequest{
		ConversationID: uuid.New(),
		Action:         model.ActionTake,
		ManagerID:      "mgr-2",
	}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp invalidTransitionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.OldState != string(model.StateResolved) || resp.Action != string(model.ActionTake) {
		t.Errorf("invalid-transition body = %+v", resp)
	}
}

func TestCallbackValidation(t *testing.T) {
	h := NewCallbackHandler(&fakeApplier{}, testLogger(t))

	tests := []struct {
		name string
		body model.CallbackRequest
	}{
		{"missing conversation", model.CallbackRequest{Action: model.ActionTake, ManagerID: "m"}},
		{"bad action", model.CallbackRequest{ConversationID: uuid.New(), Action: "escalate", ManagerID: "m"}},
		{"missing manager", model.CallbackRequest{ConversationID: uuid.New(), Action: model.ActionTake}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Callback(rec, newCallbackRequest(t, tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
