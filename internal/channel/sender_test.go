package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatlift/conversation-engine/internal/model"
)

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{429, true},
		{408, true},
		{425, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{422, false},
	}
	for _, tt := range tests {
		if got := RetryableStatus(tt.status); got != tt.want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassifyWrapsUnknownAsRetryable(t *testing.T) {
	se := Classify(errors.New("dial tcp: connection refused"))
	if !se.Retryable {
		t.Error("transport error must classify as retryable")
	}
}

func TestClassifyUnwrapsSendError(t *testing.T) {
	orig := &SendError{Retryable: false, StatusCode: 404, Reason: "gone"}
	se := Classify(orig)
	if se != orig {
		t.Error("Classify must return the original SendError")
	}
}

func newTestSender(t *testing.T, handler http.HandlerFunc) (*HTTPSender, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	sender := NewHTTPSender(srv.URL, srv.URL, 5*time.Second)
	return sender, srv.Close
}

func TestHTTPSenderSuccess(t *testing.T) {
	sender, done := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.ChannelRef != "77000000001@s.whatsapp.net" {
			t.Errorf("channel_ref = %q", req.ChannelRef)
		}
		json.NewEncoder(w).Encode(SendResult{OK: true, ExternalID: "ext-1"})
	})
	defer done()

	res, err := sender.Send(context.Background(), model.ChannelWhatsApp,
		"77000000001@s.whatsapp.net", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.OK || res.ExternalID != "ext-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPSenderRetryableFailure(t *testing.T) {
	sender, done := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer done()

	_, err := sender.Send(context.Background(), model.ChannelTelegram, "chat-1", json.RawMessage(`{}`))
	se := Classify(err)
	if !se.Retryable || se.StatusCode != 503 {
		t.Errorf("classified = %+v, want retryable 503", se)
	}
}

func TestHTTPSenderPermanentFailure(t *testing.T) {
	sender, done := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown recipient", http.StatusBadRequest)
	})
	defer done()

	_, err := sender.Send(context.Background(), model.ChannelWhatsApp, "nobody", json.RawMessage(`{}`))
	se := Classify(err)
	if se.Retryable || se.StatusCode != 400 {
		t.Errorf("classified = %+v, want permanent 400", se)
	}
}

func TestHTTPSenderHonorsRetryAfter(t *testing.T) {
	sender, done := newTestSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer done()

	_, err := sender.Send(context.Background(), model.ChannelTelegram, "chat-1", json.RawMessage(`{}`))
	se := Classify(err)
	if !se.Retryable {
		t.Fatal("429 must be retryable")
	}
	if se.RetryAfter != 120*time.Second {
		t.Errorf("RetryAfter = %v, want 120s", se.RetryAfter)
	}
}

func TestHTTPSenderUnconfiguredChannel(t *testing.T) {
	sender := NewHTTPSender("", "", time.Second)
	_, err := sender.Send(context.Background(), model.ChannelWhatsApp, "x", json.RawMessage(`{}`))
	se := Classify(err)
	if se.Retryable {
		t.Error("missing adapter config must be permanent")
	}
}
