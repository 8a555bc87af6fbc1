package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chatlift/conversation-engine/internal/model"
)

// HTTPSender posts envelopes to per-channel adapter endpoints.
type HTTPSender struct {
	baseURLs   map[model.Channel]string
	httpClient *http.Client
}

// NewHTTPSender creates a sender for the configured adapter endpoints.
func NewHTTPSender(whatsappURL, telegramURL string, timeout time.Duration) *HTTPSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		baseURLs: map[model.Channel]string{
			model.ChannelWhatsApp: whatsappURL,
			model.ChannelTelegram: telegramURL,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	ChannelRef string          `json:"channel_ref"`
	Payload    json.RawMessage `json:"payload"`
}

// Send delivers one payload. Non-2xx responses become *SendError classified
// per status; transport failures are retryable.
func (s *HTTPSender) Send(ctx context.Context, channel model.Channel, channelRef string, payload json.RawMessage) (SendResult, error) {
	baseURL, ok := s.baseURLs[channel]
	if !ok || baseURL == "" {
		return SendResult{}, &SendError{Retryable: false, Reason: fmt.Sprintf("no adapter configured for channel %q", channel)}
	}

	body, err := json.Marshal(sendRequest{ChannelRef: channelRef, Payload: payload})
	if err != nil {
		return SendResult{}, &SendError{Retryable: false, Reason: "failed to encode send request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, &SendError{Retryable: false, Reason: "failed to build send request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SendResult{}, &SendError{Retryable: true, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &SendError{
			Retryable:  RetryableStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Reason:     string(data),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return SendResult{}, se
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// A 2xx with an unreadable body still counts as delivered; the
		// adapter accepted the message.
		return SendResult{OK: true}, nil
	}
	if !result.OK {
		return SendResult{}, &SendError{Retryable: true, Reason: "adapter rejected the message"}
	}
	return result, nil
}
