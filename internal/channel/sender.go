// Package channel provides outbound adapters for messaging channels.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatlift/conversation-engine/internal/model"
)

// SendResult is the adapter's acknowledgement of a dispatch attempt.
// ExternalID is the channel-side message id; TopicID is set when the adapter
// posted into (or created) a forum topic.
type SendResult struct {
	OK         bool   `json:"ok"`
	ExternalID string `json:"external_id,omitempty"`
	TopicID    int64  `json:"topic_id,omitempty"`
}

// Sender delivers an opaque payload to a channel endpoint. Failures are
// returned as *SendError so the outbox can classify them.
type Sender interface {
	Send(ctx context.Context, channel model.Channel, channelRef string, payload json.RawMessage) (SendResult, error)
}

// SendError is a classified dispatch failure.
type SendError struct {
	Retryable  bool
	StatusCode int
	RetryAfter time.Duration
	Reason     string
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failure (HTTP %d): %s", kind, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s send failure: %s", kind, e.Reason)
}

// Classify extracts the SendError from an error chain. Unclassified errors
// (transport failures, timeouts) count as retryable.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Retryable: true, Reason: err.Error()}
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// 5xx, 429, and the timeout-flavored 4xx codes (408, 425).
func RetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case 408, 425, 429:
		return true
	}
	return false
}
