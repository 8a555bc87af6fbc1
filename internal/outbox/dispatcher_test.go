package outbox

import (
	"testing"
	"time"

	"github.com/chatlift/conversation-engine/internal/channel"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		sendErr  *channel.SendError
		want     disposition
	}{
		{"ack", 0, nil, dispositionSent},
		{"ack after retries", 7, nil, dispositionSent},
		{"first retryable failure", 0, &channel.SendError{Retryable: true, StatusCode: 503}, dispositionRetry},
		{"retryable under limit", 10, &channel.SendError{Retryable: true}, dispositionRetry},
		{"retryable at limit", 11, &channel.SendError{Retryable: true}, dispositionDead},
		{"retryable past limit", 15, &channel.SendError{Retryable: true}, dispositionDead},
		{"permanent immediately dead", 0, &channel.SendError{Retryable: false, StatusCode: 400}, dispositionDead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.attempts, 12, tt.sendErr); got != tt.want {
				t.Errorf("decide(%d, 12, %v) = %v, want %v", tt.attempts, tt.sendErr, got, tt.want)
			}
		})
	}
}

func TestNextBackoffGrowth(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	base := 30 * time.Second

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{6, 1920 * time.Second},
		{9, 1920 * time.Second}, // capped at 2^6
	}
	for _, tt := range tests {
		got := NextBackoff(now, tt.attempts, base, 6, 0)
		delay := got.Sub(now)
		lo := tt.want - tt.want/5
		hi := tt.want + tt.want/5
		if delay < lo || delay > hi {
			t.Errorf("attempts=%d: delay %v outside [%v, %v]", tt.attempts, delay, lo, hi)
		}
	}
}

func TestNextBackoffHonorsRetryAfter(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	got := NextBackoff(now, 5, 30*time.Second, 6, 2*time.Minute)
	if want := now.Add(2 * time.Minute); !got.Equal(want) {
		t.Errorf("NextBackoff with Retry-After = %v, want %v", got, want)
	}
}

func TestNextBackoffJitterVaries(t *testing.T) {
	now := time.Now()
	seen := map[time.Time]bool{}
	for i := 0; i < 32; i++ {
		seen[NextBackoff(now, 3, 30*time.Second, 6, 0)] = true
	}
	if len(seen) < 2 {
		t.Error("jitter produced identical next attempt times across 32 samples")
	}
}
