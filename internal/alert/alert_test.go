package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatlift/conversation-engine/pkg/logger"
)

type captureSink struct {
	mu        sync.Mutex
	delivered []Alert
	err       error
}

func (s *captureSink) Deliver(ctx context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, a)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func newTestNotifier(sink Sink, window time.Duration) (*Notifier, *time.Time) {
	log, _ := logger.New("error")
	n := NewNotifier(sink, window, log)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	return n, &now
}

func TestNotifierCoalescesWithinWindow(t *testing.T) {
	sink := &captureSink{}
	n, now := newTestNotifier(sink, time.Minute)
	ctx := context.Background()

	n.Warn(ctx, "outbox envelope dead", map[string]string{"id": "a"})
	n.Warn(ctx, "outbox envelope dead", map[string]string{"id": "b"})
	n.Warn(ctx, "outbox envelope dead", map[string]string{"id": "c"})

	if got := sink.count(); got != 1 {
		t.Fatalf("delivered %d alerts within window, want 1", got)
	}

	// Past the window the alert fires again and reports the repeats.
	*now = now.Add(61 * time.Second)
	n.Warn(ctx, "outbox envelope dead", map[string]string{"id": "d"})

	if got := sink.count(); got != 2 {
		t.Fatalf("delivered %d alerts after window, want 2", got)
	}
	last := sink.delivered[1]
	if last.Context["coalesced_repeats"] != "2" {
		t.Errorf("coalesced_repeats = %q, want 2", last.Context["coalesced_repeats"])
	}
}

func TestNotifierDistinctAlertsNotCoalesced(t *testing.T) {
	sink := &captureSink{}
	n, _ := newTestNotifier(sink, time.Minute)
	ctx := context.Background()

	n.Warn(ctx, "stuck conversation healed", nil)
	n.Crit(ctx, "stuck conversation healed", nil) // different severity
	n.Warn(ctx, "orphan handover closed", nil)    // different text

	if got := sink.count(); got != 3 {
		t.Errorf("delivered %d alerts, want 3", got)
	}
}

func TestNotifierDeliveryFailureFallsSilent(t *testing.T) {
	sink := &captureSink{err: errors.New("telegram unavailable")}
	n, _ := newTestNotifier(sink, time.Minute)

	// Must not panic or propagate.
	n.Crit(context.Background(), "database unreachable", nil)
}

func TestNotifierNilSinkLogs(t *testing.T) {
	n, _ := newTestNotifier(nil, time.Minute)
	n.Info(context.Background(), "startup", nil)
}

func TestRender(t *testing.T) {
	got := Render(Alert{
		Severity: SeverityWarn,
		Text:     "stuck envelope reopened",
		Context:  map[string]string{"b_id": "2", "a_id": "1"},
	})
	want := "[WARN] stuck envelope reopened\na_id: 1\nb_id: 2"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}

	if got := Render(Alert{Severity: SeverityCrit, Text: "boom"}); !strings.HasPrefix(got, "[CRIT] boom") {
		t.Errorf("Render without context = %q", got)
	}
}
