// Package alert delivers structured operator alerts to a single channel,
// coalescing identical alerts to avoid storms on systemic failures.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo Severity = "INFO"
	SeverityWarn Severity = "WARN"
	SeverityCrit Severity = "CRIT"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Text     string
	Context  map[string]string
}

// Sink delivers a rendered alert to the operator channel.
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Notifier coalesces identical alerts within a window before delivery.
// Delivery failures fall silent (no cascading) but are counted.
type Notifier struct {
	sink   Sink
	window time.Duration
	logger *logger.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// NewNotifier creates a notifier. A nil sink logs alerts instead of
// delivering them.
func NewNotifier(sink Sink, window time.Duration, log *logger.Logger) *Notifier {
	if window <= 0 {
		window = time.Minute
	}
	return &Notifier{
		sink:       sink,
		window:     window,
		logger:     log,
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Notify emits one alert, coalescing repeats of the same (severity, text)
// within the window.
func (n *Notifier) Notify(ctx context.Context, a Alert) {
	key := string(a.Severity) + "|" + a.Text

	n.mu.Lock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.window {
		n.suppressed[key]++
		n.mu.Unlock()
		metrics.AlertsTotal.WithLabelValues(string(a.Severity), "coalesced").Inc()
		return
	}
	repeats := n.suppressed[key]
	n.suppressed[key] = 0
	n.lastSent[key] = now
	n.mu.Unlock()

	if repeats > 0 {
		if a.Context == nil {
			a.Context = map[string]string{}
		}
		a.Context["coalesced_repeats"] = fmt.Sprintf("%d", repeats)
	}

	if n.sink == nil {
		n.logger.Warn("alert (no sink configured)",
			zap.String("severity", string(a.Severity)),
			zap.String("text", a.Text),
			zap.Any("context", a.Context))
		metrics.AlertsTotal.WithLabelValues(string(a.Severity), "logged").Inc()
		return
	}

	if err := n.sink.Deliver(ctx, a); err != nil {
		n.logger.Warn("alert delivery failed",
			zap.String("severity", string(a.Severity)),
			zap.String("text", a.Text),
			zap.Error(err))
		metrics.AlertsTotal.WithLabelValues(string(a.Severity), "failed").Inc()
		return
	}
	metrics.AlertsTotal.WithLabelValues(string(a.Severity), "delivered").Inc()
}

// Info emits an INFO alert.
func (n *Notifier) Info(ctx context.Context, text string, fields map[string]string) {
	n.Notify(ctx, Alert{Severity: SeverityInfo, Text: text, Context: fields})
}

// Warn emits a WARN alert.
func (n *Notifier) Warn(ctx context.Context, text string, fields map[string]string) {
	n.Notify(ctx, Alert{Severity: SeverityWarn, Text: text, Context: fields})
}

// Crit emits a CRIT alert.
func (n *Notifier) Crit(ctx context.Context, text string, fields map[string]string) {
	n.Notify(ctx, Alert{Severity: SeverityCrit, Text: text, Context: fields})
}

// Render formats an alert for a plain-text channel. Context keys are sorted
// for stable output.
func Render(a Alert) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(a.Severity))
	b.WriteString("] ")
	b.WriteString(a.Text)

	if len(a.Context) > 0 {
		keys := make([]string, 0, len(a.Context))
		for k := range a.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(a.Context[k])
		}
	}
	return b.String()
}
