// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks stored conversation messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages recorded",
		},
		[]string{"tenant_id", "role"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)

	// StateTransitionsTotal tracks conversation state machine transitions.
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_state_transitions_total",
			Help: "Conversation state transitions by edge",
		},
		[]string{"from", "to"},
	)

	// HandoversTotal tracks handover envelopes by terminal status.
	HandoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handovers_total",
			Help: "Handover envelopes by status",
		},
		[]string{"tenant_id", "status"},
	)

	// OutboxTransitionsTotal tracks outbox envelope status transitions.
	OutboxTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_transitions_total",
			Help: "Outbox envelope status transitions",
		},
		[]string{"status"},
	)

	// OutboxDispatchDuration tracks channel adapter dispatch latency.
	OutboxDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_duration_seconds",
			Help:    "Channel adapter dispatch latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel", "result"},
	)

	// OutboxDepth tracks pending envelopes awaiting dispatch.
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_depth",
			Help: "Envelopes in PENDING state at last sweep",
		},
	)

	// SweepDuration tracks scheduler sweep duration.
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Scheduler sweep duration by kind",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
		},
		[]string{"sweep"},
	)

	// SweepErrorsTotal tracks per-entity failures inside sweeps.
	SweepErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweep_errors_total",
			Help: "Entity-level failures during sweeps",
		},
		[]string{"sweep"},
	)

	// LLMRequestDuration tracks LLM completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"model", "classification"},
	)

	// LLMTokensTotal tracks LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// AlertsTotal tracks operator alerts by severity and outcome.
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_total",
			Help: "Operator alerts by severity and outcome",
		},
		[]string{"severity", "outcome"},
	)

	// HealsTotal tracks health-service repairs.
	HealsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_heals_total",
			Help: "Repairs applied by the health service",
		},
		[]string{"kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records metrics for an LLM completion.
func RecordLLMRequest(model, classification string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(model, classification).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
