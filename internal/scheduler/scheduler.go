// Package scheduler runs the cooperative sweep loop: reminders, auto-close,
// outbox dispatch, and periodic health repairs.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatlift/conversation-engine/internal/outbox"
	"github.com/chatlift/conversation-engine/internal/service"
	"github.com/chatlift/conversation-engine/internal/store"
	"github.com/chatlift/conversation-engine/pkg/logger"
	"github.com/chatlift/conversation-engine/pkg/metrics"
)

// sweepBatch caps how many handovers one sweep touches.
const sweepBatch = 100

// Config tunes the sweep loop.
type Config struct {
	Tick        time.Duration
	Budget      time.Duration
	HealthEvery int
}

// Scheduler drives the periodic sweeps. All predicates embed their
// "not yet acted upon" condition, so duplicate ticks are no-ops.
type Scheduler struct {
	store      *store.Store
	escalation *service.EscalationService
	dispatcher *outbox.Dispatcher
	health     *service.HealthService
	logger     *logger.Logger
	cfg        Config
}

// New wires the scheduler.
func New(st *store.Store, esc *service.EscalationService, d *outbox.Dispatcher, h *service.HealthService, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = time.Minute
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 12
	}
	return &Scheduler{
		store:      st,
		escalation: esc,
		dispatcher: d,
		health:     h,
		logger:     log,
		cfg:        cfg,
	}
}

// Run loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("budget", s.cfg.Budget),
		zap.Int("health_every", s.cfg.HealthEvery))

	tick := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			tick++
			s.runTick(ctx, tick)
		}
	}
}

// runTick performs one sweep pass under the tick budget. A sweep exceeding
// the budget is cut off and completes on a later tick.
func (s *Scheduler) runTick(ctx context.Context, tick int) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	s.timed(ctx, "reminders", func(ctx context.Context) { s.sweepReminders(ctx) })
	s.timed(ctx, "auto_close", func(ctx context.Context) { s.sweepAutoClose(ctx) })
	s.timed(ctx, "outbox", func(ctx context.Context) {
		if _, err := s.dispatcher.RunOnce(ctx); err != nil {
			s.logger.Error("outbox sweep failed", zap.Error(err))
			metrics.SweepErrorsTotal.WithLabelValues("outbox").Inc()
		}
	})

	if tick%s.cfg.HealthEvery == 0 {
		s.timed(ctx, "health", func(ctx context.Context) {
			if _, err := s.dispatcher.Janitor(ctx); err != nil {
				s.logger.Error("janitor failed", zap.Error(err))
				metrics.SweepErrorsTotal.WithLabelValues("health").Inc()
			}
			s.health.Run(ctx)
		})
	}
}

func (s *Scheduler) timed(ctx context.Context, name string, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	fn(ctx)
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// sweepReminders emits reminder envelopes for pending handovers past their
// per-tenant due times, level 1 then level 2. The sent-at stamp is the
// idempotency gate shared with the polling endpoint.
func (s *Scheduler) sweepReminders(ctx context.Context) {
	for level := 1; level <= 2; level++ {
		due, err := s.store.DueReminders(ctx, level, sweepBatch)
		if err != nil {
			s.logger.Error("reminder scan failed", zap.Int("level", level), zap.Error(err))
			metrics.SweepErrorsTotal.WithLabelValues("reminders").Inc()
			continue
		}
		for i := range due {
			if ctx.Err() != nil {
				return
			}
			if err := s.escalation.EmitReminder(ctx, &due[i], level); err != nil {
				s.logger.Error("reminder emit failed",
					zap.String("handover_id", due[i].ID.String()),
					zap.Int("level", level), zap.Error(err))
				metrics.SweepErrorsTotal.WithLabelValues("reminders").Inc()
			}
		}
	}
}

// sweepAutoClose times out pending handovers past their auto-close deadline.
func (s *Scheduler) sweepAutoClose(ctx context.Context) {
	due, err := s.store.DueAutoClose(ctx, sweepBatch)
	if err != nil {
		s.logger.Error("auto-close scan failed", zap.Error(err))
		metrics.SweepErrorsTotal.WithLabelValues("auto_close").Inc()
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.escalation.AutoClose(ctx, &due[i]); err != nil {
			s.logger.Error("auto-close failed",
				zap.String("handover_id", due[i].ID.String()), zap.Error(err))
			metrics.SweepErrorsTotal.WithLabelValues("auto_close").Inc()
		}
	}
}
