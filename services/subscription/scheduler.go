package subscription

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"
)

// Scheduler drives the daily lifecycle sweep: due renewals, due plan
// expirations and stale assignment reclaim all get enqueued in one
// pass so the worker pool absorbs the load.
type Scheduler struct {
	cfg      *config.Config
	plans    *PlanService
	renewals *RenewalService
	enqueuer task.Enqueuer
}

func NewScheduler(cfg *config.Config, plans *PlanService, renewals *RenewalService, enqueuer task.Enqueuer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		plans:    plans,
		renewals: renewals,
		enqueuer: enqueuer,
	}
}

// StartScheduler hooks the sweep loop into the fx lifecycle.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started license lifecycle scheduler")

	hour, minute := s.cfg.Licensing.SweepHour, s.cfg.Licensing.SweepMinute
	if hour == 0 && minute == 0 {
		hour = 1 // 01:00 local when unconfigured
	}

	for {
		now := time.Now()
		next := nextRunTime(now, hour, minute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runDaily(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()
	zap.L().Info("[Scheduler] running daily license lifecycle sweep")

	if _, err := s.renewals.EnqueueDueRenewals(ctx); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue due renewals", zap.Error(err))
	}
	if _, err := s.plans.EnqueueDueExpirations(ctx); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue due expirations", zap.Error(err))
	}
	if s.cfg.Licensing.StaleAssignmentTTL > 0 {
		if t, err := NewReclaimStaleTask(); err != nil {
			zap.L().Error("[Scheduler] failed to build stale reclaim task", zap.Error(err))
		} else if _, err := s.enqueuer.Enqueue(t); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue stale reclaim", zap.Error(err))
		}
	}
	validate := asynq.NewTask(taskname.CatalogValidateQueries, nil,
		asynq.Queue("low"), asynq.MaxRetry(2), asynq.Timeout(5*time.Minute))
	if _, err := s.enqueuer.Enqueue(validate); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue catalog audit", zap.Error(err))
	}

	zap.L().Info("[Scheduler] finished daily sweep",
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
