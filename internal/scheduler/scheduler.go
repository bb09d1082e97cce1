// Package scheduler runs the periodic engine jobs on cron schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ntpp_sentinel/backend/internal/config"
	"github.com/ntpp_sentinel/backend/internal/service"
)

const jobBatchLimit = 200

type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// New wires the four engine jobs onto their configured cron expressions.
// Schedules are validated at startup; a broken expression is a fatal
// configuration error, not something to default silently.
func New(cfg config.Config, engine *service.Service, logger zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	c := cron.New(cron.WithLocation(loc))

	jobs := []struct {
		name string
		expr string
		run  func(context.Context)
	}{
		{"fast_poll", cfg.PollSchedule, func(ctx context.Context) {
			engine.RunFastPoll(ctx, jobBatchLimit)
		}},
		{"boundary_verification", cfg.VerifySchedule, func(ctx context.Context) {
			engine.RunBoundaryVerification(ctx, jobBatchLimit)
		}},
		{"summary", cfg.SummarySchedule, func(ctx context.Context) {
			if _, errs := engine.RunSummaryJob(ctx, false); len(errs) > 0 {
				logger.Warn().Errs("errors", errs).Msg("summary job finished with errors")
			}
		}},
		{"escalation_sweep", cfg.EscalationSchedule, func(ctx context.Context) {
			engine.RunEscalationSweep(ctx, jobBatchLimit)
		}},
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.expr, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			logger.Debug().Str("job", job.name).Msg("job started")
			job.run(ctx)
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("job", job.name).Str("schedule", job.expr).Msg("job scheduled")
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}
