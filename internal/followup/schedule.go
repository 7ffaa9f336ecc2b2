package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/leaddesk/internal/logx"
	"go.uber.org/zap"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Batch is a follow-up run.
type Batch interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler fires a Batch on a cron schedule evaluated in a fixed time zone.
type Scheduler struct {
	batch    Batch
	schedule cron.Schedule
	expr     string
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time
}

// NewScheduler parses expr and loads timezone. An empty timezone is UTC.
func NewScheduler(batch Batch, expr, timezone string, logger *zap.Logger) (*Scheduler, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("followup: schedule %q: %w", expr, err)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("followup: timezone %q: %w", timezone, err)
	}
	return &Scheduler{
		batch:    batch,
		schedule: sched,
		expr:     expr,
		loc:      loc,
		log:      logx.OrNop(logger).With(zap.String("component", "followup-scheduler")),
		now:      time.Now,
	}, nil
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// untilNext returns the wait before the next fire.
func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	d := s.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run blocks until ctx is cancelled, firing the batch on schedule. Runs
// never overlap; a run that overlaps the next fire time delays it.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	s.log.Info("follow-up scheduler started",
		zap.String("schedule", s.expr),
		zap.String("timezone", s.loc.String()),
		zap.Time("next", s.Next(s.now())))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.fire(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	sum, err := s.batch.Run(ctx)
	if err != nil {
		s.log.Error("scheduled follow-up run failed", zap.Error(err), zap.Any("summary", sum))
		return
	}
	s.log.Info("scheduled follow-up run complete", zap.Any("summary", sum))
}
