// Package scheduler runs the periodic background jobs: point award retries,
// reconciliation of unprocessed games and auto start of expired tie
// breakers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/icco/tiebreak"
)

// Job is one periodic task. Run returns how many items it handled.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// logger adapts zap to the gocron logger.
type logger struct {
	log *zap.SugaredLogger
}

func (l logger) Debug(msg string, args ...any) { l.log.Debugw(msg, args...) }
func (l logger) Error(msg string, args ...any) { l.log.Errorw(msg, args...) }
func (l logger) Info(msg string, args ...any)  { l.log.Infow(msg, args...) }
func (l logger) Warn(msg string, args ...any)  { l.log.Warnw(msg, args...) }

// Start schedules every job and starts the scheduler. Each job runs once
// right away and then every Interval, never overlapping with itself. Stop it
// with Shutdown.
func Start(ctx context.Context, log *zap.SugaredLogger, jobs ...Job) (gocron.Scheduler, error) {
	log = tiebreak.NopIfNil(log)

	s, err := gocron.NewScheduler(gocron.WithLogger(logger{log: log.Named("gocron")}))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	for _, j := range jobs {
		if j.Interval <= 0 {
			_ = s.Shutdown()
			return nil, fmt.Errorf("job %s: interval must be positive", j.Name)
		}

		_, err := s.NewJob(
			gocron.DurationJob(j.Interval),
			gocron.NewTask(func(ctx context.Context) {
				n, err := j.Run(ctx)
				if err != nil {
					log.Errorw("background job failed", "job", j.Name, zap.Error(err))
					return
				}
				if n > 0 {
					log.Infow("background job done", "job", j.Name, "count", n)
				}
			}),
			gocron.WithName(j.Name),
			gocron.WithContext(ctx),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}

	s.Start()
	return s, nil
}
