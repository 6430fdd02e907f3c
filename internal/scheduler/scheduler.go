// Package scheduler drives periodic refreshes for every configured user.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	appLog "canonplan/internal/log"
	"canonplan/internal/pipeline"
)

// Runner refreshes one user.
type Runner interface {
	Run(ctx context.Context, u pipeline.User) (pipeline.Result, *pipeline.Diagnostics, error)
}

type Scheduler struct {
	cron        *cron.Cron
	schedule    string
	runner      Runner
	users       []pipeline.User
	concurrency int
}

// New validates schedule (standard five-field cron syntax) and prepares a
// scheduler. Overlapping ticks are skipped while a refresh is running.
func New(schedule string, loc *time.Location, runner Runner, users []pipeline.User, concurrency int) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", schedule, err)
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, schedule: schedule, runner: runner, users: users, concurrency: concurrency}, nil
}

// Start registers the refresh job and starts the cron loop. ctx bounds every
// refresh the scheduler triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunAll(ctx); err != nil {
			appLog.Warn("scheduled refresh finished with errors", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "schedule", s.schedule, "users", len(s.users), "concurrency", s.concurrency)
	return nil
}

// Stop stops the cron loop; the returned context is done once a running
// refresh has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunAll refreshes every user, at most concurrency at a time. One user's
// failure never stops the others; all failures are joined.
func (s *Scheduler) RunAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, u := range s.users {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, _, err := s.runner.Run(gctx, u); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
