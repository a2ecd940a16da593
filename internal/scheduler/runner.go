package scheduler

import (
	"context"
	"time"

	"sessionpilot/internal/logger"
)

// IntervalRunner calls a task on a fixed cadence until its context ends.
// Used for periodic summary snapshots while a session runs.
type IntervalRunner struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalRunner(ctx context.Context, name string, interval time.Duration) *IntervalRunner {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalRunner{
		Name:     name,
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks until the context is done.
func (s *IntervalRunner) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalRunner %s: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalRunner %s: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Debugf("IntervalRunner %s: started interval=%s run_immediately=%v at=%s",
		s.Name, s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))
	if s.RunImmediately {
		task()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Debugf("IntervalRunner %s: ctx done after %s, exit", s.Name, s.nowFn().Sub(startAt).Truncate(time.Second))
			return
		case <-ticker.C:
		}
		task()
	}
}
