package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "chaser/pkg/logx"
)

// Job is one scheduled invocation.
type Job func(ctx context.Context) error

// Scheduler fires a Job on a cron or interval schedule. A trigger that
// arrives while the previous invocation is still running is skipped.
type Scheduler struct {
	spec  Spec
	sched cron.Schedule
	loc   *time.Location
	job   Job
	log   logx.Logger

	running atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64

	c *cron.Cron
}

// Stats are best-effort trigger counters.
type Stats struct {
	Fired   uint64 `json:"fired"`
	Skipped uint64 `json:"skipped"`
	Running bool   `json:"running"`
}

// ErrNoJob is returned by New when job is nil.
var ErrNoJob = errors.New("scheduler: nil job")

func New(raw string, loc *time.Location, job Job, log logx.Logger) (*Scheduler, error) {
	if job == nil {
		return nil, ErrNoJob
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	sched, err := spec.schedule()
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{spec: spec, sched: sched, loc: loc, job: job, log: log.Component("scheduler")}, nil
}

func (s *Scheduler) Spec() Spec { return s.spec }

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.sched.Next(t.In(s.loc)) }

func (s *Scheduler) Stats() Stats {
	return Stats{Fired: s.fired.Load(), Skipped: s.skipped.Load(), Running: s.running.Load()}
}

// Run starts the cron loop and blocks until ctx is done, then waits for an
// in-flight job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	s.c.Schedule(s.sched, cron.FuncJob(func() { s.trigger(ctx) }))
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("schedule", s.spec.Raw),
		logx.String("kind", s.spec.Kind.String()),
		logx.Time("next", s.Next(time.Now())),
	)

	<-ctx.Done()
	stopped := s.c.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
	return nil
}

// trigger runs the job unless one is already in flight. It reports whether
// the job ran.
func (s *Scheduler) trigger(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("trigger skipped; previous run still in flight")
		return false
	}
	defer s.running.Store(false)
	s.fired.Add(1)

	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.log.Error("scheduled run failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return true
	}
	s.log.Debug("scheduled run finished", logx.Duration("took", time.Since(start)))
	return true
}
