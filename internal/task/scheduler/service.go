package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"nowplaying/internal/storage"
	"nowplaying/internal/task/engine"
	logx "nowplaying/pkg/logx"
)

func New(cfg Config, store storage.JobStore, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "scheduler")),
		store: store,
		exec:  exec,
		now:   time.Now,
		jobs:  map[string]*entry{},
	}
}

// SetRunner installs the tick body. Triggers that fire without a runner are dropped.
func (s *Service) SetRunner(r Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start restores persisted jobs and starts triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler restore: %w", err)
	}

	s.c = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{log: s.log})))
	s.jobs = make(map[string]*entry, len(recs))
	now := s.now()
	for _, rec := range recs {
		tier, err := ParseTier(rec.Tier)
		if err != nil {
			s.log.Warn("skipping persisted job", logx.String("subject", rec.Subject), logx.Err(err))
			continue
		}
		tr := Trigger{Subject: rec.Subject, Tier: tier}
		first, jitter := restoreFirstFire(rec.NextFire, now, s.cfg.Interval(tier), tr.String())
		s.addEntryLocked(tr, first)
		s.log.Trace("job restored", logx.String("trigger", tr.String()), logx.Duration("spread", jitter))
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("jobs", len(s.jobs)),
		logx.Duration("active", s.cfg.ActiveInterval),
		logx.Duration("reduced", s.cfg.ReducedInterval),
	)
	return nil
}

// Stop stops triggering. Persisted jobs remain and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.jobs = map[string]*entry{}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// addEntryLocked registers tr with cron, first firing at first. Call with s.mu held
// and the scheduler started.
func (s *Service) addEntryLocked(tr Trigger, first time.Time) {
	sched := &tierSchedule{every: s.cfg.Interval(tr.Tier), first: first}
	id := s.c.Schedule(sched, cron.FuncJob(func() { s.fire(tr) }))
	s.jobs[tr.Subject] = &entry{trigger: tr, id: id, first: first}
}

func (s *Service) removeEntryLocked(subject string) {
	e := s.jobs[subject]
	if e == nil {
		return
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.jobs, subject)
}

// fire turns a trigger into a tick task. Ticks of one subject never overlap.
func (s *Service) fire(tr Trigger) {
	s.mu.Lock()
	runner := s.runner
	timeout := s.cfg.TickTimeout
	s.mu.Unlock()
	if runner == nil || s.exec == nil {
		s.log.Debug("trigger dropped; no runner", logx.String("trigger", tr.String()))
		return
	}
	err := s.exec.Enqueue(engine.Task{
		Name:    "tick",
		Key:     tr.Subject,
		Timeout: timeout,
		Overlap: engine.OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			return runner(ctx, tr.Subject, tr.Tier)
		},
	})
	s.reportEnqueueError(tr, err)
}

// cronLogger routes cron's internal logging (recovered panics) to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
