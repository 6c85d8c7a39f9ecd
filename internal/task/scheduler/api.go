package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nowplaying/internal/storage"
	logx "nowplaying/pkg/logx"
)

// Exists reports whether subject has a job.
func (s *Service) Exists(ctx context.Context, subject string) (bool, error) {
	rec, err := s.store.GetJob(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("job lookup %s: %w", subject, err)
	}
	return rec != nil, nil
}

// EnsureScheduled creates subject's job in the Reduced tier and fires it at once.
// It returns ErrJobExists if the subject already has a job; callers check Exists first.
func (s *Service) EnsureScheduled(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("subject required")
	}
	tr := Trigger{Subject: subject, Tier: Reduced}

	s.mu.Lock()
	now := s.now()
	err := s.store.PutJob(ctx, storage.JobRecord{Subject: subject, Tier: tr.Tier.String(), NextFire: now})
	if errors.Is(err, storage.ErrConflict) {
		s.mu.Unlock()
		return ErrJobExists
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("job create %s: %w", subject, err)
	}
	running := s.c != nil
	if running {
		s.addEntryLocked(tr, now.Add(s.cfg.Interval(tr.Tier)))
	}
	s.mu.Unlock()

	s.log.Debug("job scheduled", logx.String("trigger", tr.String()), logx.Bool("running", running))
	if running {
		s.fire(tr)
	}
	return nil
}

// SetTier moves subject's job to tier. The old trigger is retired and the new one
// first fires one full interval from now. Setting the current tier is a no-op.
func (s *Service) SetTier(ctx context.Context, subject string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, int(tier))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetJob(ctx, subject)
	if err != nil {
		return fmt.Errorf("job lookup %s: %w", subject, err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNoJob, subject)
	}
	if rec.Tier == tier.String() {
		return nil
	}

	next := s.now().Add(s.cfg.Interval(tier))
	switch err := s.store.SwapJobTier(ctx, subject, rec.Tier, tier.String(), next); {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNoJob, subject)
	case err != nil:
		return fmt.Errorf("job tier swap %s: %w", subject, err)
	}

	if s.c != nil {
		s.removeEntryLocked(subject)
		s.addEntryLocked(Trigger{Subject: subject, Tier: tier}, next)
	}
	s.log.Debug("job tier changed",
		logx.String("subject", subject),
		logx.String("from", rec.Tier),
		logx.String("to", tier.String()),
		logx.Time("next", next),
	)
	return nil
}

// Unschedule removes the job for the (subject, tier) trigger. A trigger that is
// already gone is not an error.
func (s *Service) Unschedule(ctx context.Context, subject string, tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.store.DeleteJob(ctx, subject, tier.String())
	if err != nil {
		return fmt.Errorf("job delete %s: %w", subject, err)
	}
	if e := s.jobs[subject]; e != nil && e.trigger.Tier == tier {
		s.removeEntryLocked(subject)
		removed = true
	}
	if removed {
		s.log.Debug("job unscheduled", logx.String("trigger", Trigger{Subject: subject, Tier: tier}.String()))
	}
	return nil
}

// Job returns subject's job, or nil if it has none.
func (s *Service) Job(ctx context.Context, subject string) (*JobInfo, error) {
	rec, err := s.store.GetJob(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("job lookup %s: %w", subject, err)
	}
	if rec == nil {
		return nil, nil
	}
	tier, err := ParseTier(rec.Tier)
	if err != nil {
		return nil, err
	}
	info := &JobInfo{
		Subject:  subject,
		Tier:     tier,
		TierName: tier.String(),
		NextFire: rec.NextFire,
	}

	s.mu.Lock()
	info.Interval = s.cfg.Interval(tier).String()
	e := s.jobs[subject]
	c := s.c
	s.mu.Unlock()
	if e != nil && e.trigger.Tier == tier {
		info.NextFire = e.first
		if c != nil {
			if next := c.Entry(e.id).Next; !next.IsZero() {
				info.NextFire = next
			}
		}
	}
	return info, nil
}

// Len reports the number of live triggers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
