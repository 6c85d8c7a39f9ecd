package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nowplaying/internal/registry"
	"nowplaying/internal/task/scheduler"
	logx "nowplaying/pkg/logx"
)

// Service handles viewers arriving and leaving.
type Service struct {
	reg   Registry
	sched Scheduler
	log   logx.Logger
}

func NewService(reg Registry, sched Scheduler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, sched: sched, log: log.With(logx.String("comp", "presence"))}
}

// Connect registers handle as a viewer of every subject and makes sure each
// subject has a polling job.
//
// Subjects in a failed registry batch get no job, since nothing would ever
// unschedule it; the rest are scheduled and the batch error is returned. A
// subject in a reserved namespace fails the whole call before any write.
func (s *Service) Connect(ctx context.Context, handle string, subjects ...string) error {
	subjects = compact(subjects)
	if strings.TrimSpace(handle) == "" {
		return errors.New("empty handle")
	}
	if len(subjects) == 0 {
		return nil
	}
	for _, sub := range subjects {
		if err := registry.CheckSubject(sub); err != nil {
			return err
		}
	}

	var regErr error
	skip := map[string]struct{}{}
	if len(subjects) == 1 {
		if err := s.reg.AddConnection(ctx, subjects[0], handle); err != nil {
			return err
		}
	} else if regErr = s.reg.AddConnectionToMany(ctx, subjects, handle); regErr != nil {
		var be *registry.BatchError
		if !errors.As(regErr, &be) {
			return regErr
		}
		for _, k := range be.Failed {
			skip[k] = struct{}{}
		}
	}

	errs := []error{regErr}
	for _, sub := range subjects {
		if _, failed := skip[sub]; failed {
			continue
		}
		if err := s.ensure(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) ensure(ctx context.Context, subject string) error {
	ok, err := s.sched.Exists(ctx, subject)
	if err != nil {
		return fmt.Errorf("job exists %s: %w", subject, err)
	}
	if ok {
		return nil
	}
	err = s.sched.EnsureScheduled(ctx, subject)
	switch {
	case err == nil:
		s.log.Debug("job created", logx.String("subject", subject))
		return nil
	case errors.Is(err, scheduler.ErrJobExists):
		return nil
	default:
		return fmt.Errorf("schedule %s: %w", subject, err)
	}
}

// Disconnect drops handle from each subject eagerly. A subject left without
// viewers is unscheduled in whatever tier it is in.
func (s *Service) Disconnect(ctx context.Context, handle string, subjects ...string) error {
	var errs []error
	for _, sub := range compact(subjects) {
		if err := registry.CheckSubject(sub); err != nil {
			errs = append(errs, err)
			continue
		}
		remaining, err := s.reg.RemoveConnections(ctx, sub, []string{handle})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if remaining > 0 {
			continue
		}
		if err := s.unschedule(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// unschedule removes subject's job in its current tier. Unschedule only matches
// the tier it is given, so a tick moving the job between the read and the
// delete leaves it in place; the job is read again and removed once more.
func (s *Service) unschedule(ctx context.Context, subject string) error {
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.sched.Job(ctx, subject)
		if err != nil {
			return err
		}
		if job == nil {
			if attempt > 0 {
				s.log.Debug("last viewer left; job unscheduled", logx.String("subject", subject))
			}
			return nil
		}
		if err := s.sched.Unschedule(ctx, subject, job.Tier); err != nil {
			return err
		}
	}
	job, err := s.sched.Job(ctx, subject)
	if err != nil {
		return err
	}
	if job != nil {
		s.log.Warn("job kept moving tiers; left scheduled", logx.String("subject", subject), logx.String("tier", job.TierName))
	}
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
