package scheduler

import (
	"errors"
	"time"

	"nowplaying/internal/task/engine"
	logx "nowplaying/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(tr Trigger, err error) {
	if err == nil {
		return
	}
	// A tick still running when the next trigger fires is normal for slow upstreams.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("trigger skipped; previous tick in flight", logx.String("trigger", tr.String()))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[tr.Subject]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[tr.Subject] = now
	// Keep the throttle map from growing with every subject ever seen.
	for k, at := range s.lastEnqWarn {
		if now.Sub(at) >= enqueueWarnThrottle {
			delete(s.lastEnqWarn, k)
		}
	}
	s.enqMu.Unlock()

	s.log.Warn("tick enqueue failed", logx.String("trigger", tr.String()), logx.Err(err))
}
