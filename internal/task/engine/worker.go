package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"nowplaying/internal/eventbus"
	logx "nowplaying/pkg/logx"
)

// slowTask is the duration above which a successful task logs at info.
const slowTask = 750 * time.Millisecond

func (s *Service) work(ctx context.Context, p *pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.queue:
			if ctx.Err() != nil {
				// Put the gate back; Stop drains the rest.
				if it.gated {
					s.gate.release(it.task.gateKey())
				}
				return
			}
			s.inFlight.Add(1)
			s.exec(ctx, it)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, it queued) {
	t := it.task
	if it.gated {
		defer s.gate.release(t.gateKey())
	}
	start := time.Now()
	wait := max(start.Sub(it.at), 0)

	if limit := s.cfg.MaxQueueDelay; limit > 0 && wait > limit {
		n := s.stale.Add(1)
		s.publish(eventbus.TaskDropped, t.event(start, wait, 0, reasonStale))
		s.hist.add(HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: wait, Error: reasonStale})
		if s.staleWarn.allow(start) {
			s.log.Warn("task dropped: waited too long",
				logx.String("task", t.Name),
				logx.String("key", t.Key),
				logx.Duration("queue_delay", wait),
				logx.Uint64("dropped_stale", n),
			)
		}
		return
	}

	s.publish(eventbus.TaskStarted, t.event(start, wait, 0, ""))
	err := s.call(ctx, t, it.timeout)
	took := time.Since(start)

	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: wait, Duration: took}
	fields := []logx.Field{logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("dur", took)}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Duration("queue_delay", wait), logx.Err(err))...)
		s.publish(eventbus.TaskFailed, t.event(start, wait, took, item.Error))
	case took >= slowTask:
		s.log.Info("task.slow", append(fields, logx.Duration("queue_delay", wait))...)
		s.publish(eventbus.TaskFinished, t.event(start, wait, took, ""))
	default:
		s.log.Trace("task.completed", fields...)
		s.publish(eventbus.TaskFinished, t.event(start, wait, took, ""))
	}
	s.hist.add(item)
}

// call runs t under timeout and turns a panic into an error.
func (s *Service) call(ctx context.Context, t Task, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("task", t.Name),
				logx.String("key", t.Key),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return t.Run(ctx)
}
