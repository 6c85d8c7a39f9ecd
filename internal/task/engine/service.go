// Package engine executes presence ticks on a bounded worker pool. A task runs
// once under its own timeout; with OverlapSkipIfRunning at most one task per key
// is queued or running at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nowplaying/internal/eventbus"
	rtsup "nowplaying/internal/runtime/supervisor"
	logx "nowplaying/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

// Drop reasons carried in TaskEvent.Error.
const (
	reasonOverlap   = "overlap_skip"
	reasonQueueFull = "queue_full"
	reasonStale     = "stale_queue_delay"
)

type queued struct {
	task    Task
	at      time.Time
	timeout time.Duration
	gated   bool
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue   chan queued
	sup     *rtsup.Supervisor
	closing atomic.Bool
	done    chan struct{}
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu sync.Mutex
	p  *pool

	gate keyGate
	hist *history

	seq       atomic.Uint64
	inFlight  atomic.Int32
	queueFull atomic.Uint64
	stale     atomic.Uint64

	fullWarn  throttle
	staleWarn throttle
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "taskengine")),
		bus:  bus,
		hist: newHistory(cfg.HistorySize),
	}
}

// Start launches the workers. Calling it while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p != nil {
		return
	}
	// Workers are restarted if they die; one bad tick never stops the process.
	p := &pool{
		queue: make(chan queued, s.cfg.QueueSize),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		done:  make(chan struct{}),
	}
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		p.sup.GoRestart(name, func(c context.Context) error {
			s.work(c, p)
			if c.Err() != nil || p.closing.Load() {
				return nil
			}
			return errors.New(name + " exited")
		})
	}
	s.p = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels running tasks, releases the keys of tasks that never ran and
// waits for the workers or ctx. The engine can be started again afterwards.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()
	if p == nil {
		return
	}
	if p.closing.CompareAndSwap(false, true) {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.discard(p.queue)
			s.mu.Lock()
			if s.p == p {
				s.p = nil
			}
			s.mu.Unlock()
			close(p.done)
		}()
	}
	select {
	case <-p.done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) discard(q chan queued) {
	for {
		select {
		case it := <-q:
			if it.gated {
				s.gate.release(it.task.gateKey())
			}
		default:
			return
		}
	}
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task name required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	p := s.p
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case p.closing.Load():
		return ErrStopping
	}

	it := queued{task: t, at: now, timeout: t.Timeout, gated: t.Overlap == OverlapSkipIfRunning}
	if it.timeout <= 0 {
		it.timeout = s.cfg.DefaultTimeout
	}
	if it.gated && !s.gate.acquire(t.gateKey()) {
		s.publish(eventbus.TaskSkipped, t.event(now, 0, 0, reasonOverlap))
		s.log.Debug("task skipped; key busy", logx.String("task", t.Name), logx.String("key", t.gateKey()))
		return ErrOverlapSkip
	}

	select {
	case p.queue <- it:
		return nil
	default:
	}
	if it.gated {
		s.gate.release(t.gateKey())
	}
	n := s.queueFull.Add(1)
	s.publish(eventbus.TaskDropped, t.event(now, 0, 0, reasonQueueFull))
	if s.fullWarn.allow(now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", t.Key),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
	return ErrQueueFull
}

// Running reports whether a gated task with key is queued or executing.
func (s *Service) Running(key string) bool { return s.gate.holds(key) }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	p := s.p
	s.mu.Unlock()

	snap := Snapshot{
		Workers:          s.cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.queueFull.Load(),
		DroppedStale:     s.stale.Load(),
		DefaultTimeout:   s.cfg.DefaultTimeout,
		MaxQueueDelay:    s.cfg.MaxQueueDelay,
		History:          s.hist.list(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.Running = !p.closing.Load()
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}

func (s *Service) publish(typ string, ev TaskEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// throttle lets one warning through per dropWarnEvery.
type throttle struct{ last atomic.Int64 }

func (t *throttle) allow(now time.Time) bool {
	prev := t.last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(dropWarnEvery) {
		return false
	}
	return t.last.CompareAndSwap(prev, now.UnixNano())
}
