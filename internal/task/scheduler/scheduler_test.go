package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nowplaying/internal/storage"
	"nowplaying/internal/task/engine"
	logx "nowplaying/pkg/logx"
)

// fakeExec records enqueued ticks and runs them inline when run is set.
type fakeExec struct {
	mu    sync.Mutex
	tasks []engine.Task
	run   bool
}

func (f *fakeExec) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	run := f.run
	f.mu.Unlock()
	if run {
		return t.Run(context.Background())
	}
	return nil
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type tickLog struct {
	mu    sync.Mutex
	ticks []Trigger
}

func (l *tickLog) runner(ctx context.Context, subject string, tier Tier) error {
	l.mu.Lock()
	l.ticks = append(l.ticks, Trigger{Subject: subject, Tier: tier})
	l.mu.Unlock()
	return nil
}

func (l *tickLog) last() (Trigger, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ticks) == 0 {
		return Trigger{}, 0
	}
	return l.ticks[len(l.ticks)-1], len(l.ticks)
}

func newStarted(t *testing.T, cfg Config, st storage.JobStore) (*Service, *fakeExec, *tickLog) {
	t.Helper()
	exec := &fakeExec{run: true}
	ticks := &tickLog{}
	s := New(cfg, st, exec, logx.Nop())
	s.SetRunner(ticks.runner)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, exec, ticks
}

func TestParseTier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{in: "active", want: Active},
		{in: " Reduced ", want: Reduced},
		{in: "fast", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseTier(%q) = (%v, %v)", tt.in, got, err)
		}
		if err == nil && got.String() != "active" && got.String() != "reduced" {
			t.Fatalf("String() = %q", got.String())
		}
	}
	if Tier(0).Valid() {
		t.Fatal("zero Tier must be invalid")
	}
	if got := (Trigger{Subject: "u1", Tier: Active}).String(); got != "active:u1" {
		t.Fatalf("Trigger.String() = %q", got)
	}
}

func TestEnsureScheduledFiresImmediatelyInReduced(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, exec, ticks := newStarted(t, Config{}, storage.NewMemory(0))

	if ok, _ := s.Exists(ctx, "u1"); ok {
		t.Fatal("Exists before EnsureScheduled")
	}
	if err := s.EnsureScheduled(ctx, "u1"); err != nil {
		t.Fatalf("EnsureScheduled: %v", err)
	}
	if ok, err := s.Exists(ctx, "u1"); err != nil || !ok {
		t.Fatalf("Exists after EnsureScheduled = (%v, %v)", ok, err)
	}
	if exec.count() != 1 {
		t.Fatalf("enqueued = %d, want 1 immediate tick", exec.count())
	}
	if tr, n := ticks.last(); n != 1 || tr != (Trigger{Subject: "u1", Tier: Reduced}) {
		t.Fatalf("tick = %v (n=%d), want reduced:u1", tr, n)
	}
	task := exec.tasks[0]
	if task.Key != "u1" || task.Overlap != engine.OverlapSkipIfRunning || task.Timeout != 20*time.Second {
		t.Fatalf("tick task = %+v", task)
	}

	if err := s.EnsureScheduled(ctx, "u1"); !errors.Is(err, ErrJobExists) {
		t.Fatalf("second EnsureScheduled err = %v, want ErrJobExists", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSetTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)
	s, _, _ := newStarted(t, Config{ActiveInterval: 15 * time.Second, ReducedInterval: 2 * time.Minute}, st)

	if err := s.SetTier(ctx, "ghost", Active); !errors.Is(err, ErrNoJob) {
		t.Fatalf("SetTier(no job) err = %v, want ErrNoJob", err)
	}
	if ok, _ := s.Exists(ctx, "ghost"); ok {
		t.Fatal("SetTier must not create a job")
	}
	if err := s.SetTier(ctx, "u1", Tier(7)); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("SetTier(invalid) err = %v, want ErrInvalidTier", err)
	}

	if err := s.EnsureScheduled(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	if err := s.SetTier(ctx, "u1", Active); err != nil {
		t.Fatalf("SetTier: %v", err)
	}
	info, err := s.Job(ctx, "u1")
	if err != nil || info == nil {
		t.Fatalf("Job = (%v, %v)", info, err)
	}
	if info.Tier != Active || info.TierName != "active" {
		t.Fatalf("tier = %v, want active", info.Tier)
	}
	if min := before.Add(15 * time.Second); info.NextFire.Before(min) {
		t.Fatalf("NextFire = %v, want >= %v", info.NextFire, min)
	}
	rec, _ := st.GetJob(ctx, "u1")
	if rec.Tier != "active" {
		t.Fatalf("stored tier = %q, want active", rec.Tier)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want one live trigger after swap", s.Len())
	}

	// Same tier is a no-op.
	if err := s.SetTier(ctx, "u1", Active); err != nil {
		t.Fatalf("SetTier(same) err = %v", err)
	}

	before = time.Now()
	if err := s.SetTier(ctx, "u1", Reduced); err != nil {
		t.Fatal(err)
	}
	info, _ = s.Job(ctx, "u1")
	if min := before.Add(2 * time.Minute); info.Tier != Reduced || info.NextFire.Before(min) {
		t.Fatalf("after back-transition: %+v, want reduced firing >= %v", info, min)
	}
}

func TestUnscheduleIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, _ := newStarted(t, Config{}, storage.NewMemory(0))

	if err := s.Unschedule(ctx, "u1", Reduced); err != nil {
		t.Fatalf("Unschedule(absent): %v", err)
	}
	if err := s.EnsureScheduled(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	// A stale tier leaves the live trigger alone.
	if err := s.Unschedule(ctx, "u1", Active); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "u1"); !ok {
		t.Fatal("Unschedule with stale tier removed the job")
	}
	for i := 0; i < 2; i++ {
		if err := s.Unschedule(ctx, "u1", Reduced); err != nil {
			t.Fatalf("Unschedule #%d: %v", i, err)
		}
	}
	if ok, _ := s.Exists(ctx, "u1"); ok {
		t.Fatal("Exists after Unschedule")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
	if err := s.EnsureScheduled(ctx, "u1"); err != nil {
		t.Fatalf("re-EnsureScheduled after Unschedule: %v", err)
	}
}

func TestStartRestoresPersistedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(0)
	past := time.Now().Add(-time.Hour)
	_ = st.PutJob(ctx, storage.JobRecord{Subject: "u1", Tier: "active", NextFire: past})
	_ = st.PutJob(ctx, storage.JobRecord{Subject: "u2", Tier: "reduced", NextFire: past})
	_ = st.PutJob(ctx, storage.JobRecord{Subject: "bad", Tier: "turbo", NextFire: past})

	before := time.Now()
	s, _, _ := newStarted(t, Config{}, st)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 restored triggers", s.Len())
	}
	info, err := s.Job(ctx, "u1")
	if err != nil || info.Tier != Active {
		t.Fatalf("Job(u1) = (%+v, %v)", info, err)
	}
	if info.NextFire.Before(before) || info.NextFire.After(before.Add(maxStartupSpread+time.Second)) {
		t.Fatalf("restored NextFire %v outside spread window", info.NextFire)
	}
}

func TestTriggersFireOnInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _, ticks := newStarted(t, Config{ActiveInterval: 50 * time.Millisecond, ReducedInterval: time.Hour}, storage.NewMemory(0))
	if err := s.EnsureScheduled(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTier(ctx, "u1", Active); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		tr, n := ticks.last()
		if n >= 3 && tr.Tier == Active {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("active ticks not observed; last=%v n=%d", tr, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTierScheduleAndSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := now.Add(15 * time.Second)
	sched := &tierSchedule{every: 15 * time.Second, first: first}
	if got := sched.Next(now); !got.Equal(first) {
		t.Fatalf("Next before first = %v, want %v", got, first)
	}
	if got := sched.Next(first); !got.Equal(first.Add(15 * time.Second)) {
		t.Fatalf("Next at first = %v", got)
	}

	for i := 0; i < 50; i++ {
		at, jitter := restoreFirstFire(time.Time{}, now, 2*time.Minute, "u1")
		if jitter < 0 || jitter >= maxStartupSpread || !at.Equal(now.Add(jitter)) {
			t.Fatalf("restoreFirstFire = (%v, %v)", at, jitter)
		}
	}
	later := now.Add(time.Minute)
	if at, _ := restoreFirstFire(later, now, 10*time.Second, "u2"); at.Before(later) || !at.Before(later.Add(10*time.Second)) {
		t.Fatalf("future persisted fire not honored: %v", at)
	}
}

func TestFireWithoutRunnerIsDropped(t *testing.T) {
	t.Parallel()
	exec := &fakeExec{}
	s := New(Config{}, storage.NewMemory(0), exec, logx.Nop())
	s.fire(Trigger{Subject: "u1", Tier: Reduced})
	if exec.count() != 0 {
		t.Fatal("tick enqueued without runner")
	}
}
