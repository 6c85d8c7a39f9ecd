package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

const maxStartupSpread = 30 * time.Second

// tierSchedule repeats every interval, measured from each fire. cron asks for the
// next time once when the entry is registered and once after every run; the first
// answer is first, so a new trigger starts at an exact time (a past first fires at once).
type tierSchedule struct {
	every   time.Duration
	first   time.Time
	started atomic.Bool
}

func (s *tierSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && s.started.CompareAndSwap(false, true) {
		return s.first
	}
	return t.Add(s.every)
}

var spreadSeq uint64

// restoreFirstFire picks the first fire time for a job restored after a restart:
// its persisted next fire (or now, if that already passed) plus a random jitter of
// up to min(every, 30s), so a restart does not poll every subject at once.
func restoreFirstFire(persisted, now time.Time, every time.Duration, tag string) (time.Time, time.Duration) {
	base := persisted
	if base.Before(now) {
		base = now
	}
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return base, 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return base.Add(jitter), jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
