package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nowplaying/internal/storage"
	"nowplaying/internal/task/engine"
	logx "nowplaying/pkg/logx"
)

var (
	ErrNoJob       = errors.New("scheduler: no job for subject")
	ErrJobExists   = errors.New("scheduler: job already exists")
	ErrInvalidTier = errors.New("scheduler: invalid tier")
)

// Tier is a polling frequency class. The zero value is invalid.
type Tier int

const (
	Reduced Tier = iota + 1
	Active
)

func (t Tier) String() string {
	switch t {
	case Active:
		return "active"
	case Reduced:
		return "reduced"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

func (t Tier) Valid() bool { return t == Active || t == Reduced }

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return Active, nil
	case "reduced":
		return Reduced, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

// Trigger identifies the single live trigger of a job.
type Trigger struct {
	Subject string
	Tier    Tier
}

func (t Trigger) String() string { return t.Tier.String() + ":" + t.Subject }

// Config holds the tier intervals and the per-tick timeout.
type Config struct {
	ActiveInterval  time.Duration
	ReducedInterval time.Duration
	TickTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = 15 * time.Second
	}
	if c.ReducedInterval <= 0 {
		c.ReducedInterval = 120 * time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 20 * time.Second
	}
	return c
}

// Interval returns the repeat interval for tier.
func (c Config) Interval(t Tier) time.Duration {
	if t == Active {
		return c.ActiveInterval
	}
	return c.ReducedInterval
}

// Runner executes one tick for the trigger that fired.
type Runner func(ctx context.Context, subject string, tier Tier) error

// Executor accepts ticks for asynchronous execution.
type Executor interface {
	Enqueue(t engine.Task) error
}

// JobInfo is a read-only view of a job.
type JobInfo struct {
	Subject  string    `json:"subject"`
	Tier     Tier      `json:"-"`
	TierName string    `json:"tier"`
	Interval string    `json:"interval"`
	NextFire time.Time `json:"next_fire"`
}

type entry struct {
	trigger Trigger
	id      cron.EntryID
	first   time.Time
}

type Service struct {
	// mu serializes every job mutation so the store write and the cron entry swap
	// happen as one step.
	mu sync.Mutex

	cfg    Config
	log    logx.Logger
	store  storage.JobStore
	exec   Executor
	runner Runner
	now    func() time.Time

	c    *cron.Cron
	jobs map[string]*entry

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}
