package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the pool. Zero values take defaults: 8 workers, a queue of 1024
// and a history of 200.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task whose Timeout is 0.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops a task that waited longer than this; 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same key is
	// queued or running.
	OverlapSkipIfRunning
)

// Task runs once. Failures are reported, never retried.
type Task struct {
	ID   string
	Name string
	// Key groups tasks for overlap gating. Empty means Name.
	Key     string
	Timeout time.Duration
	Overlap OverlapPolicy
	Run     func(ctx context.Context) error
}

func (t Task) gateKey() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

func (t Task) event(started time.Time, wait, took time.Duration, err string) TaskEvent {
	return TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: started, QueueDelay: wait, Duration: took, Error: err}
}

// keyGate holds the keys with a task queued or running.
type keyGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (g *keyGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return false
	}
	if g.held == nil {
		g.held = make(map[string]struct{})
	}
	g.held[key] = struct{}{}
	return true
}

func (g *keyGate) release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

func (g *keyGate) holds(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

type HistoryItem struct {
	ID         string
	Name       string
	Key        string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// history is a fixed-size ring of finished tasks, oldest first on read.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
	next  int
	full  bool
}

func newHistory(n int) *history { return &history{items: make([]HistoryItem, n)} }

func (h *history) add(it HistoryItem) {
	h.mu.Lock()
	h.items[h.next] = it
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]HistoryItem(nil), h.items[:h.next]...)
	}
	out := make([]HistoryItem, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	return append(out, h.items[:h.next]...)
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	History []HistoryItem `json:"history,omitempty"`
}
