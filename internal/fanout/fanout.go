// Package fanout delivers one payload to many handles concurrently and reports the
// handles whose transport says they no longer exist.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "nowplaying/pkg/logx"
)

// ErrGone is returned by a Transport when the target handle is permanently unreachable.
var ErrGone = errors.New("fanout: target gone")

// Transport sends raw bytes to one handle.
type Transport interface {
	Send(ctx context.Context, handle string, payload []byte) error
}

type TransportFunc func(ctx context.Context, handle string, payload []byte) error

func (f TransportFunc) Send(ctx context.Context, handle string, payload []byte) error {
	return f(ctx, handle, payload)
}

type Config struct {
	// MaxConcurrency caps in-flight sends per Deliver call; 0 sends to every handle at once.
	MaxConcurrency int
}

// Result summarizes one Deliver call.
type Result struct {
	Sent   int
	Failed int
	Gone   []string
}

type Deliverer struct {
	tr  Transport
	log logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, tr Transport, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{tr: tr, cfg: cfg, log: log.With(logx.String("comp", "fanout"))}
}

func (d *Deliverer) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Deliver serializes payload once and sends it to every handle. It returns the gone
// handles in sorted order. Transient send errors are logged and otherwise ignored;
// the only error returned is a serialization failure.
func (d *Deliverer) Deliver(ctx context.Context, handles []string, payload any) ([]string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fanout encode: %w", err)
	}
	return d.DeliverBytes(ctx, handles, b).Gone, nil
}

// DeliverBytes sends an already serialized payload. It returns once every send
// has completed or failed.
func (d *Deliverer) DeliverBytes(ctx context.Context, handles []string, payload []byte) Result {
	if len(handles) == 0 {
		return Result{}
	}
	d.mu.RLock()
	limit := d.cfg.MaxConcurrency
	d.mu.RUnlock()

	start := time.Now()
	var (
		mu  sync.Mutex
		res Result
	)
	// Sends never return an error to the group, so one failure cannot cancel the rest.
	g := new(errgroup.Group)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, h := range handles {
		h := h
		g.Go(func() error {
			err := d.tr.Send(ctx, h, payload)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Sent++
			case errors.Is(err, ErrGone):
				res.Gone = append(res.Gone, h)
			default:
				res.Failed++
				d.log.Debug("send failed", logx.String("handle", h), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Gone)

	d.log.Trace("fanout done",
		logx.Int("total", len(handles)),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("gone", len(res.Gone)),
		logx.Duration("dur", time.Since(start)),
	)
	return res
}
